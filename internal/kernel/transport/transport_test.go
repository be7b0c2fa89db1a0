package transport

import (
	"bytes"
	"testing"
)

func testConfig() Config {
	return Config{
		BindHost:        "127.0.0.1",
		BindPort:        9100,
		Secret:          []byte("top-secret"),
		TTLSeconds:      30,
		NonceCacheSize:  8,
		MaxPayloadBytes: 4096,
		AllowedKinds:    map[string]bool{"data": true, "control": true},
	}
}

func TestConfigValidateRejectsNonLoopbackBind(t *testing.T) {
	cfg := testConfig()
	cfg.BindHost = "0.0.0.0"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected bind policy rejection")
	}
}

func TestConfigValidateAcceptsLoopback(t *testing.T) {
	if err := testConfig().Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestRoundTripEncodeDecode(t *testing.T) {
	cfg := testConfig()
	e := NewEnvelope("data", "worker-1", []byte(`{"hello":"world"}`), map[string]string{"x": "y"}, 1000, "nonce-1")
	sig, err := Sign(e, cfg.Secret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	e.Sig = sig

	frame, err := EncodeFramed(e, cfg.Secret)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	v := NewVerifier(cfg)
	decoded, err := v.DecodeFramed(bytes.NewReader(frame), 1010)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Kind != e.Kind || decoded.Nonce != e.Nonce || decoded.PayloadB64 != e.PayloadB64 {
		t.Fatalf("round trip mismatch: got %+v want %+v", decoded, e)
	}
	payload, err := decoded.Payload()
	if err != nil || string(payload) != `{"hello":"world"}` {
		t.Fatalf("payload mismatch: %q err=%v", payload, err)
	}
}

func TestVerifyRejectsMissingSignature(t *testing.T) {
	cfg := testConfig()
	e := NewEnvelope("data", "w1", []byte("x"), nil, 100, "n1")
	v := NewVerifier(cfg)
	if err := v.Verify(e, 100); err != ErrMissingSignature {
		t.Fatalf("expected ErrMissingSignature, got %v", err)
	}
}

func TestVerifyRejectsUnsupportedKind(t *testing.T) {
	cfg := testConfig()
	e := NewEnvelope("mystery", "w1", []byte("x"), nil, 100, "n1")
	sig, _ := Sign(e, cfg.Secret)
	e.Sig = sig
	v := NewVerifier(cfg)
	if err := v.Verify(e, 100); err != ErrUnsupportedKind {
		t.Fatalf("expected ErrUnsupportedKind, got %v", err)
	}
}

func TestVerifyRejectsExpiredTimestamp(t *testing.T) {
	cfg := testConfig()
	e := NewEnvelope("data", "w1", []byte("x"), nil, 100, "n1")
	sig, _ := Sign(e, cfg.Secret)
	e.Sig = sig
	v := NewVerifier(cfg)
	if err := v.Verify(e, 100+cfg.TTLSeconds+1); err != ErrTimestampExpired {
		t.Fatalf("expected ErrTimestampExpired, got %v", err)
	}
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	cfg := testConfig()
	e := NewEnvelope("data", "w1", []byte("x"), nil, 100, "n1")
	sig, _ := Sign(e, cfg.Secret)
	e.Sig = sig
	e.Target = "w2" // tamper after signing
	v := NewVerifier(cfg)
	if err := v.Verify(e, 100); err != ErrInvalidSignature {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestVerifyRejectsReplayedNonce(t *testing.T) {
	cfg := testConfig()
	e := NewEnvelope("data", "w1", []byte("x"), nil, 100, "dup-nonce")
	sig, _ := Sign(e, cfg.Secret)
	e.Sig = sig
	v := NewVerifier(cfg)
	if err := v.Verify(e, 100); err != nil {
		t.Fatalf("first verify should succeed: %v", err)
	}
	if err := v.Verify(e, 100); err != ErrReplayNonce {
		t.Fatalf("expected ErrReplayNonce on replay, got %v", err)
	}
}

func TestDecodeFramedRejectsOversizedFrame(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPayloadBytes = 4
	e := NewEnvelope("data", "w1", []byte("a very long payload indeed"), nil, 100, "n1")
	sig, _ := Sign(e, cfg.Secret)
	e.Sig = sig
	frame, err := EncodeFramed(e, cfg.Secret)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	v := NewVerifier(cfg)
	if _, err := v.DecodeFramed(bytes.NewReader(frame), 100); err != ErrWirePayloadTooBig {
		t.Fatalf("expected ErrWirePayloadTooBig, got %v", err)
	}
}

func TestSignErrorNeverLeaksSecret(t *testing.T) {
	cfg := testConfig()
	e := NewEnvelope("data", "w1", []byte("x"), nil, 100, "n1")
	v := NewVerifier(cfg)
	err := v.Verify(e, 100)
	if err == nil {
		t.Fatalf("expected an error")
	}
	if bytes.Contains([]byte(err.Error()), cfg.Secret) {
		t.Fatalf("error message leaked the secret: %v", err)
	}
}
