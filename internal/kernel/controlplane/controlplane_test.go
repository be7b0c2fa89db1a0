package controlplane

import (
	"encoding/base64"
	"errors"
	"testing"
)

func TestBootstrapThenDuplicateFails(t *testing.T) {
	p := New()
	if err := p.Bootstrap("w1"); err != nil {
		t.Fatalf("first bootstrap: %v", err)
	}
	if err := p.Bootstrap("w1"); !errors.Is(err, ErrDuplicateBootstrap) {
		t.Fatalf("expected ErrDuplicateBootstrap, got %v", err)
	}
}

func TestReadyBeforeBootstrapFails(t *testing.T) {
	p := New()
	if err := p.Ready("w1"); !errors.Is(err, ErrNotBootstrapped) {
		t.Fatalf("expected ErrNotBootstrapped, got %v", err)
	}
}

func TestStartWorkBeforeReadyFails(t *testing.T) {
	p := New()
	_ = p.Bootstrap("w1")
	_ = p.Bootstrap("w2")
	_ = p.Ready("w1")
	if err := p.StartWork([]string{"w1", "w2"}); !errors.Is(err, ErrStartBeforeReady) {
		t.Fatalf("expected ErrStartBeforeReady, got %v", err)
	}
	_ = p.Ready("w2")
	if err := p.StartWork([]string{"w1", "w2"}); err != nil {
		t.Fatalf("expected start to succeed once all required workers are ready: %v", err)
	}
}

func TestStartWorkEmptyRequiredMeansAllBootstrapped(t *testing.T) {
	p := New()
	_ = p.Bootstrap("w1")
	_ = p.Bootstrap("w2")
	_ = p.Ready("w1")
	if err := p.StartWork(nil); !errors.Is(err, ErrStartBeforeReady) {
		t.Fatalf("expected w2 (unready) to block start, got %v", err)
	}
}

func TestHeartbeatAndStopAlwaysAck(t *testing.T) {
	p := New()
	for _, k := range []Kind{KindHeartbeat, KindStop} {
		resp, err := p.Dispatch(Message{Kind: k, CorrelationID: "c1", WorkerID: "w1"}, true, nil)
		if err != nil {
			t.Fatalf("dispatch %s: %v", k, err)
		}
		if resp.Kind != KindAck || resp.CorrelationID != "c1" {
			t.Fatalf("expected ack with matching correlation id, got %+v", resp)
		}
	}
}

func TestDispatchRejectsInvalidBundle(t *testing.T) {
	p := New()
	_, err := p.Dispatch(Message{Kind: KindBootstrapBundle, WorkerID: "w1"}, false, nil)
	if err == nil {
		t.Fatalf("expected invalid bundle to be rejected")
	}
	if p.IsBootstrapped("w1") {
		t.Fatalf("worker should not be recorded as bootstrapped")
	}
}

func TestDispatchFullLifecycle(t *testing.T) {
	p := New()
	if _, err := p.Dispatch(Message{Kind: KindBootstrapBundle, WorkerID: "w1"}, true, nil); err != nil {
		t.Fatalf("bootstrap dispatch: %v", err)
	}
	if _, err := p.Dispatch(Message{Kind: KindReady, WorkerID: "w1"}, true, nil); err != nil {
		t.Fatalf("ready dispatch: %v", err)
	}
	if _, err := p.Dispatch(Message{Kind: KindStartWork}, true, []string{"w1"}); err != nil {
		t.Fatalf("start_work dispatch: %v", err)
	}
}

func TestBundleEncodeDecodeRoundTrip(t *testing.T) {
	b := ChildBootstrapBundle{
		ScenarioID:       "scenario-1",
		ProcessGroup:     "group-a",
		DiscoveryModules: []string{"mod.a", "mod.b"},
		RuntimeConfig:    map[string]any{"k": "v"},
		Adapters:         map[string]any{"adapter": "stub"},
		KeyBundle: KeyBundleWire{
			CreatedAtEpoch:   1000,
			SecretMode:       "generated",
			KDF:              "hkdf-sha256",
			MasterSecretB64:  base64.StdEncoding.EncodeToString([]byte("master-material")),
			SigningSecretB64: base64.StdEncoding.EncodeToString([]byte("signing-material")),
		},
	}

	encoded, err := EncodeBundle(b)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeBundle(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.ScenarioID != b.ScenarioID || decoded.ProcessGroup != b.ProcessGroup {
		t.Fatalf("round trip mismatch: %+v vs %+v", decoded, b)
	}
	if decoded.KeyBundle.MasterSecretB64 != b.KeyBundle.MasterSecretB64 {
		t.Fatalf("key bundle round trip mismatch")
	}
}

func TestDecodeBundleRejectsMissingScenarioID(t *testing.T) {
	_, err := DecodeBundle([]byte(`{"process_group":"g"}`))
	if err == nil {
		t.Fatalf("expected error for missing scenario_id")
	}
}

func TestDecodeBundleRejectsBadBase64Secret(t *testing.T) {
	raw := []byte(`{"scenario_id":"s","process_group":"g","key_bundle":{"master_secret_b64":"not-base64!!"}}`)
	if _, err := DecodeBundle(raw); err == nil {
		t.Fatalf("expected error for invalid base64 secret")
	}
}
