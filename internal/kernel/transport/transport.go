// Package transport implements SecureTcpTransport (spec.md §4.8): a
// length-prefixed, HMAC-signed, TTL-and-nonce-guarded wire protocol
// for the localhost-only control and data channels a BootstrapSupervisor
// opens to its worker processes.
//
// Grounded on the teacher's internal/firecracker/vsock.go framing
// (4-byte big-endian length prefix + JSON payload, single-write batched
// send, io.ReadFull-based receive) and internal/eventbus/webhook.go's
// HMAC-SHA256 signing (crypto/hmac + crypto/sha256 + encoding/hex),
// generalized from a one-shot webhook signature to a per-frame
// canonical-JSON signature with replay protection.
package transport

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/oriys/kernel/internal/kernel/kmetrics"
)

// Config is SecureTcpTransport's configuration (spec.md §4.8).
type Config struct {
	BindHost        string
	BindPort        int
	Secret          []byte
	TTLSeconds      int64
	NonceCacheSize  int
	MaxPayloadBytes int
	AllowedKinds    map[string]bool
}

// Validate enforces the configuration policy named in spec.md §4.8.
func (c Config) Validate() error {
	if c.BindHost != "127.0.0.1" {
		return fmt.Errorf("%w: bind_host must be 127.0.0.1, got %q", ErrBindPolicy, c.BindHost)
	}
	if c.BindPort < 0 || c.BindPort > 65535 {
		return fmt.Errorf("transport: bind_port %d out of range", c.BindPort)
	}
	if c.TTLSeconds <= 0 {
		return errors.New("transport: ttl_seconds must be > 0")
	}
	if c.NonceCacheSize <= 0 {
		return errors.New("transport: nonce_cache_size must be > 0")
	}
	if c.MaxPayloadBytes <= 0 {
		return errors.New("transport: max_payload_bytes must be > 0")
	}
	if len(c.AllowedKinds) == 0 {
		return errors.New("transport: allowed_kinds must be non-empty")
	}
	return nil
}

// Envelope is the wire shape from spec.md §4.8. Target may carry a
// single string or a list; callers use TargetOne/TargetMany to build it
// so the JSON shape matches exactly what the wire expects.
type Envelope struct {
	TraceID    string            `json:"trace_id,omitempty"`
	ReplyTo    string            `json:"reply_to,omitempty"`
	Kind       string            `json:"kind"`
	Target     any               `json:"target"`
	PayloadB64 string            `json:"payload_b64"`
	Headers    map[string]string `json:"headers"`
	TS         int64             `json:"ts"`
	Nonce      string            `json:"nonce"`
	Sig        string            `json:"sig"`
}

// NewEnvelope base64-encodes payload into PayloadB64; ts and nonce are
// supplied by the caller (the transport's Send path, or a test) since
// this package never calls time.Now or crypto/rand directly in a place
// that would make encode/decode non-deterministic to test.
func NewEnvelope(kind string, target any, payload []byte, headers map[string]string, ts int64, nonce string) Envelope {
	if headers == nil {
		headers = map[string]string{}
	}
	return Envelope{
		Kind:       kind,
		Target:     target,
		PayloadB64: base64.StdEncoding.EncodeToString(payload),
		Headers:    headers,
		TS:         ts,
		Nonce:      nonce,
	}
}

// Payload decodes PayloadB64 back to raw bytes.
func (e Envelope) Payload() ([]byte, error) {
	return base64.StdEncoding.DecodeString(e.PayloadB64)
}

// Transport errors (spec.md §4.8 step list + §7 error taxonomy). The
// configured secret must never appear in any of these.
var (
	ErrMissingSignature  = errors.New("transport: missing signature")
	ErrInvalidSignature  = errors.New("transport: invalid signature")
	ErrTimestampExpired  = errors.New("transport: timestamp expired")
	ErrReplayNonce       = errors.New("transport: replayed nonce")
	ErrUnsupportedKind   = errors.New("transport: unsupported kind")
	ErrWirePayloadTooBig = errors.New("transport: payload exceeds max_payload_bytes")
	ErrBindPolicy        = errors.New("transport: bind_host policy violation")
)

// Sign computes the hex HMAC-SHA256 over the envelope's canonical JSON
// with sig="" (spec.md §4.8 "Signing algorithm").
func Sign(e Envelope, secret []byte) (string, error) {
	unsigned := e
	unsigned.Sig = ""
	canon, err := canonicalJSON(unsigned)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(canon)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// canonicalJSON serializes v as JSON with object keys sorted and no
// extraneous whitespace. encoding/json already emits keys of a Go
// struct in declaration order and no insignificant whitespace, but the
// wire format is keyed by a map-shaped concept (field order is not a
// wire guarantee), so this round-trips through a generic map to sort
// keys explicitly rather than relying on struct field order.
func canonicalJSON(e Envelope) ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(generic))
	for k := range generic {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf []byte
	buf = append(buf, '{')
	for i, k := range keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		kj, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf = append(buf, kj...)
		buf = append(buf, ':')
		buf = append(buf, generic[k]...)
	}
	buf = append(buf, '}')
	return buf, nil
}

// EncodeFramed signs e and serializes it as a 4-byte big-endian length
// prefix followed by the canonical JSON frame.
func EncodeFramed(e Envelope, secret []byte) ([]byte, error) {
	sig, err := Sign(e, secret)
	if err != nil {
		return nil, err
	}
	e.Sig = sig
	body, err := canonicalJSON(e)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(body)))
	copy(frame[4:], body)
	return frame, nil
}

// ReplayGuard is a bounded FIFO set of nonces already seen, used to
// reject replayed frames (spec.md §4.8 step 8). It is keyed on the
// nonce alone; a frame's ts is not part of the key. Not
// synchronized: the transport's single-reader model (spec.md §5 "Shared-
// resource policy") makes a mutex unnecessary here.
type ReplayGuard struct {
	capacity int
	seen     map[string]struct{}
	order    []string
}

// NewReplayGuard builds a guard holding at most capacity nonces.
func NewReplayGuard(capacity int) *ReplayGuard {
	return &ReplayGuard{capacity: capacity, seen: make(map[string]struct{}, capacity)}
}

// CheckAndRecord returns true (accepts) the first time a nonce is seen,
// and records it; returns false on a repeat. Eviction is FIFO once the
// guard reaches capacity.
func (g *ReplayGuard) CheckAndRecord(nonce string) bool {
	if _, dup := g.seen[nonce]; dup {
		return false
	}
	if len(g.order) >= g.capacity {
		oldest := g.order[0]
		g.order = g.order[1:]
		delete(g.seen, oldest)
	}
	g.seen[nonce] = struct{}{}
	g.order = append(g.order, nonce)
	return true
}

// Verifier runs the spec.md §4.8 receive-side verification steps, in
// the mandated order, against a decoded frame.
type Verifier struct {
	cfg   Config
	guard *ReplayGuard
}

// NewVerifier builds a Verifier bound to cfg, with its own replay
// guard sized from cfg.NonceCacheSize.
func NewVerifier(cfg Config) *Verifier {
	return &Verifier{cfg: cfg, guard: NewReplayGuard(cfg.NonceCacheSize)}
}

// Secret returns the signing secret this Verifier was configured with,
// so a caller holding only the Verifier (not the original Config) can
// still sign outgoing frames on the same channel it verifies incoming
// ones on.
func (v *Verifier) Secret() []byte { return v.cfg.Secret }

// DecodeFramed reads one length-prefixed frame from r, short-circuiting
// before decoding the body if the declared length exceeds
// max_payload_bytes, then runs full verification against nowEpoch.
func (v *Verifier) DecodeFramed(r io.Reader, nowEpoch int64) (Envelope, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return Envelope{}, err
	}
	declared := binary.BigEndian.Uint32(lenBuf)
	if int(declared) > v.cfg.MaxPayloadBytes {
		kmetrics.RecordTransportReject("payload_too_big")
		return Envelope{}, ErrWirePayloadTooBig
	}

	body := make([]byte, declared)
	if _, err := io.ReadFull(r, body); err != nil {
		return Envelope{}, err
	}

	var e Envelope
	if err := json.Unmarshal(body, &e); err != nil {
		kmetrics.RecordTransportReject("invalid_json")
		return Envelope{}, fmt.Errorf("transport: invalid frame json: %w", err)
	}

	if err := v.Verify(e, nowEpoch); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

// Verify runs steps 3-8 of spec.md §4.8 against an already-parsed
// envelope (step 1-2, length and JSON-object parsing, are the framing
// layer's job in DecodeFramed).
func (v *Verifier) Verify(e Envelope, nowEpoch int64) error {
	if e.Sig == "" {
		kmetrics.RecordTransportReject("missing_signature")
		return ErrMissingSignature
	}
	if !v.cfg.AllowedKinds[e.Kind] {
		kmetrics.RecordTransportReject("unsupported_kind")
		return ErrUnsupportedKind
	}
	delta := nowEpoch - e.TS
	if delta < 0 {
		delta = -delta
	}
	if delta > v.cfg.TTLSeconds {
		kmetrics.RecordTransportReject("timestamp_expired")
		return ErrTimestampExpired
	}
	if e.Nonce == "" {
		// No dedicated error name exists for this case in the taxonomy;
		// an empty nonce is treated as a malformed signature.
		kmetrics.RecordTransportReject("missing_signature")
		return ErrMissingSignature
	}

	want, err := Sign(e, v.cfg.Secret)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(want), []byte(e.Sig)) {
		kmetrics.RecordTransportReject("invalid_signature")
		return ErrInvalidSignature
	}

	if !v.guard.CheckAndRecord(e.Nonce) {
		kmetrics.RecordTransportReject("replay_nonce")
		return ErrReplayNonce
	}
	return nil
}
