// Package ksecret builds and distributes the BootstrapKeyBundle
// (spec.md glossary, §4.10): the transport secret material a parent
// supervisor generates once and hands to every child worker over a
// one-shot channel.
//
// Key generation is grounded on the teacher's internal/secrets/secrets.go
// GenerateKey (crypto/rand CSPRNG, 32 bytes of master material);
// derivation of the signing key from that material uses
// golang.org/x/crypto/hkdf (HKDF-SHA256, RFC 5869), since spec.md §9
// calls for HKDF specifically rather than the teacher's direct-key
// AES-GCM scheme. The AWS Secrets Manager sourcing path uses
// github.com/aws/aws-sdk-go-v2/service/secretsmanager, reserved by the
// teacher's own go.mod for nothing in nova itself but present in the
// dependency pack for exactly this kind of managed-secret retrieval.
package ksecret

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Secret wraps sensitive byte material so it never prints itself in a
// log line, error message, or %v formatting by accident.
type Secret struct {
	b []byte
}

// NewSecret wraps b. The caller retains no other reference to rely on.
func NewSecret(b []byte) Secret {
	cp := make([]byte, len(b))
	copy(cp, b)
	return Secret{b: cp}
}

// Bytes exposes the raw material. Callers that need to keep exposing
// it (e.g. passing to transport.Sign) should do so narrowly and never
// log the result.
func (s Secret) Bytes() []byte { return s.b }

// String never reveals the material, including via fmt's %v/%s verbs.
func (s Secret) String() string { return "[redacted]" }

// GoString mirrors String for %#v formatting.
func (s Secret) GoString() string { return "ksecret.Secret([redacted])" }

// MarshalJSON never serializes the material; bootstrap bundles carry
// secrets base64-encoded through a dedicated wire field, never through
// Go's default JSON marshaling of this type.
func (s Secret) MarshalJSON() ([]byte, error) {
	return []byte(`"[redacted]"`), nil
}

// SecretMode names how the master secret is sourced (spec.md §6
// runtime.platform.execution_ipc.auth.secret_mode).
type SecretMode string

const (
	SecretModeGenerated         SecretMode = "generated"
	SecretModeAWSSecretsManager SecretMode = "aws_secrets_manager"
)

// Bundle is the BootstrapKeyBundle (spec.md glossary): built once at
// parent startup and delivered to each child exactly once.
type Bundle struct {
	CreatedAtEpoch int64
	SecretMode     SecretMode
	KDF            string
	MasterSecret   Secret
	SigningSecret  Secret
}

// GenerateMasterSecret produces 32 bytes of CSPRNG material, the
// teacher's GenerateKey pattern with the hex-encoding step dropped
// since this kernel keeps the material as raw bytes end to end.
func GenerateMasterSecret() (Secret, error) {
	buf := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return Secret{}, fmt.Errorf("ksecret: generate master secret: %w", err)
	}
	return NewSecret(buf), nil
}

// DeriveSigningSecret expands master into a 32-byte signing key via
// HKDF-SHA256, with info binding the derived key to its purpose so a
// future second derived key (e.g. an encryption key) can't collide
// with this one.
func DeriveSigningSecret(master Secret) (Secret, error) {
	reader := hkdf.New(sha256.New, master.Bytes(), nil, []byte("kernel-transport-signing-v1"))
	out := make([]byte, 32)
	if _, err := io.ReadFull(reader, out); err != nil {
		return Secret{}, fmt.Errorf("ksecret: derive signing secret: %w", err)
	}
	return NewSecret(out), nil
}

// NewGeneratedBundle builds a Bundle from freshly generated material
// (secret_mode: "generated").
func NewGeneratedBundle(createdAtEpoch int64) (Bundle, error) {
	master, err := GenerateMasterSecret()
	if err != nil {
		return Bundle{}, err
	}
	signing, err := DeriveSigningSecret(master)
	if err != nil {
		return Bundle{}, err
	}
	return Bundle{
		CreatedAtEpoch: createdAtEpoch,
		SecretMode:     SecretModeGenerated,
		KDF:            "hkdf-sha256",
		MasterSecret:   master,
		SigningSecret:  signing,
	}, nil
}

// SecretsManagerClient is the subset of the AWS Secrets Manager API
// ksecret needs. The real *secretsmanager.Client's GetSecretValue
// takes a typed input struct and returns a typed output struct, so a
// caller wanting to pass one here wraps it in a small adapter that
// extracts SecretBinary/SecretString into this narrower shape, keeping
// the AWS SDK import out of this package entirely.
type SecretsManagerClient interface {
	GetSecretValue(ctx context.Context, secretID string) ([]byte, error)
}

// NewAWSSecretsManagerBundle fetches master material from secretID via
// client (secret_mode: "aws_secrets_manager") and derives the signing
// secret the same way as the generated path.
func NewAWSSecretsManagerBundle(ctx context.Context, client SecretsManagerClient, secretID string, createdAtEpoch int64) (Bundle, error) {
	raw, err := client.GetSecretValue(ctx, secretID)
	if err != nil {
		return Bundle{}, fmt.Errorf("ksecret: fetch secret %q: %w", secretID, err)
	}
	if len(raw) == 0 {
		return Bundle{}, errors.New("ksecret: secrets manager returned empty secret value")
	}
	master := NewSecret(raw)
	signing, err := DeriveSigningSecret(master)
	if err != nil {
		return Bundle{}, err
	}
	return Bundle{
		CreatedAtEpoch: createdAtEpoch,
		SecretMode:     SecretModeAWSSecretsManager,
		KDF:            "hkdf-sha256",
		MasterSecret:   master,
		SigningSecret:  signing,
	}, nil
}
