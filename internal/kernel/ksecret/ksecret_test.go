package ksecret

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
)

func TestGenerateMasterSecretIs32Bytes(t *testing.T) {
	s, err := GenerateMasterSecret()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(s.Bytes()) != 32 {
		t.Fatalf("expected 32 bytes, got %d", len(s.Bytes()))
	}
}

func TestGenerateMasterSecretIsRandom(t *testing.T) {
	a, _ := GenerateMasterSecret()
	b, _ := GenerateMasterSecret()
	if bytes.Equal(a.Bytes(), b.Bytes()) {
		t.Fatalf("expected two independent generations to differ")
	}
}

func TestDeriveSigningSecretDeterministic(t *testing.T) {
	master := NewSecret([]byte("fixed master material, 32 bytes"))
	a, err := DeriveSigningSecret(master)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	b, err := DeriveSigningSecret(master)
	if err != nil {
		t.Fatalf("derive again: %v", err)
	}
	if !bytes.Equal(a.Bytes(), b.Bytes()) {
		t.Fatalf("expected HKDF derivation to be deterministic for the same input")
	}
	if bytes.Equal(a.Bytes(), master.Bytes()) {
		t.Fatalf("derived signing secret must differ from the master secret")
	}
}

func TestSecretNeverLeaksViaStringOrJSON(t *testing.T) {
	s := NewSecret([]byte("do-not-print-me"))
	if s.String() != "[redacted]" {
		t.Fatalf("String() leaked: %q", s.String())
	}
	b, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if bytes.Contains(b, []byte("do-not-print-me")) {
		t.Fatalf("MarshalJSON leaked secret material: %s", b)
	}
}

type fakeSecretsManager struct {
	value []byte
	err   error
}

func (f fakeSecretsManager) GetSecretValue(ctx context.Context, secretID string) ([]byte, error) {
	return f.value, f.err
}

func TestAWSSecretsManagerBundleUsesFetchedMaterial(t *testing.T) {
	client := fakeSecretsManager{value: []byte("material-from-aws-secrets-manager")}
	bundle, err := NewAWSSecretsManagerBundle(context.Background(), client, "kernel/transport", 1000)
	if err != nil {
		t.Fatalf("bundle: %v", err)
	}
	if bundle.SecretMode != SecretModeAWSSecretsManager {
		t.Fatalf("expected aws_secrets_manager mode, got %s", bundle.SecretMode)
	}
	if !bytes.Equal(bundle.MasterSecret.Bytes(), client.value) {
		t.Fatalf("expected master secret to be the fetched value")
	}
}

func TestAWSSecretsManagerBundleRejectsEmptyValue(t *testing.T) {
	client := fakeSecretsManager{value: nil}
	if _, err := NewAWSSecretsManagerBundle(context.Background(), client, "kernel/transport", 1000); err == nil {
		t.Fatalf("expected error for empty secret value")
	}
}

func TestChannelPublishOnceThenReceiveOnce(t *testing.T) {
	ch := NewChannel()
	bundle, err := NewGeneratedBundle(1000)
	if err != nil {
		t.Fatalf("build bundle: %v", err)
	}

	if err := ch.Publish(bundle); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	if err := ch.Publish(bundle); err != ErrBootstrapChannelState {
		t.Fatalf("expected republish to fail, got %v", err)
	}

	got, err := ch.Receive()
	if err != nil {
		t.Fatalf("first receive: %v", err)
	}
	if !bytes.Equal(got.MasterSecret.Bytes(), bundle.MasterSecret.Bytes()) {
		t.Fatalf("received bundle does not match published bundle")
	}

	if _, err := ch.Receive(); err != ErrBootstrapChannelState {
		t.Fatalf("expected second receive to fail, got %v", err)
	}
}

func TestChannelReceiveBeforePublishFails(t *testing.T) {
	ch := NewChannel()
	if _, err := ch.Receive(); err != ErrBootstrapChannelState {
		t.Fatalf("expected receive-before-publish to fail, got %v", err)
	}
}
