package controlplane

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/oriys/kernel/internal/kernel/ksecret"
)

// ChildBootstrapBundle is the metadata-only blueprint a parent hands a
// child worker for runtime reconstruction (spec.md glossary). No live
// object graphs cross the boundary — only names, config, and secrets.
type ChildBootstrapBundle struct {
	ScenarioID       string
	ProcessGroup     string
	DiscoveryModules []string
	RuntimeConfig    map[string]any
	Adapters         map[string]any
	KeyBundle        KeyBundleWire
}

// KeyBundleWire is the BootstrapKeyBundle's wire shape: secrets travel
// base64-encoded, never as raw bytes embedded directly in JSON.
type KeyBundleWire struct {
	CreatedAtEpoch   int64  `json:"created_at_epoch"`
	SecretMode       string `json:"secret_mode"`
	KDF              string `json:"kdf"`
	MasterSecretB64  string `json:"master_secret_b64"`
	SigningSecretB64 string `json:"signing_secret_b64"`
}

// NewKeyBundleWire converts a ksecret.Bundle into its wire shape,
// base64-encoding the secret material.
func NewKeyBundleWire(b ksecret.Bundle) KeyBundleWire {
	return KeyBundleWire{
		CreatedAtEpoch:   b.CreatedAtEpoch,
		SecretMode:       string(b.SecretMode),
		KDF:              b.KDF,
		MasterSecretB64:  base64.StdEncoding.EncodeToString(b.MasterSecret.Bytes()),
		SigningSecretB64: base64.StdEncoding.EncodeToString(b.SigningSecret.Bytes()),
	}
}

type bundleWire struct {
	ScenarioID       string         `json:"scenario_id"`
	ProcessGroup     string         `json:"process_group"`
	DiscoveryModules []string       `json:"discovery_modules"`
	RuntimeConfig    map[string]any `json:"runtime_config"`
	Adapters         map[string]any `json:"adapters"`
	KeyBundle        KeyBundleWire  `json:"key_bundle"`
}

// EncodeBundle converts b to its wire dict form.
func EncodeBundle(b ChildBootstrapBundle) ([]byte, error) {
	w := bundleWire{
		ScenarioID:       b.ScenarioID,
		ProcessGroup:     b.ProcessGroup,
		DiscoveryModules: b.DiscoveryModules,
		RuntimeConfig:    b.RuntimeConfig,
		Adapters:         b.Adapters,
		KeyBundle:        b.KeyBundle,
	}
	return json.Marshal(w)
}

// DecodeBundle parses and validates a wire dict back into a
// ChildBootstrapBundle. Validation here is shape-only: required string
// fields must be non-empty and the key bundle's secrets must be valid
// base64 (callers decode them further via ksecret when materializing
// the child runtime).
func DecodeBundle(raw []byte) (ChildBootstrapBundle, error) {
	var w bundleWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return ChildBootstrapBundle{}, fmt.Errorf("controlplane: decode bundle: %w", err)
	}
	if w.ScenarioID == "" {
		return ChildBootstrapBundle{}, fmt.Errorf("controlplane: bundle missing scenario_id")
	}
	if w.ProcessGroup == "" {
		return ChildBootstrapBundle{}, fmt.Errorf("controlplane: bundle missing process_group")
	}
	if _, err := base64.StdEncoding.DecodeString(w.KeyBundle.MasterSecretB64); err != nil {
		return ChildBootstrapBundle{}, fmt.Errorf("controlplane: bundle key_bundle master_secret_b64: %w", err)
	}
	if _, err := base64.StdEncoding.DecodeString(w.KeyBundle.SigningSecretB64); err != nil {
		return ChildBootstrapBundle{}, fmt.Errorf("controlplane: bundle key_bundle signing_secret_b64: %w", err)
	}
	return ChildBootstrapBundle{
		ScenarioID:       w.ScenarioID,
		ProcessGroup:     w.ProcessGroup,
		DiscoveryModules: w.DiscoveryModules,
		RuntimeConfig:    w.RuntimeConfig,
		Adapters:         w.Adapters,
		KeyBundle:        w.KeyBundle,
	}, nil
}
