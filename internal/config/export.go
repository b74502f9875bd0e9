package config

import (
	"encoding/base64"
	"encoding/json"

	"github.com/google/renameio/v2"

	"github.com/camfleet/camfleet/internal/camerr"
)

// ExportAppConfig writes every non-secret value to path as JSON, atomically.
// The file mirrors the registry for external tooling; the registry itself is
// authoritative.
func (r *Registry) ExportAppConfig(path string) error {
	snap := r.Snapshot()
	out := make(map[string]Value, len(snap))
	for key, v := range snap {
		if v.Secret() {
			continue
		}
		out[key] = v
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return camerr.Wrap(camerr.Storage, "config.export", "encode app config", err)
	}
	if err := renameio.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return camerr.Wrap(camerr.Storage, "config.export", path, err)
	}
	return nil
}

// ExportCredentials writes all password-typed values to path as sealed
// blobs. Fails closed when encryption is on and no key is available.
func (r *Registry) ExportCredentials(path string) error {
	snap := r.Snapshot()
	sealed := make(map[string]string)
	for key, v := range snap {
		if !v.Secret() {
			continue
		}
		if r.box == nil {
			return camerr.New(camerr.Storage, "config.export",
				"crypto unavailable, credentials not exported")
		}
		plain, _ := v.AsString()
		blob, err := r.box.Seal([]byte(plain), []byte(key))
		if err != nil {
			return camerr.Wrap(camerr.Storage, "config.export", key, err)
		}
		sealed[key] = encPrefix + base64.StdEncoding.EncodeToString(blob)
	}
	data, err := json.MarshalIndent(sealed, "", "  ")
	if err != nil {
		return camerr.Wrap(camerr.Storage, "config.export", "encode credentials", err)
	}
	if err := renameio.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return camerr.Wrap(camerr.Storage, "config.export", path, err)
	}
	return nil
}
