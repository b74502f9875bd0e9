package config

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camfleet/camfleet/internal/camerr"
	"github.com/camfleet/camfleet/internal/crypto"
)

// fakeStore records configuration rows in memory.
type fakeStore struct {
	rows    map[string]Record
	upserts int
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[string]Record)}
}

func (s *fakeStore) UpsertConfiguration(_ context.Context, rec Record) error {
	s.rows[rec.Key] = rec
	s.upserts++
	return nil
}

func (s *fakeStore) ListConfigurations(_ context.Context) ([]Record, error) {
	out := make([]Record, 0, len(s.rows))
	for _, rec := range s.rows {
		out = append(out, rec)
	}
	return out, nil
}

func testBox(t *testing.T) *crypto.SecretBox {
	t.Helper()
	box, err := crypto.LoadSecretBox(filepath.Join(t.TempDir(), "secret.key"))
	require.NoError(t, err)
	return box
}

func TestDefaultsSeeded(t *testing.T) {
	r := NewRegistry(nil, nil)

	assert.Equal(t, 10, r.Int("network.timeout", 0))
	assert.Equal(t, 5, r.Int("network.buffer_size", 0))
	assert.True(t, r.Bool("security.encrypt_config", false))
}

func TestSetValidatesBuiltinKeys(t *testing.T) {
	r := NewRegistry(nil, nil)
	ctx := context.Background()

	// wrong type
	err := r.Set(ctx, "network.timeout", NewString("fast"))
	assert.True(t, camerr.IsKind(err, camerr.Validation))

	// below range
	err = r.Set(ctx, "network.timeout", NewInt(0))
	assert.True(t, camerr.IsKind(err, camerr.Validation))

	// ok
	require.NoError(t, r.Set(ctx, "network.timeout", NewInt(5)))
	assert.Equal(t, 5, r.Int("network.timeout", 0))
}

func TestSetValidatesVendorSuffixes(t *testing.T) {
	r := NewRegistry(nil, nil)
	ctx := context.Background()

	err := r.Set(ctx, "dahua.ip", NewString("not-an-ip-type"))
	assert.True(t, camerr.IsKind(err, camerr.Validation))

	err = r.Set(ctx, "dahua.ip", NewIP("300.1.1.1"))
	assert.True(t, camerr.IsKind(err, camerr.Validation))

	require.NoError(t, r.Set(ctx, "dahua.ip", NewIP("192.168.1.108")))
	require.NoError(t, r.Set(ctx, "dahua.username", NewString("admin")))
	require.NoError(t, r.Set(ctx, "dahua.password", NewPassword("admin123")))
}

func TestSecretsSealedInStore(t *testing.T) {
	store := newFakeStore()
	r := NewRegistry(store, testBox(t))
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, "steren.password", NewPassword("hunter2")))

	rec := store.rows["steren.password"]
	assert.True(t, strings.HasPrefix(rec.Value, encPrefix))
	assert.NotContains(t, rec.Value, "hunter2")
	assert.Equal(t, string(TypePassword), rec.Type)
}

func TestSecretsFailClosedWithoutCrypto(t *testing.T) {
	store := newFakeStore()
	r := NewRegistry(store, nil) // encryption on by default, no key

	err := r.Set(context.Background(), "steren.password", NewPassword("hunter2"))
	assert.True(t, camerr.IsKind(err, camerr.Storage))
	assert.Empty(t, store.rows)
}

func TestSecretsPlaintextWhenEncryptionOff(t *testing.T) {
	store := newFakeStore()
	r := NewRegistry(store, nil)
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, "security.encrypt_config", NewBool(false)))
	require.NoError(t, r.Set(ctx, "steren.password", NewPassword("hunter2")))

	rec := store.rows["steren.password"]
	assert.False(t, strings.HasPrefix(rec.Value, encPrefix))
}

func TestLoadRoundTrip(t *testing.T) {
	store := newFakeStore()
	box := testBox(t)
	ctx := context.Background()

	first := NewRegistry(store, box)
	require.NoError(t, first.Set(ctx, "network.buffer_size", NewInt(8)))
	require.NoError(t, first.Set(ctx, "tplink.password", NewPassword("tpl-secret")))
	require.NoError(t, first.Set(ctx, "tplink.ip", NewIP("192.168.1.60")))

	second := NewRegistry(store, box)
	require.NoError(t, second.Load(ctx))

	assert.Equal(t, 8, second.Int("network.buffer_size", 0))
	assert.Equal(t, "192.168.1.60", second.Str("tplink.ip", ""))

	pw, ok := second.Get("tplink.password")
	require.True(t, ok)
	s, _ := pw.AsString()
	assert.Equal(t, "tpl-secret", s)
}

func TestLoadSkipsCorruptRows(t *testing.T) {
	store := newFakeStore()
	store.rows["broken"] = Record{Key: "broken", Value: "{not json", Type: "int"}
	store.rows["good"] = Record{Key: "good", Value: "3", Type: "int"}

	r := NewRegistry(store, nil)
	require.NoError(t, r.Load(context.Background()))

	_, ok := r.Get("broken")
	assert.False(t, ok)
	assert.Equal(t, 3, r.Int("good", 0))
}

func TestExportAppConfigOmitsSecrets(t *testing.T) {
	r := NewRegistry(nil, testBox(t))
	ctx := context.Background()
	require.NoError(t, r.Set(ctx, "dahua.password", NewPassword("pw")))
	require.NoError(t, r.Set(ctx, "dahua.ip", NewIP("192.168.1.108")))

	path := filepath.Join(t.TempDir(), "app_config.json")
	require.NoError(t, r.ExportAppConfig(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "pw")
	assert.Contains(t, string(data), "192.168.1.108")

	var decoded map[string]Value
	require.NoError(t, json.Unmarshal(data, &decoded))
	_, hasSecret := decoded["dahua.password"]
	assert.False(t, hasSecret)
}

func TestExportCredentialsSealed(t *testing.T) {
	r := NewRegistry(nil, testBox(t))
	ctx := context.Background()
	require.NoError(t, r.Set(ctx, "dahua.password", NewPassword("pw")))

	path := filepath.Join(t.TempDir(), "credentials.enc")
	require.NoError(t, r.ExportCredentials(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "pw")
	assert.Contains(t, string(data), encPrefix)
}
