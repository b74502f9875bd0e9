package config

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/camfleet/camfleet/internal/camerr"
	"github.com/camfleet/camfleet/internal/crypto"
	"github.com/camfleet/camfleet/internal/log"
)

// encPrefix marks a sealed password payload in the configurations table.
const encPrefix = "enc:v1:"

// Record is the persisted shape of one configuration row.
type Record struct {
	Key         string
	Value       string
	Type        string
	Description string
}

// Store is the slice of the data layer the registry needs.
type Store interface {
	UpsertConfiguration(ctx context.Context, rec Record) error
	ListConfigurations(ctx context.Context) ([]Record, error)
}

type keySpec struct {
	typ   Type
	desc  string
	check func(Value) error
}

func minInt(min int64) func(Value) error {
	return func(v Value) error {
		i, _ := v.AsInt()
		if i < min {
			return fmt.Errorf("must be >= %d, got %d", min, i)
		}
		return nil
	}
}

var builtinKeys = map[string]keySpec{
	"network.timeout":                         {TypeInt, "connect and probe timeout in seconds", minInt(1)},
	"network.retry_attempts":                  {TypeInt, "connection retry attempts", minInt(0)},
	"network.buffer_size":                     {TypeInt, "frame ring capacity per stream", minInt(1)},
	"recording.enabled":                       {TypeBool, "recording toggle handed to consumers", nil},
	"security.encrypt_config":                 {TypeBool, "encrypt password-typed values at rest", nil},
	"performance.max_concurrent_connections":  {TypeInt, "global connect semaphore size", minInt(1)},
	"performance.thread_pool_size":            {TypeInt, "worker pool size hint", minInt(1)},
}

// vendor credential keys follow a suffix convention: <vendor>.ip,
// <vendor>.username, <vendor>.password.
var suffixTypes = map[string]Type{
	".ip":       TypeIP,
	".username": TypeString,
	".password": TypePassword,
}

// Registry holds the runtime configuration. Values are validated on Set,
// written through to the store, and password-typed values are sealed when
// security.encrypt_config is on.
type Registry struct {
	mu     sync.RWMutex
	values map[string]Value
	store  Store
	box    *crypto.SecretBox
	logger zerolog.Logger
}

// NewRegistry seeds the defaults. store and box may be nil (in-memory
// registry, crypto unavailable); a nil box makes password persistence fail
// closed when encryption is enabled.
func NewRegistry(store Store, box *crypto.SecretBox) *Registry {
	r := &Registry{
		values: make(map[string]Value),
		store:  store,
		box:    box,
		logger: log.WithComponent("config"),
	}
	for key, v := range defaults() {
		r.values[key] = v
	}
	return r
}

func defaults() map[string]Value {
	return map[string]Value{
		"network.timeout":                        NewInt(10),
		"network.retry_attempts":                 NewInt(3),
		"network.buffer_size":                    NewInt(5),
		"recording.enabled":                      NewBool(false),
		"security.encrypt_config":                NewBool(true),
		"performance.max_concurrent_connections": NewInt(10),
		"performance.thread_pool_size":           NewInt(4),
	}
}

// Load rehydrates the registry from the store. Corrupt rows are skipped with
// a warning, never fatal.
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	rows, err := r.store.ListConfigurations(ctx)
	if err != nil {
		return camerr.Wrap(camerr.Storage, "config.load", "list configurations", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range rows {
		v, err := r.decodeRecord(row)
		if err != nil {
			r.logger.Warn().Str("key", row.Key).Err(err).Msg("skipping corrupt configuration row")
			continue
		}
		r.values[row.Key] = v
	}
	return nil
}

// Set validates and persists one value. Known keys enforce their declared
// type and range; vendor credential keys enforce the suffix type; other keys
// only need a self-consistent Value.
func (r *Registry) Set(ctx context.Context, key string, v Value) error {
	if key == "" {
		return camerr.New(camerr.Validation, "config.set", "empty key")
	}
	if err := v.Validate(); err != nil {
		return err
	}
	if spec, ok := builtinKeys[key]; ok {
		if v.Type != spec.typ {
			return camerr.New(camerr.Validation, "config.set",
				fmt.Sprintf("%s wants type %s, got %s", key, spec.typ, v.Type))
		}
		if spec.check != nil {
			if err := spec.check(v); err != nil {
				return camerr.Wrap(camerr.Validation, "config.set", key, err)
			}
		}
	} else if want, ok := suffixType(key); ok && v.Type != want {
		return camerr.New(camerr.Validation, "config.set",
			fmt.Sprintf("%s wants type %s, got %s", key, want, v.Type))
	}

	if r.store != nil {
		rec, err := r.encodeRecord(key, v)
		if err != nil {
			return err
		}
		if err := r.store.UpsertConfiguration(ctx, rec); err != nil {
			return camerr.Wrap(camerr.Storage, "config.set", key, err)
		}
	}

	r.mu.Lock()
	r.values[key] = v
	r.mu.Unlock()
	return nil
}

func suffixType(key string) (Type, bool) {
	for suffix, t := range suffixTypes {
		if strings.HasSuffix(key, suffix) {
			return t, true
		}
	}
	return "", false
}

// Get returns the value for key.
func (r *Registry) Get(key string) (Value, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.values[key]
	return v, ok
}

// Int reads an int-typed key with a fallback.
func (r *Registry) Int(key string, def int) int {
	if v, ok := r.Get(key); ok {
		if i, ok := v.AsInt(); ok {
			return int(i)
		}
	}
	return def
}

// Bool reads a bool-typed key with a fallback.
func (r *Registry) Bool(key string, def bool) bool {
	if v, ok := r.Get(key); ok {
		if b, ok := v.AsBool(); ok {
			return b
		}
	}
	return def
}

// Str reads a string-typed key with a fallback.
func (r *Registry) Str(key, def string) string {
	if v, ok := r.Get(key); ok {
		if s, ok := v.AsString(); ok {
			return s
		}
	}
	return def
}

// Snapshot returns a copy of every value, sorted iteration left to callers.
func (r *Registry) Snapshot() map[string]Value {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Value, len(r.values))
	for k, v := range r.values {
		out[k] = v
	}
	return out
}

// Keys returns all known keys sorted.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.values))
	for k := range r.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (r *Registry) encryptEnabled() bool {
	return r.Bool("security.encrypt_config", true)
}

func (r *Registry) encodeRecord(key string, v Value) (Record, error) {
	rec := Record{Key: key, Type: string(v.Type)}
	if spec, ok := builtinKeys[key]; ok {
		rec.Description = spec.desc
	}

	if v.Secret() && r.encryptEnabled() {
		if r.box == nil {
			r.logger.Warn().Str("key", key).Msg("crypto unavailable; refusing to persist secret")
			return Record{}, camerr.New(camerr.Storage, "config.set",
				"crypto unavailable, secret not persisted")
		}
		plain, _ := v.AsString()
		blob, err := r.box.Seal([]byte(plain), []byte(key))
		if err != nil {
			return Record{}, camerr.Wrap(camerr.Storage, "config.set", "seal secret", err)
		}
		rec.Value = encPrefix + base64.StdEncoding.EncodeToString(blob)
		return rec, nil
	}

	payload, err := json.Marshal(v.raw)
	if err != nil {
		return Record{}, camerr.Wrap(camerr.Storage, "config.set", "encode value", err)
	}
	rec.Value = string(payload)
	return rec, nil
}

func (r *Registry) decodeRecord(rec Record) (Value, error) {
	t := Type(rec.Type)
	if t == TypePassword && strings.HasPrefix(rec.Value, encPrefix) {
		if r.box == nil {
			return Value{}, fmt.Errorf("sealed value but crypto unavailable")
		}
		blob, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(rec.Value, encPrefix))
		if err != nil {
			return Value{}, err
		}
		plain, err := r.box.Open(blob, []byte(rec.Key))
		if err != nil {
			return Value{}, err
		}
		return NewPassword(string(plain)), nil
	}
	raw, err := decodeRaw(t, json.RawMessage(rec.Value))
	if err != nil {
		return Value{}, err
	}
	return Value{Type: t, raw: raw}, nil
}
