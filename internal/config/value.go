// Package config implements the runtime-typed configuration registry, the
// bootstrap file read at process start, and encrypted storage for
// password-typed values.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"strings"

	"github.com/camfleet/camfleet/internal/camerr"
)

// Type tags a Value. Validation is table-driven per tag.
type Type string

const (
	TypeString   Type = "string"
	TypeInt      Type = "int"
	TypeFloat    Type = "float"
	TypeBool     Type = "bool"
	TypeList     Type = "list"
	TypeDict     Type = "dict"
	TypePassword Type = "password"
	TypeFilePath Type = "file_path"
	TypeIP       Type = "ip_address"
)

// Value is one runtime-typed configuration value. Build with the New*
// constructors; the zero Value is invalid.
type Value struct {
	Type Type
	raw  any
}

func NewString(s string) Value       { return Value{Type: TypeString, raw: s} }
func NewInt(i int64) Value           { return Value{Type: TypeInt, raw: i} }
func NewFloat(f float64) Value       { return Value{Type: TypeFloat, raw: f} }
func NewBool(b bool) Value           { return Value{Type: TypeBool, raw: b} }
func NewList(l []any) Value          { return Value{Type: TypeList, raw: l} }
func NewDict(d map[string]any) Value { return Value{Type: TypeDict, raw: d} }
func NewPassword(s string) Value     { return Value{Type: TypePassword, raw: s} }
func NewFilePath(p string) Value     { return Value{Type: TypeFilePath, raw: p} }
func NewIP(ip string) Value          { return Value{Type: TypeIP, raw: ip} }

func (v Value) AsString() (string, bool) {
	switch v.Type {
	case TypeString, TypePassword, TypeFilePath, TypeIP:
		s, ok := v.raw.(string)
		return s, ok
	}
	return "", false
}

func (v Value) AsInt() (int64, bool) {
	if v.Type != TypeInt {
		return 0, false
	}
	i, ok := v.raw.(int64)
	return i, ok
}

func (v Value) AsFloat() (float64, bool) {
	switch v.Type {
	case TypeFloat:
		f, ok := v.raw.(float64)
		return f, ok
	case TypeInt:
		i, ok := v.raw.(int64)
		return float64(i), ok
	}
	return 0, false
}

func (v Value) AsBool() (bool, bool) {
	if v.Type != TypeBool {
		return false, false
	}
	b, ok := v.raw.(bool)
	return b, ok
}

func (v Value) AsList() ([]any, bool) {
	if v.Type != TypeList {
		return nil, false
	}
	l, ok := v.raw.([]any)
	return l, ok
}

func (v Value) AsDict() (map[string]any, bool) {
	if v.Type != TypeDict {
		return nil, false
	}
	d, ok := v.raw.(map[string]any)
	return d, ok
}

// Secret reports whether the value must never be persisted or exported in
// the clear.
func (v Value) Secret() bool { return v.Type == TypePassword }

type typeValidator func(raw any) error

var validators = map[Type]typeValidator{
	TypeString:   wantString,
	TypePassword: wantString,
	TypeInt: func(raw any) error {
		if _, ok := raw.(int64); !ok {
			return fmt.Errorf("expected int, got %T", raw)
		}
		return nil
	},
	TypeFloat: func(raw any) error {
		if _, ok := raw.(float64); !ok {
			return fmt.Errorf("expected float, got %T", raw)
		}
		return nil
	},
	TypeBool: func(raw any) error {
		if _, ok := raw.(bool); !ok {
			return fmt.Errorf("expected bool, got %T", raw)
		}
		return nil
	},
	TypeList: func(raw any) error {
		if _, ok := raw.([]any); !ok {
			return fmt.Errorf("expected list, got %T", raw)
		}
		return nil
	},
	TypeDict: func(raw any) error {
		if _, ok := raw.(map[string]any); !ok {
			return fmt.Errorf("expected dict, got %T", raw)
		}
		return nil
	},
	TypeFilePath: func(raw any) error {
		s, ok := raw.(string)
		if !ok {
			return fmt.Errorf("expected string path, got %T", raw)
		}
		if s == "" || strings.ContainsRune(s, 0) {
			return fmt.Errorf("invalid file path %q", s)
		}
		return nil
	},
	TypeIP: func(raw any) error {
		s, ok := raw.(string)
		if !ok {
			return fmt.Errorf("expected string address, got %T", raw)
		}
		if net.ParseIP(s) == nil {
			return fmt.Errorf("invalid IP address %q", s)
		}
		return nil
	},
}

func wantString(raw any) error {
	if _, ok := raw.(string); !ok {
		return fmt.Errorf("expected string, got %T", raw)
	}
	return nil
}

// Validate checks the raw payload against the tag.
func (v Value) Validate() error {
	check, ok := validators[v.Type]
	if !ok {
		return camerr.New(camerr.Validation, "config.validate", fmt.Sprintf("unknown value type %q", v.Type))
	}
	if err := check(v.raw); err != nil {
		return camerr.Wrap(camerr.Validation, "config.validate", string(v.Type), err)
	}
	return nil
}

type valueJSON struct {
	Type  Type            `json:"type"`
	Value json.RawMessage `json:"value"`
}

// MarshalJSON encodes as {"type": ..., "value": ...}. Password values encode
// their payload too; callers redact before export.
func (v Value) MarshalJSON() ([]byte, error) {
	raw, err := json.Marshal(v.raw)
	if err != nil {
		return nil, err
	}
	return json.Marshal(valueJSON{Type: v.Type, Value: raw})
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var wire valueJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	decoded, err := decodeRaw(wire.Type, wire.Value)
	if err != nil {
		return err
	}
	v.Type = wire.Type
	v.raw = decoded
	return nil
}

func decodeRaw(t Type, data json.RawMessage) (any, error) {
	switch t {
	case TypeString, TypePassword, TypeFilePath, TypeIP:
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, err
		}
		return s, nil
	case TypeInt:
		var i int64
		if err := json.Unmarshal(data, &i); err != nil {
			return nil, err
		}
		return i, nil
	case TypeFloat:
		var f float64
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, err
		}
		return f, nil
	case TypeBool:
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, err
		}
		return b, nil
	case TypeList:
		var l []any
		if err := json.Unmarshal(data, &l); err != nil {
			return nil, err
		}
		return l, nil
	case TypeDict:
		var d map[string]any
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, err
		}
		return d, nil
	}
	return nil, fmt.Errorf("unknown config value type %q", t)
}
