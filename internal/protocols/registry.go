package protocols

import (
	"sort"
	"strings"

	"github.com/camfleet/camfleet/internal/camerr"
)

// Factory builds a handler for one camera.
type Factory func(cfg Config) (Handler, error)

// registry of handler factories. Populated from init functions of the
// backend subpackages; read-only afterwards.
var registry = map[Type]Factory{}

// Register adds a factory for a protocol type. Registering the same
// type twice panics: it means two backends collide.
func Register(t Type, f Factory) {
	if _, dup := registry[t]; dup {
		panic("protocols: duplicate registration for " + string(t))
	}
	registry[t] = f
}

// New builds a handler for the protocol type.
func New(t Type, cfg Config) (Handler, error) {
	f, ok := registry[normalize(t)]
	if !ok {
		return nil, camerr.New(camerr.Validation, "protocols.new",
			"unsupported protocol "+string(t))
	}
	return f(cfg)
}

// Registered lists the available protocol types, sorted.
func Registered() []Type {
	out := make([]Type, 0, len(registry))
	for t := range registry {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// normalize maps synonym spellings onto canonical types.
func normalize(t Type) Type {
	switch strings.ToLower(string(t)) {
	case "onvif":
		return TypeONVIF
	case "rtsp":
		return TypeRTSP
	case "vendor_http", "vendorhttp", "http", "cgi":
		return TypeVendorHTTP
	default:
		return Type(strings.ToLower(string(t)))
	}
}
