package rtsp

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/camfleet/camfleet/internal/protocols"
)

// Profile is one candidate RTSP endpoint for a camera. Profiles are
// tried in slice order on connect; Key is the stable name callers use
// with SwitchStreamQuality.
type Profile struct {
	Key  string
	URL  string
	Desc string
}

const (
	defaultRTSPPort   = 554
	sterenDefaultPort = 5543
)

// profilesFor builds the brand URL table. The path templates are wire
// facts for these vendors and must not be reformatted.
func profilesFor(cfg protocols.Config) []Profile {
	brand := strings.ToLower(strings.TrimSpace(cfg.Brand))

	port := cfg.RTSPPort
	if port == 0 {
		if brand == "steren" {
			port = sterenDefaultPort
		} else {
			port = defaultRTSPPort
		}
	}

	channel := cfg.Channel
	if channel <= 0 {
		channel = 1
	}

	build := func(key, path, rawQuery, desc string) Profile {
		return Profile{Key: key, URL: buildURL(cfg, port, path, rawQuery), Desc: desc}
	}

	switch brand {
	case "dahua", "amcrest":
		return []Profile{
			build("main", "/cam/realmonitor", fmt.Sprintf("channel=%d&subtype=0", channel), "main stream"),
			build("sub", "/cam/realmonitor", fmt.Sprintf("channel=%d&subtype=1", channel), "sub stream"),
		}
	case "tplink", "tp-link", "tapo":
		return []Profile{
			build("main", "/stream1", "", "main stream"),
			build("sub", "/stream2", "", "sub stream"),
			build("jpeg", "/stream8", "", "jpeg stream"),
		}
	case "steren":
		return []Profile{
			build("main", "/live/channel0", "", "main stream"),
			build("sub", "/live/channel1", "", "sub stream"),
		}
	default:
		return []Profile{
			build("main", "/", "", "root"),
			build("stream", "/stream", "", "generic stream path"),
			build("live", "/live", "", "generic live path"),
		}
	}
}

// orderProfiles moves the profile matching the configured sub-stream
// preference to the front. SubStream > 0 prefers the sub profile.
func orderProfiles(profiles []Profile, subStream int) []Profile {
	if subStream <= 0 {
		return profiles
	}
	for i, p := range profiles {
		if p.Key == "sub" {
			ordered := make([]Profile, 0, len(profiles))
			ordered = append(ordered, p)
			ordered = append(ordered, profiles[:i]...)
			ordered = append(ordered, profiles[i+1:]...)
			return ordered
		}
	}
	return profiles
}

func buildURL(cfg protocols.Config, port int, path, rawQuery string) string {
	u := &url.URL{
		Scheme:   "rtsp",
		Host:     fmt.Sprintf("%s:%d", cfg.IP, port),
		Path:     path,
		RawQuery: rawQuery,
	}
	if cfg.Username != "" {
		u.User = url.UserPassword(cfg.Username, cfg.Password)
	}
	return u.String()
}

// WithCredentials injects cfg credentials into raw when it carries no
// user info of its own. Used for URIs resolved via ONVIF, which come
// back credential-less.
func WithCredentials(raw string, cfg protocols.Config) string {
	u, err := url.Parse(raw)
	if err != nil || u.User != nil || cfg.Username == "" {
		return raw
	}
	u.User = url.UserPassword(cfg.Username, cfg.Password)
	return u.String()
}
