package intake

import (
	"context"
	"net/http"
	"strings"

	"github.com/l0p7/edgectrl/internal/runtime/pipeline"
)

// Config tunes how the intake agent reads edge-platform metadata.
type Config struct {
	// CountryHeader names the edge-platform header carrying the ISO 3166-1
	// alpha-2 country code. Empty means no country is resolved.
	CountryHeader string
}

// Agent resolves who is asking before any routing decision runs: best-effort
// client IP, country, device class and the image format the client accepts.
type Agent struct {
	cfg Config
}

func New(cfg Config) *Agent {
	if cfg.CountryHeader == "" {
		cfg.CountryHeader = "CF-IPCountry"
	}
	return &Agent{cfg: cfg}
}

func (a *Agent) Name() string { return "intake" }

func (a *Agent) Execute(_ context.Context, r *http.Request, state *pipeline.State) pipeline.Result {
	ip, source := clientIP(r)
	state.Identity.ClientIP = ip
	state.Identity.IPSource = source
	state.Identity.Country = strings.ToUpper(strings.TrimSpace(r.Header.Get(a.cfg.CountryHeader)))
	state.Identity.Device = classifyDevice(r.UserAgent())
	state.Identity.ImageFormat = negotiateImageFormat(r.Header.Get("Accept"))

	return pipeline.Result{
		Name:   a.Name(),
		Status: "ok",
		Meta: map[string]any{
			"clientIp": state.Identity.ClientIP,
			"ipSource": state.Identity.IPSource,
			"country":  state.Identity.Country,
			"device":   state.Identity.Device,
		},
	}
}

// clientIP walks the identity chain: CF-Connecting-IP, then the first
// X-Forwarded-For element, then X-Real-IP, else the literal "unknown". The
// edge platform sits in front of this service so RemoteAddr is its address,
// not the client's.
func clientIP(r *http.Request) (string, string) {
	if v := strings.TrimSpace(r.Header.Get("CF-Connecting-IP")); v != "" {
		return v, "cf-connecting-ip"
	}
	if v := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); v != "" {
		first := v
		if idx := strings.Index(v, ","); idx >= 0 {
			first = v[:idx]
		}
		if first = strings.TrimSpace(first); first != "" {
			return first, "x-forwarded-for"
		}
	}
	if v := strings.TrimSpace(r.Header.Get("X-Real-IP")); v != "" {
		return v, "x-real-ip"
	}
	return "unknown", "none"
}

// classifyDevice buckets the User-Agent into mobile, tablet or desktop.
// Tablets are checked first because tablet UAs usually also claim Mobile.
func classifyDevice(userAgent string) string {
	ua := strings.ToLower(userAgent)
	switch {
	case strings.Contains(ua, "ipad"), strings.Contains(ua, "tablet"),
		strings.Contains(ua, "android") && !strings.Contains(ua, "mobile"):
		return "tablet"
	case strings.Contains(ua, "mobi"), strings.Contains(ua, "iphone"),
		strings.Contains(ua, "android"):
		return "mobile"
	default:
		return "desktop"
	}
}

// negotiateImageFormat picks the best modern format the client advertises.
// AVIF wins over WebP; anything else keeps the original format.
func negotiateImageFormat(accept string) string {
	lower := strings.ToLower(accept)
	switch {
	case strings.Contains(lower, "image/avif"):
		return "avif"
	case strings.Contains(lower, "image/webp"):
		return "webp"
	default:
		return ""
	}
}
