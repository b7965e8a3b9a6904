package freshness

import (
	"fmt"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/l0p7/edgectrl/internal/bucket"
)

// Freshness labels stamped on X-Cache-Freshness.
const (
	Fresh   = "fresh"
	Stale   = "stale"
	Expired = "expired"
)

// capped TTL applied when the origin forbids caching outright.
const noCacheCapSeconds = 60

// Must agree with the cache-key builder's image classification so a path
// keyed as an image also gets image TTLs.
var imageExtensions = map[string]struct{}{
	".jpg": {}, ".jpeg": {}, ".png": {}, ".gif": {}, ".webp": {},
	".avif": {}, ".svg": {}, ".ico": {}, ".bmp": {}, ".tiff": {},
}

var fontExtensions = map[string]struct{}{
	".woff": {}, ".woff2": {}, ".ttf": {}, ".otf": {}, ".eot": {},
}

// EdgeTTL returns the default edge TTL in seconds for a path. Rules are
// checked in a fixed order so /api/image.png is still an API response.
func EdgeTTL(p string) int {
	if strings.HasPrefix(p, "/api/") {
		return 300
	}
	ext := strings.ToLower(path.Ext(p))
	if _, ok := imageExtensions[ext]; ok {
		return 2592000
	}
	switch ext {
	case ".css", ".js":
		return 604800
	case ".html", ".htm", "":
		return 3600
	}
	return 86400
}

// Immutable reports whether the Cache-Control for this path should carry the
// immutable directive. Versioned static assets never change in place.
func Immutable(p string) bool {
	ext := strings.ToLower(path.Ext(p))
	if _, ok := imageExtensions[ext]; ok {
		return true
	}
	_, ok := fontExtensions[ext]
	return ok
}

// Directives is the outcome of merging the edge TTL policy with whatever
// Cache-Control the origin sent back.
type Directives struct {
	TTLSeconds int
	// VaryOrigin marks responses whose origin forbade caching; the entry is
	// kept briefly and tagged Vary: Origin.
	VaryOrigin bool
}

// MergeOriginCacheControl reconciles the edge TTL with the origin's
// Cache-Control header. Origin no-cache/no-store caps the TTL hard; an
// origin max-age only ever shortens it.
func MergeOriginCacheControl(edgeTTL int, originCacheControl string) Directives {
	d := Directives{TTLSeconds: edgeTTL}
	cc := strings.ToLower(originCacheControl)
	if cc == "" {
		return d
	}
	if strings.Contains(cc, "no-cache") || strings.Contains(cc, "no-store") {
		if d.TTLSeconds > noCacheCapSeconds {
			d.TTLSeconds = noCacheCapSeconds
		}
		d.VaryOrigin = true
		return d
	}
	for _, directive := range strings.Split(cc, ",") {
		directive = strings.TrimSpace(directive)
		value, ok := strings.CutPrefix(directive, "max-age=")
		if !ok {
			continue
		}
		if maxAge, err := strconv.Atoi(value); err == nil && maxAge >= 0 && maxAge < d.TTLSeconds {
			d.TTLSeconds = maxAge
		}
	}
	return d
}

// CacheControlValue builds the client-facing Cache-Control header for a
// cached response.
func CacheControlValue(ttlSeconds, staleWindowSeconds int, immutable bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "public, max-age=%d", ttlSeconds)
	if staleWindowSeconds > 0 {
		fmt.Fprintf(&b, ", stale-while-revalidate=%d", staleWindowSeconds)
	}
	if immutable {
		b.WriteString(", immutable")
	}
	return b.String()
}

// ETagFor fingerprints a response body with the same 32-bit rolling hash the
// bucket assigner uses, rendered as a quoted hex string. It is a weak
// validator by construction; collisions cost one extra revalidation.
func ETagFor(p string, body []byte) string {
	h := bucket.Hash(p + string(body))
	return strconv.Quote(strconv.FormatUint(uint64(uint32(h)), 16))
}

// Classify reports the freshness state of an entry stored at date, given its
// effective max-age and the stale-while-revalidate window. It is a pure
// function of the stored date and the clock.
func Classify(date time.Time, maxAgeSeconds, staleWindowSeconds int, now time.Time) string {
	age := now.Sub(date)
	maxAge := time.Duration(maxAgeSeconds) * time.Second
	switch {
	case age < maxAge:
		return Fresh
	case age < maxAge+time.Duration(staleWindowSeconds)*time.Second:
		return Stale
	default:
		return Expired
	}
}

// NotModified evaluates the conditional-request headers against the
// candidate response's validators. If-None-Match wins over If-Modified-Since
// when both are present.
func NotModified(r *http.Request, etag string, lastModified time.Time) bool {
	if inm := r.Header.Get("If-None-Match"); inm != "" {
		if inm == "*" {
			return true
		}
		for _, candidate := range strings.Split(inm, ",") {
			if strings.TrimSpace(candidate) == etag {
				return true
			}
		}
		return false
	}
	if ims := r.Header.Get("If-Modified-Since"); ims != "" {
		since, err := http.ParseTime(ims)
		if err != nil {
			return false
		}
		return !lastModified.Truncate(time.Second).After(since)
	}
	return false
}
