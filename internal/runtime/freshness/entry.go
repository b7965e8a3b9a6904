package freshness

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/l0p7/edgectrl/internal/origin"
)

// Entry is the JSON envelope cached responses live in inside the shared
// store. Body round-trips through base64 courtesy of encoding/json.
type Entry struct {
	Status       int         `json:"status"`
	Headers      http.Header `json:"headers"`
	Body         []byte      `json:"body"`
	Date         time.Time   `json:"date"`
	ETag         string      `json:"etag"`
	LastModified time.Time   `json:"lastModified"`
	// MaxAgeSeconds is the effective edge TTL the entry was stored with,
	// after merging the origin's Cache-Control.
	MaxAgeSeconds int `json:"maxAgeSeconds"`
	// Immutable records whether the path class never changes in place.
	Immutable bool `json:"immutable"`
	// VaryOrigin marks entries whose origin forbade caching.
	VaryOrigin bool `json:"varyOrigin,omitempty"`
}

// Encode serializes the entry for storage.
func (e *Entry) Encode() ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("freshness: encode entry: %w", err)
	}
	return raw, nil
}

// DecodeEntry parses a stored envelope. Corrupt entries surface as errors so
// the caller can fall through to the miss path.
func DecodeEntry(raw []byte) (*Entry, error) {
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("freshness: decode entry: %w", err)
	}
	if entry.Status == 0 {
		return nil, fmt.Errorf("freshness: decode entry: missing status")
	}
	return &entry, nil
}

// BuildEntry turns an origin response into a storable envelope: edge TTL by
// path class, merged with the origin's Cache-Control, optionally capped, plus
// the computed validators.
func BuildEntry(p string, resp *origin.Response, now time.Time, maxAgeCapSeconds int) *Entry {
	directives := MergeOriginCacheControl(EdgeTTL(p), resp.Headers.Get("Cache-Control"))
	if maxAgeCapSeconds > 0 && directives.TTLSeconds > maxAgeCapSeconds {
		directives.TTLSeconds = maxAgeCapSeconds
	}

	lastModified := now
	if lm := resp.Headers.Get("Last-Modified"); lm != "" {
		if parsed, err := http.ParseTime(lm); err == nil {
			lastModified = parsed
		}
	}

	return &Entry{
		Status:        resp.Status,
		Headers:       resp.Headers.Clone(),
		Body:          resp.Body,
		Date:          now,
		ETag:          ETagFor(p, resp.Body),
		LastModified:  lastModified,
		MaxAgeSeconds: directives.TTLSeconds,
		Immutable:     Immutable(p),
		VaryOrigin:    directives.VaryOrigin,
	}
}

// ExpiresAt is the instant the entry leaves the fresh state.
func (e *Entry) ExpiresAt() time.Time {
	return e.Date.Add(time.Duration(e.MaxAgeSeconds) * time.Second)
}

// StaleUntil is the instant the entry leaves the stale window.
func (e *Entry) StaleUntil(staleWindowSeconds int) time.Time {
	return e.ExpiresAt().Add(time.Duration(staleWindowSeconds) * time.Second)
}

// expiredRetention keeps entries in the store past the stale window. An
// expired entry is never served on the normal path, but it is the fallback
// body when the origin is unreachable, so eviction must lag expiry.
const expiredRetention = 24 * time.Hour

// StorageTTL is the store lifetime for the entry: the stale window plus the
// expired-fallback retention.
func (e *Entry) StorageTTL(staleWindowSeconds int, now time.Time) time.Duration {
	return e.StaleUntil(staleWindowSeconds).Add(expiredRetention).Sub(now)
}
