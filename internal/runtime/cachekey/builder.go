package cachekey

import (
	"net/url"
	"sort"
	"strings"
)

// trackingParams is the fixed strip list. A parameter is also stripped when
// it extends one of these names with an underscore suffix.
var trackingParams = map[string]struct{}{
	"utm_source": {}, "utm_medium": {}, "utm_campaign": {}, "utm_term": {},
	"utm_content": {}, "fbclid": {}, "gclid": {}, "ref": {}, "source": {},
	"campaign": {}, "medium": {}, "_ga": {}, "_gid": {}, "mc_cid": {},
	"mc_eid": {}, "igshid": {}, "twclid": {}, "yclid": {}, "tt_medium": {},
	"tt_content": {}, "affiliate_id": {}, "affid": {},
}

// imageExtensions classifies a path as an image for resize-parameter and
// format-marker handling.
var imageExtensions = map[string]struct{}{
	"jpg": {}, "jpeg": {}, "png": {}, "gif": {}, "webp": {}, "avif": {},
	"svg": {}, "ico": {}, "bmp": {}, "tiff": {},
}

// resizeParams is the curated allow-list of image transformation parameters.
// Width, height and quality additionally surface as synthetic key markers.
var resizeParams = map[string]struct{}{
	"width": {}, "w": {}, "height": {}, "h": {}, "quality": {}, "q": {},
	"format": {}, "f": {}, "fit": {}, "crop": {}, "gravity": {},
	"resize": {}, "scale": {}, "dpr": {}, "auto": {},
}

// IsResizeParam reports whether the query parameter is on the image
// transformation allow-list.
func IsResizeParam(name string) bool {
	_, ok := resizeParams[strings.ToLower(name)]
	return ok
}

// IsTracking reports whether the query parameter is on the strip list,
// either exactly or as an underscore-extended form of a listed name
// (utm_source_123, ref_x).
func IsTracking(name string) bool {
	lower := strings.ToLower(name)
	if _, ok := trackingParams[lower]; ok {
		return true
	}
	for entry := range trackingParams {
		if strings.HasPrefix(lower, entry+"_") {
			return true
		}
	}
	return false
}

// IsImagePath classifies the path by extension.
func IsImagePath(path string) bool {
	dot := strings.LastIndex(path, ".")
	if dot < 0 || dot < strings.LastIndex(path, "/") {
		return false
	}
	_, ok := imageExtensions[strings.ToLower(path[dot+1:])]
	return ok
}

// ResizeDimensions extracts the width/height/quality values that should be
// reflected as synthetic markers, honoring both long and short parameter
// names (long wins when both appear).
func ResizeDimensions(query url.Values) (width, height, quality string) {
	pick := func(long, short string) string {
		if v := query.Get(long); v != "" {
			return v
		}
		return query.Get(short)
	}
	return pick("width", "w"), pick("height", "h"), pick("quality", "q")
}

// Input carries everything key construction depends on.
type Input struct {
	Method string
	Host   string
	Path   string
	Query  url.Values

	TestID      string
	Variant     string
	ImageFormat string

	GeoEnabled        bool
	Region            string
	RegionContentID   string
	RegionContentPath string
}

// Result is the built key plus observability detail.
type Result struct {
	Key            string
	StrippedParams []string
	ResizeParams   []string
	Markers        []string
}

// Build canonicalizes the request into a stable cache key: tracking
// parameters stripped, the remainder sorted by key, and synthetic markers
// appended in a fixed order. Two requests collide on the key iff they are
// expected to receive byte-identical responses.
func Build(in Input) Result {
	isImage := IsImagePath(in.Path)

	kept := url.Values{}
	var stripped, resize []string
	names := make([]string, 0, len(in.Query))
	for name := range in.Query {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if IsTracking(name) {
			stripped = append(stripped, name)
			continue
		}
		if isImage && IsResizeParam(name) {
			resize = append(resize, name)
		}
		for _, value := range in.Query[name] {
			kept.Add(name, value)
		}
	}

	var markers []string
	addMarker := func(name, value string) {
		kept.Set(name, value)
		markers = append(markers, name)
	}

	if in.TestID != "" && in.Variant != "" {
		addMarker("_test", in.TestID)
		addMarker("_variant", in.Variant)
	}
	if isImage && in.ImageFormat != "" {
		addMarker("_format", in.ImageFormat)
	}
	if isImage {
		width, height, quality := ResizeDimensions(in.Query)
		if width != "" {
			addMarker("_width", width)
		}
		if height != "" {
			addMarker("_height", height)
		}
		if quality != "" {
			addMarker("_quality", quality)
		}
	}
	if in.GeoEnabled && in.Region != "" {
		addMarker("_geo_region", in.Region)
	}
	if in.RegionContentID != "" {
		addMarker("_region_content", in.RegionContentID)
		addMarker("_region_content_path", in.RegionContentPath)
	}

	var b strings.Builder
	b.WriteString(in.Method)
	b.WriteString(":https://")
	b.WriteString(in.Host)
	b.WriteString(in.Path)
	if encoded := kept.Encode(); encoded != "" {
		b.WriteString("?")
		b.WriteString(encoded)
	}
	return Result{Key: b.String(), StrippedParams: stripped, ResizeParams: resize, Markers: markers}
}
