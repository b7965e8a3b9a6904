package cachekey

import (
	"context"
	"net/http"

	"github.com/l0p7/edgectrl/internal/runtime/pipeline"
)

// Agent canonicalizes the request into the cache key every downstream
// component shares. It runs after abtest and georouting so variant and
// region markers land in the key.
type Agent struct{}

func New() *Agent { return &Agent{} }

func (a *Agent) Name() string { return "cachekey" }

func (a *Agent) Execute(_ context.Context, r *http.Request, state *pipeline.State) pipeline.Result {
	if state.Halted {
		return pipeline.Result{Name: a.Name(), Status: "skipped"}
	}

	result := Build(Input{
		Method:            state.Request.Method,
		Host:              state.Request.Host,
		Path:              state.EffectivePath(),
		Query:             r.URL.Query(),
		TestID:            state.AB.TestID,
		Variant:           state.AB.Variant,
		ImageFormat:       state.Identity.ImageFormat,
		GeoEnabled:        state.Geo.Enabled,
		Region:            state.Geo.Region,
		RegionContentID:   state.Geo.MappingID,
		RegionContentPath: state.Geo.ContentPath,
	})

	state.CacheKey.Key = result.Key
	state.CacheKey.StrippedParams = result.StrippedParams
	state.CacheKey.Markers = result.Markers

	return pipeline.Result{
		Name:   a.Name(),
		Status: "built",
		Meta: map[string]any{
			"key":      result.Key,
			"stripped": len(result.StrippedParams),
			"markers":  result.Markers,
		},
	}
}
