package templates

import (
	"fmt"
	"log/slog"

	"github.com/l0p7/edgectrl/internal/config"
)

const (
	defaultErrorBody       = `{"error":"{{ .Message }}","status":{{ .Status }}}`
	defaultRateLimitedBody = `{"error":"rate limit exceeded","retryAfterSeconds":{{ .RetryAfter }}}`
)

// ErrorBodyData feeds the error template.
type ErrorBodyData struct {
	Status  int
	Message string
	Path    string
}

// RateLimitedBodyData feeds the 429 template.
type RateLimitedBodyData struct {
	RetryAfter int
	Limit      int
	Path       string
}

// Bodies holds the compiled response-body templates the assembler and the
// rate limiter render when the pipeline answers without an origin body.
type Bodies struct {
	errorTmpl       *Template
	rateLimitedTmpl *Template
	logger          *slog.Logger
}

// NewBodies compiles the configured templates, preferring file-backed sources
// over inline ones and falling back to built-in defaults when neither is set.
func NewBodies(cfg config.TemplatesConfig, logger *slog.Logger) (*Bodies, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var sandbox *Sandbox
	if cfg.Folder != "" {
		allowed := cfg.AllowedEnv
		if !cfg.AllowEnv {
			allowed = nil
		}
		sb, err := NewSandbox(cfg.Folder, allowed)
		if err != nil {
			return nil, err
		}
		sandbox = sb
	}
	renderer := NewRenderer(sandbox)

	errorTmpl, err := compileBody(renderer, "error", cfg.ErrorBodyFile, cfg.ErrorBody, defaultErrorBody)
	if err != nil {
		return nil, err
	}
	rateLimitedTmpl, err := compileBody(renderer, "rate-limited", cfg.RateLimitedFile, cfg.RateLimitedBody, defaultRateLimitedBody)
	if err != nil {
		return nil, err
	}

	return &Bodies{
		errorTmpl:       errorTmpl,
		rateLimitedTmpl: rateLimitedTmpl,
		logger:          logger.With(slog.String("component", "templates")),
	}, nil
}

func compileBody(renderer *Renderer, name, filePath, inline, fallback string) (*Template, error) {
	if filePath != "" {
		tmpl, err := renderer.CompileFile(filePath)
		if err != nil {
			return nil, fmt.Errorf("templates: %s body: %w", name, err)
		}
		return tmpl, nil
	}
	source := inline
	if source == "" {
		source = fallback
	}
	tmpl, err := renderer.CompileInline(name, source)
	if err != nil {
		return nil, err
	}
	return tmpl, nil
}

// RenderError produces the error body; render failures degrade to a bare
// message rather than failing the response.
func (b *Bodies) RenderError(data ErrorBodyData) string {
	out, err := b.errorTmpl.Render(data)
	if err != nil {
		b.logger.Warn("error template render failed", slog.Any("error", err))
		return data.Message
	}
	return out
}

// RenderRateLimited produces the 429 body.
func (b *Bodies) RenderRateLimited(data RateLimitedBodyData) string {
	out, err := b.rateLimitedTmpl.Render(data)
	if err != nil {
		b.logger.Warn("rate-limited template render failed", slog.Any("error", err))
		return "rate limit exceeded"
	}
	return out
}
