package config

import (
	_ "embed"
	"fmt"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

//go:embed schema.cue
var schemaSource string

// FieldError is one schema violation.
type FieldError struct {
	// Field is the dotted config path, e.g. "api.timeout".
	Field   string
	Message string
}

// ValidationError lists every violation found in a configuration.
type ValidationError struct {
	Errors []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Errors))
	for i, fe := range e.Errors {
		parts[i] = fmt.Sprintf("%s: %s", fe.Field, fe.Message)
	}
	return "invalid config: " + strings.Join(parts, "; ")
}

// Validate checks cfg against the embedded schema.
func Validate(cfg Config) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	doc := ctx.Encode(document(cfg))
	v := schema.LookupPath(cue.ParsePath("#Config")).Unify(doc)
	if err := v.Validate(cue.Concrete(true), cue.All()); err != nil {
		return toValidationError(err)
	}
	return nil
}

// document is the schema's view of cfg: snake_case keys as in the files,
// durations as nanoseconds.
func document(cfg Config) map[string]any {
	return map[string]any{
		"database": cfg.Database,
		"api": map[string]any{
			"base_url":            cfg.API.BaseURL,
			"token_url":           cfg.API.TokenURL,
			"client_id":           cfg.API.ClientID,
			"client_secret":       cfg.API.ClientSecret,
			"timeout":             int64(cfg.API.Timeout),
			"requests_per_minute": cfg.API.RequestsPerMinute,
		},
		"sync": map[string]any{
			"dedupe_window":          int64(cfg.Sync.DedupeWindow),
			"max_attempts":           cfg.Sync.MaxAttempts,
			"backoff_base":           int64(cfg.Sync.BackoffBase),
			"backoff_cap":            int64(cfg.Sync.BackoffCap),
			"backoff_jitter_percent": cfg.Sync.BackoffJitterPercent,
			"page_size":              cfg.Sync.PageSize,
			"refresh_margin":         int64(cfg.Sync.RefreshMargin),
			"interval":               int64(cfg.Sync.Interval),
			"retention":              int64(cfg.Sync.Retention),
		},
	}
}

func toValidationError(err error) error {
	ve := &ValidationError{}
	seen := map[string]bool{}
	for _, e := range cueerrors.Errors(err) {
		path := e.Path()
		if len(path) > 0 && strings.HasPrefix(path[0], "#") {
			path = path[1:]
		}
		format, args := e.Msg()
		fe := FieldError{Field: strings.Join(path, "."), Message: fmt.Sprintf(format, args...)}
		if key := fe.Field + "\x00" + fe.Message; !seen[key] {
			seen[key] = true
			ve.Errors = append(ve.Errors, fe)
		}
	}
	if len(ve.Errors) == 0 {
		return fmt.Errorf("invalid config: %w", err)
	}
	return ve
}
