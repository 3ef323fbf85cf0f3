// Package correlation carries a per-run identifier through a context so that
// storage spans, lock records and log lines from one publish can be joined.
package correlation

import (
	"context"
	"strings"

	"github.com/rs/xid"
)

// MaxIDLength caps identifiers accepted from the environment or flags.
const MaxIDLength = 64

type contextKey struct{}

// With returns ctx carrying id. Invalid identifiers leave ctx unchanged.
func With(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	normalized, ok := Normalize(id)
	if !ok {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, normalized)
}

// Ensure returns ctx unchanged when it already has an identifier, otherwise a
// child context carrying a freshly generated one.
func Ensure(ctx context.Context) (context.Context, string) {
	if id := ID(ctx); id != "" {
		return ctx, id
	}
	id := Generate()
	return With(ctx, id), id
}

// ID retrieves the identifier stored on ctx, if any.
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// Normalize trims id and rejects empty, overlong or non-printable input.
func Normalize(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > MaxIDLength {
		return "", false
	}
	for _, r := range id {
		if r < 0x21 || r > 0x7e {
			return "", false
		}
	}
	return id, true
}

// Generate produces a sortable, globally unique run identifier.
func Generate() string {
	return xid.New().String()
}
