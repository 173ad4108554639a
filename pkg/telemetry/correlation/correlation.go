// Package correlation carries one identifier across a request, the provider
// calls it makes and any callback the provider sends back.
package correlation

import (
	"context"
	"net/http"
	"strings"

	"github.com/oklog/ulid/v2"
)

// Header is the HTTP header the identifier travels in, inbound and outbound.
const Header = "X-Correlation-Id"

const maxLength = 64

type correlationKey struct{}

func ExtractCorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if val, ok := ctx.Value(correlationKey{}).(string); ok {
		return val
	}
	return ""
}

func ContextWithCorrelationID(ctx context.Context, id string) context.Context {
	id = sanitize(id)
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationKey{}, id)
}

// EnsureCorrelationID returns ctx unchanged when it already carries an ID,
// otherwise it attaches a fresh ULID.
func EnsureCorrelationID(ctx context.Context) (context.Context, string) {
	if cid := ExtractCorrelationID(ctx); cid != "" {
		return ctx, cid
	}
	cid := ulid.Make().String()
	return context.WithValue(ctx, correlationKey{}, cid), cid
}

// FromHeader adopts the caller's ID when present and well formed.
func FromHeader(ctx context.Context, h http.Header) (context.Context, string) {
	if h != nil {
		if cid := sanitize(h.Get(Header)); cid != "" {
			return context.WithValue(ctx, correlationKey{}, cid), cid
		}
	}
	return EnsureCorrelationID(ctx)
}

// Inject copies the ID on ctx, if any, onto an outbound request.
func Inject(ctx context.Context, h http.Header) {
	if cid := ExtractCorrelationID(ctx); cid != "" && h != nil {
		h.Set(Header, cid)
	}
}

// sanitize drops values that would bloat or forge log lines.
func sanitize(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > maxLength {
		return ""
	}
	for _, r := range id {
		if r < 0x21 || r > 0x7e {
			return ""
		}
	}
	return id
}
