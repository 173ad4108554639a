package correlation

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnsureCorrelationIDKeepsExisting(t *testing.T) {
	ctx := ContextWithCorrelationID(context.Background(), "sweep-01")
	ctx, cid := EnsureCorrelationID(ctx)
	assert.Equal(t, "sweep-01", cid)
	assert.Equal(t, "sweep-01", ExtractCorrelationID(ctx))
}

func TestEnsureCorrelationIDGenerates(t *testing.T) {
	ctx, cid := EnsureCorrelationID(context.Background())
	assert.Len(t, cid, 26)
	assert.Equal(t, cid, ExtractCorrelationID(ctx))
}

func TestFromHeader(t *testing.T) {
	h := http.Header{}
	h.Set(Header, "upstream-abc")
	_, cid := FromHeader(context.Background(), h)
	assert.Equal(t, "upstream-abc", cid)

	h.Set(Header, "bad value\nwith newline")
	_, cid = FromHeader(context.Background(), h)
	assert.Len(t, cid, 26)

	h.Set(Header, strings.Repeat("x", maxLength+1))
	_, cid = FromHeader(context.Background(), h)
	assert.Len(t, cid, 26)
}

func TestInject(t *testing.T) {
	h := http.Header{}
	Inject(context.Background(), h)
	assert.Empty(t, h.Get(Header))

	Inject(ContextWithCorrelationID(context.Background(), "job-42"), h)
	assert.Equal(t, "job-42", h.Get(Header))
}
