package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTaggedRequest() *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	return InjectTags(r)
}

func TestInjectTags_DefaultsCacheResultToBypass(t *testing.T) {
	r := newTaggedRequest()
	tags := GetTags(r)
	require.NotNil(t, tags)
	require.Equal(t, CacheBypass, tags.CacheResult)
	require.Empty(t, tags.Kind)
}

func TestGetTags_NilWithoutInject(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	require.Nil(t, GetTags(r))
}

func TestSetKind(t *testing.T) {
	r := newTaggedRequest()
	SetKind(r, "image")
	require.Equal(t, "image", GetTags(r).Kind)
}

func TestSetKind_NoopWithoutInject(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	SetKind(r, "data") // should not panic
}

func TestTagsMutationVisibleThroughPointer(t *testing.T) {
	r := newTaggedRequest()
	tags := GetTags(r)

	SetKind(r, "data")
	SetCacheResult(r, CacheExpired)
	SetEndpoint(r, "fetch")

	require.Equal(t, "data", tags.Kind)
	require.Equal(t, CacheExpired, tags.CacheResult)
	require.Equal(t, "fetch", tags.Endpoint)
}

func TestKindFromContext(t *testing.T) {
	require.Empty(t, KindFromContext(context.Background()))

	ctx := WithKindContext(context.Background(), "image")
	require.Equal(t, "image", KindFromContext(ctx))

	r := newTaggedRequest()
	SetKind(r, "data")
	require.Equal(t, "data", KindFromContext(r.Context()))
}
