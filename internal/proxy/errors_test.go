package proxy

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryable(t *testing.T) {
	retryable := []Kind{KindAuth, KindRateLimit, KindUpstream5xx, KindTransport}
	for _, k := range retryable {
		assert.True(t, (&Error{Kind: k}).Retryable(), string(k))
	}

	terminal := []Kind{KindValidation, KindNoAccount, KindClientAbort, KindFatal}
	for _, k := range terminal {
		assert.False(t, (&Error{Kind: k}).Retryable(), string(k))
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  *Error
		want int
	}{
		{&Error{Kind: KindValidation}, http.StatusBadRequest},
		{&Error{Kind: KindNoAccount}, http.StatusServiceUnavailable},
		{&Error{Kind: KindAuth}, http.StatusBadGateway},
		{&Error{Kind: KindTransport}, http.StatusBadGateway},
		{&Error{Kind: KindRateLimit}, http.StatusTooManyRequests},
		{&Error{Kind: KindRateLimit, StatusCode: 429}, 429},
		{&Error{Kind: KindUpstream5xx, StatusCode: 502}, 502},
		{&Error{Kind: KindUpstream5xx}, http.StatusBadGateway},
		{&Error{Kind: KindFatal}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.err.HTTPStatus(), string(tt.err.Kind))
	}
}

func TestClassifyStatus(t *testing.T) {
	assert.Nil(t, classifyStatus(200))
	assert.Nil(t, classifyStatus(201))
	// Client errors other than auth pass through to the caller untouched.
	assert.Nil(t, classifyStatus(400))
	assert.Nil(t, classifyStatus(404))
	assert.Nil(t, classifyStatus(422))

	perr := classifyStatus(401)
	require.NotNil(t, perr)
	assert.Equal(t, KindAuth, perr.Kind)

	perr = classifyStatus(403)
	require.NotNil(t, perr)
	assert.Equal(t, KindAuth, perr.Kind)

	perr = classifyStatus(429)
	require.NotNil(t, perr)
	assert.Equal(t, KindRateLimit, perr.Kind)

	// 408 is the upstream timing out; retried like a server error.
	perr = classifyStatus(408)
	require.NotNil(t, perr)
	assert.Equal(t, KindUpstream5xx, perr.Kind)
	assert.Equal(t, 408, perr.StatusCode)

	perr = classifyStatus(500)
	require.NotNil(t, perr)
	assert.Equal(t, KindUpstream5xx, perr.Kind)
	assert.Equal(t, 500, perr.StatusCode)

	perr = classifyStatus(529)
	require.NotNil(t, perr)
	assert.Equal(t, KindUpstream5xx, perr.Kind)
}

func TestErrorUnwrap(t *testing.T) {
	inner := errors.New("boom")
	perr := newError(KindTransport, inner)
	assert.ErrorIs(t, perr, inner)
	assert.Contains(t, perr.Error(), "transport")
	assert.Contains(t, perr.Error(), "boom")
}
