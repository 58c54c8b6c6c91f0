package resilience

import (
	"errors"
	"net/http"
	"syscall"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
)

func TestHTTPStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, http.StatusOK},
		{"bad request", &BadRequestError{Msg: "unknown action: reticulate"}, http.StatusBadRequest},
		{"quota exhausted", &UpstreamHTTPError{Provider: "anthropic", StatusCode: 402, Body: "credit balance too low"}, http.StatusPaymentRequired},
		{"rate limited", &UpstreamHTTPError{Provider: "jina", StatusCode: 429, Body: "slow down"}, http.StatusTooManyRequests},
		{"upstream 500", &UpstreamHTTPError{Provider: "perplexity", StatusCode: 500, Body: "boom"}, http.StatusInternalServerError},
		{"generic", errors.New("something broke"), http.StatusInternalServerError},
		{"wrapped bad request", eris.Wrap(&BadRequestError{Msg: "bad body"}, "handler"), http.StatusBadRequest},
		{"wrapped quota", eris.Wrap(&UpstreamHTTPError{StatusCode: 402}, "extract"), http.StatusPaymentRequired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatusFor(tt.err))
		})
	}
}

func TestUpstreamHTTPError_TruncatesBody(t *testing.T) {
	long := make([]byte, 1000)
	for i := range long {
		long[i] = 'x'
	}
	err := &UpstreamHTTPError{Provider: "jina", StatusCode: 502, Body: string(long)}
	assert.Less(t, len(err.Error()), 400)
	assert.Contains(t, err.Error(), "upstream status 502")
}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.True(t, IsTransient(syscall.ECONNRESET))
	assert.True(t, IsTransient(errors.New("dial tcp: i/o timeout")))
	assert.False(t, IsTransient(errors.New("invalid request")))
}

func TestIsTransientHTTPStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		assert.True(t, IsTransientHTTPStatus(code), "code %d", code)
	}
	for _, code := range []int{200, 201, 400, 401, 402, 404, 422} {
		assert.False(t, IsTransientHTTPStatus(code), "code %d", code)
	}
}
