package aicall

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/techno-archive/enrich-cli/internal/resilience"
	"github.com/techno-archive/enrich-cli/pkg/anthropic"
	"github.com/techno-archive/enrich-cli/pkg/perplexity"
)

// --- Anthropic mock ---

type mockAnthropicClient struct {
	mock.Mock
}

func (m *mockAnthropicClient) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.MessageResponse), args.Error(1)
}

func TestAnthropicCaller_Invoke(t *testing.T) {
	client := &mockAnthropicClient{}
	client.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return req.Model == "claude-haiku-4-5-20251001" &&
			req.System == "You extract contacts." &&
			len(req.Messages) == 1
	})).Return(&anthropic.MessageResponse{
		Content: []anthropic.ContentBlock{{Type: "text", Text: `{"manager":"A"}`}},
	}, nil)

	c := NewAnthropicCaller(client, "claude-haiku-4-5-20251001", 1024, "artist_contacts")
	out, err := c.Invoke(context.Background(), "You extract contacts.", "Find the manager of Âme")
	require.NoError(t, err)
	assert.Equal(t, `{"manager":"A"}`, out)
	assert.Equal(t, "claude-haiku-4-5-20251001", c.Model())
	client.AssertExpectations(t)
}

func TestAnthropicCaller_WrapsError(t *testing.T) {
	client := &mockAnthropicClient{}
	client.On("CreateMessage", mock.Anything, mock.Anything).Return(nil, errors.New("dial tcp: timeout"))

	c := NewAnthropicCaller(client, "m", 0, "t")
	_, err := c.Invoke(context.Background(), "s", "u")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic invoke")
}

func TestPerplexityCaller_Invoke(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"c1","choices":[{"index":0,"message":{"role":"assistant","content":"fresh as of last week"}}]}`))
	}))
	defer srv.Close()

	c := NewPerplexityCaller(perplexity.NewClient("k", perplexity.WithBaseURL(srv.URL)), "sonar-pro")
	out, err := c.Invoke(context.Background(), "You verify freshness.", "Is Tresor still releasing?")
	require.NoError(t, err)
	assert.Equal(t, "fresh as of last week", out)
}

func TestPerplexityCaller_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(`{"error":"out of credits"}`))
	}))
	defer srv.Close()

	c := NewPerplexityCaller(perplexity.NewClient("k", perplexity.WithBaseURL(srv.URL)), "sonar-pro")
	_, err := c.Invoke(context.Background(), "", "query")
	require.Error(t, err)

	var up *resilience.UpstreamHTTPError
	require.True(t, errors.As(err, &up))
	assert.Equal(t, http.StatusPaymentRequired, up.StatusCode)
	assert.Equal(t, "perplexity", up.Provider)
	assert.Equal(t, http.StatusPaymentRequired, resilience.HTTPStatusFor(err))
}

func TestPerplexityCaller_NoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"c1","choices":[]}`))
	}))
	defer srv.Close()

	c := NewPerplexityCaller(perplexity.NewClient("k", perplexity.WithBaseURL(srv.URL)), "sonar-pro")
	_, err := c.Invoke(context.Background(), "", "query")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no choices")
}
