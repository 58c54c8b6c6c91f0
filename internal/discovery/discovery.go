// Package discovery turns entity queries into candidate documents via a web
// search provider. A missing provider credential soft-disables discovery:
// Search returns empty results and the orchestrator falls through to its
// generative fallback instead of aborting the batch.
package discovery

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/techno-archive/enrich-cli/internal/model"
	"github.com/techno-archive/enrich-cli/internal/ratelimit"
	"github.com/techno-archive/enrich-cli/pkg/jina"
)

// minSnippetChars is the search snippet length below which the full page is
// fetched via the Reader endpoint. Search responses often carry only a
// description for paywalled or script-heavy pages.
const minSnippetChars = 280

// Source returns raw candidate documents for a query.
type Source interface {
	Search(ctx context.Context, query string, limit int) ([]model.CandidateDocument, error)
	// Enabled reports whether the provider has a credential. Disabled
	// sources still answer Search (with empty results).
	Enabled() bool
}

// JinaSource implements Source over the Jina Search and Reader APIs.
type JinaSource struct {
	client  jina.Client
	limiter ratelimit.Limiter
}

// NewJinaSource creates a Source backed by Jina. A nil client (no
// credential configured) yields a soft-disabled source; a nil limiter
// leaves Reader fetches unpaced.
func NewJinaSource(client jina.Client, limiter ratelimit.Limiter) *JinaSource {
	if limiter == nil {
		limiter = ratelimit.Nop{}
	}
	return &JinaSource{client: client, limiter: limiter}
}

func (s *JinaSource) Enabled() bool {
	return s.client != nil
}

func (s *JinaSource) Search(ctx context.Context, query string, limit int) ([]model.CandidateDocument, error) {
	if s.client == nil {
		zap.L().Debug("discovery: soft-disabled, returning no candidates",
			zap.String("query", query),
		)
		return nil, nil
	}

	resp, err := s.client.Search(ctx, query)
	if err != nil {
		return nil, eris.Wrapf(err, "discovery: search %q", query)
	}

	docs := make([]model.CandidateDocument, 0, len(resp.Data))
	for _, r := range resp.Data {
		if r.URL == "" {
			continue
		}
		content := r.Content
		if content == "" {
			content = r.Description
		}
		if len(content) < minSnippetChars {
			content = s.readFull(ctx, r.URL, content)
		}
		docs = append(docs, model.CandidateDocument{
			URL:     r.URL,
			Title:   r.Title,
			Content: content,
		})
		if limit > 0 && len(docs) >= limit {
			break
		}
	}
	return docs, nil
}

// readFull fetches the full page markdown via the Reader endpoint. Best
// effort: any failure keeps the search snippet.
func (s *JinaSource) readFull(ctx context.Context, pageURL, snippet string) string {
	if err := s.limiter.Acquire(ctx, "jina"); err != nil {
		return snippet
	}
	resp, err := s.client.Read(ctx, pageURL)
	if err != nil {
		zap.L().Debug("discovery: reader fetch failed, keeping snippet",
			zap.String("url", pageURL),
			zap.Error(err),
		)
		return snippet
	}
	if len(resp.Data.Content) > len(snippet) {
		return resp.Data.Content
	}
	return snippet
}
