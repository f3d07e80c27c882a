package search

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ThisIsTheNewOne/real-time-collaboration-tool-backend/internal/store"
)

// DocumentSearcher is the durable-store fallback used when Meilisearch is
// not configured or unhealthy.
type DocumentSearcher interface {
	SearchDocuments(ctx context.Context, text string, limit int) ([]store.Document, error)
}

// Service is the facade that tries Meilisearch first and falls back to a
// substring search in the document store. It also keeps the index current
// as a flush observer.
type Service struct {
	meili    *Meili
	fallback DocumentSearcher
	log      zerolog.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, fallback DocumentSearcher, log zerolog.Logger) *Service {
	return &Service{meili: meili, fallback: fallback, log: log}
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.log.Warn().Err(err).Msg("meilisearch error, falling back to store search")
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	docs, err := s.fallback.SearchDocuments(ctx, q.Text, limit+q.Offset)
	if err != nil {
		s.log.Error().Err(err).Msg("store search failed")
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	if q.Offset > 0 {
		if q.Offset >= len(docs) {
			docs = nil
		} else {
			docs = docs[q.Offset:]
		}
	}
	results := make([]Result, 0, len(docs))
	for _, doc := range docs {
		results = append(results, Result{
			DocumentID: doc.ID,
			Title:      doc.Payload.Title,
			Snippet:    snippet(doc.Payload.Content, 160),
		})
	}
	return Response{Results: results, Total: len(results), Query: q.Text}
}

func (s *Service) Name() string {
	return "search"
}

// VersionFlushed indexes the flushed payload. It is a no-op without a
// healthy Meilisearch.
func (s *Service) VersionFlushed(ctx context.Context, record store.VersionRecord) error {
	if s.meili == nil || !s.meili.Healthy() {
		return nil
	}
	err := s.meili.IndexDocument(DocumentRecord{
		ID:        record.DocumentID,
		Title:     record.Payload.Title,
		Content:   record.Payload.Content,
		UpdatedAt: record.CreatedAt.Unix(),
	})
	if err != nil {
		return fmt.Errorf("index document %s: %w", record.DocumentID, err)
	}
	return nil
}

// DeleteDocument removes a document from the search index (fire-and-forget).
func (s *Service) DeleteDocument(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteDocument(id); err != nil {
			s.log.Warn().Err(err).Str("document_id", id).Msg("delete document from index")
		}
	}()
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}

// snippet truncates content to at most n runes.
func snippet(content string, n int) string {
	runes := []rune(content)
	if len(runes) <= n {
		return content
	}
	return string(runes[:n]) + "…"
}
