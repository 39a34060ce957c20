package search

import (
	"context"

	"draftdesk/api/internal/logger"
	"draftdesk/api/internal/store"
)

// Fallback is the substring search the store runs when Meilisearch is
// absent or unhealthy.
type Fallback interface {
	SearchVersions(ctx context.Context, query, sessionID string, limit int) ([]store.VersionHit, error)
}

// Service is the facade that tries Meilisearch first and falls back to the
// store.
type Service struct {
	meili    Engine
	fallback Fallback
	log      *logger.Logger
}

// Engine is the Meilisearch side of the facade.
type Engine interface {
	Searcher
	Indexer
}

// NewService creates a search service. engine may be nil if Meilisearch is
// not configured.
func NewService(engine Engine, fallback Fallback, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Nop()
	}
	return &Service{meili: engine, fallback: fallback, log: log.Component("search")}
}

func (s *Service) enabled() bool {
	return s.meili != nil && s.meili.Healthy()
}

// Search tries Meilisearch if healthy, otherwise falls back to the store.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.enabled() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text, Source: "meilisearch"}
		}
		s.log.Warn().Err(err).Msg("meilisearch error, falling back to store search")
	}

	results, err := s.fallback.SearchVersions(ctx, q.Text, q.SessionID, q.Limit)
	if err != nil {
		s.log.Error().Err(err).Msg("store search failed")
		return Response{Results: []store.VersionHit{}, Total: 0, Query: q.Text, Source: "store"}
	}
	return Response{Results: nonNil(results), Total: len(results), Query: q.Text, Source: "store"}
}

// IndexVersion indexes a version (fire-and-forget to Meilisearch).
func (s *Service) IndexVersion(productName string, v store.Version) {
	if !s.enabled() {
		return
	}
	record := NewVersionRecord(productName, v)
	go func() {
		if err := s.meili.IndexVersion(record); err != nil {
			s.log.Warn().Err(err).Str("id", record.ID).Msg("index version")
		}
	}()
}

// DeleteVersions removes versions from+1..to of a session after a rollback
// (fire-and-forget).
func (s *Service) DeleteVersions(sessionID string, from, to int) {
	if !s.enabled() || to <= from {
		return
	}
	go func() {
		for n := from + 1; n <= to; n++ {
			id := RecordID(sessionID, n)
			if err := s.meili.DeleteVersion(id); err != nil {
				s.log.Warn().Err(err).Str("id", id).Msg("delete version from index")
			}
		}
	}()
}

// Reindex pushes every record synchronously. Called at startup.
func (s *Service) Reindex(records []VersionRecord) {
	if !s.enabled() || len(records) == 0 {
		return
	}
	if err := s.meili.IndexVersions(records); err != nil {
		s.log.Warn().Err(err).Int("count", len(records)).Msg("reindex versions")
		return
	}
	s.log.Info().Int("count", len(records)).Msg("versions reindexed")
}

func nonNil(r []store.VersionHit) []store.VersionHit {
	if r == nil {
		return []store.VersionHit{}
	}
	return r
}
