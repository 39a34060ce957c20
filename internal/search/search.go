package search

import (
	"fmt"

	"draftdesk/api/internal/store"
)

// Query describes a search request. An empty SessionID searches every
// session.
type Query struct {
	Text      string
	SessionID string
	Limit     int
	Offset    int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []store.VersionHit `json:"results"`
	Total   int                `json:"total"`
	Query   string             `json:"query"`
	Source  string             `json:"source"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]store.VersionHit, int, error)
	Healthy() bool
}

// Indexer can push versions into a search index.
type Indexer interface {
	IndexVersion(v VersionRecord) error
	IndexVersions(records []VersionRecord) error
	DeleteVersion(id string) error
}

// VersionRecord is the data we index for a version.
type VersionRecord struct {
	ID                string `json:"id"`
	SessionID         string `json:"sessionId"`
	ProductName       string `json:"productName"`
	VersionNumber     int    `json:"versionNumber"`
	SectionName       string `json:"sectionName"`
	ChangeDescription string `json:"changeDescription"`
	Content           string `json:"content"`
}

// RecordID is the index primary key for a version. Meilisearch ids only
// allow alphanumerics, hyphens and underscores.
func RecordID(sessionID string, number int) string {
	return fmt.Sprintf("%s_v%d", sessionID, number)
}

func NewVersionRecord(productName string, v store.Version) VersionRecord {
	return VersionRecord{
		ID:                RecordID(v.SessionID, v.Number),
		SessionID:         v.SessionID,
		ProductName:       productName,
		VersionNumber:     v.Number,
		SectionName:       v.SectionName,
		ChangeDescription: v.ChangeDescription,
		Content:           v.Content,
	}
}
