package store

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

type Session struct {
	ID           string    `json:"sessionId"`
	ProductName  string    `json:"productName"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
	VersionCount int       `json:"versionCount"`
}

type Version struct {
	SessionID         string    `json:"sessionId"`
	Number            int       `json:"versionNumber"`
	Content           string    `json:"content"`
	SectionName       string    `json:"sectionName,omitempty"`
	ChangeDescription string    `json:"changeDescription,omitempty"`
	UserPrompt        string    `json:"userPrompt,omitempty"`
	OriginMessageID   *int64    `json:"originMessageId,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
}

// VersionMeta carries the optional attributes recorded with a new version.
type VersionMeta struct {
	SectionName       string
	ChangeDescription string
	UserPrompt        string
	OriginMessageID   *int64
}

type ChatMessage struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"sessionId"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// VersionHit is a search match over version content.
type VersionHit struct {
	SessionID         string `json:"sessionId"`
	ProductName       string `json:"productName"`
	Number            int    `json:"versionNumber"`
	SectionName       string `json:"sectionName,omitempty"`
	ChangeDescription string `json:"changeDescription,omitempty"`
	Snippet           string `json:"snippet"`
}
