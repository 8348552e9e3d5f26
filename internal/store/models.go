package store

import "time"

type Document struct {
	ID           string
	Title        string
	Status       string
	DiagramCount int
	UpdatedBy    string
	UpdatedAt    time.Time
}

// Document status values. A document is "editing" while a draft exists and
// returns to "published" after a successful commit.
const (
	StatusPublished = "published"
	StatusEditing   = "editing"
)

type PublishLogEntry struct {
	ID          int64
	DocumentID  string
	CommitHash  string
	PublishedBy string
	Message     string
	PublishedAt time.Time
}

// CommitInfo describes one revision in a document's publish history.
type CommitInfo struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}
