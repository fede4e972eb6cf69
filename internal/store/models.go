package store

import "time"

type Document struct {
	ID               string
	Title            string
	Content          string
	Revision         int64
	HostID           string
	Locked           bool
	JoinPasswordHash string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type Participant struct {
	ID          string
	DocumentID  string
	DisplayName string
	Color       string
	Active      bool
	IsHost      bool
	JoinedAt    time.Time
}

// Operation is one committed row of the append-only revision log.
// Revision is assigned at append time and immutable thereafter.
type Operation struct {
	DocumentID   string
	Revision     int64
	Kind         string
	Position     int
	Content      string
	Length       int
	OldLength    int
	BaseRevision int64
	AuthorID     string
	Metadata     map[string]string
	CreatedAt    time.Time
}
