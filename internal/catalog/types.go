package catalog

import "time"

// Repository mirrors §3's Repository entity.
type Repository struct {
	ID        int64
	Name      string
	IsPublic  bool
	CreatedAt time.Time
}

// Upload mirrors §3's Upload entity.
type Upload struct {
	UUID          string
	RepositoryID  int64
	StagingPath   string
	Algorithm     string
	CurrentChunk  int
	CreatedAt     time.Time
}

// Blob mirrors §3's Blob entity.
type Blob struct {
	ID              int64
	RepositoryID    int64
	Digest          string
	FilePath        string
	UploadSessionID *string
	RefCount        int
	ChunkCount      int
	CreatedAt       time.Time
}

// Manifest mirrors §3's Manifest entity. SubjectDigest is set when the
// manifest body carries a top-level "subject" descriptor (§4.5 Referrers).
type Manifest struct {
	ID             int64
	RepositoryID   int64
	Digest         string
	MediaType      string
	FilePath       string
	Size           int64
	SchemaVersion  int
	SubjectDigest  *string
	CreatedAt      time.Time
}

// ManifestLayer mirrors §3's ManifestLayer entity.
type ManifestLayer struct {
	ID            int64
	ManifestID    int64
	RepositoryID  int64
	Digest        string
	Size          int64
	MediaType     string
}

// Tag mirrors §3's Tag entity.
type Tag struct {
	ID            int64
	RepositoryID  int64
	ManifestID    int64
	Tag           string
	UpdatedAt     time.Time
}

// User mirrors §3's User entity.
type User struct {
	ID           int64
	Email        string
	PasswordHash string
	IsAdmin      bool
	CreatedAt    time.Time
}

// RepositoryScope mirrors §3's RepositoryScope entity.
type RepositoryScope struct {
	UserID        int64
	RepositoryID  int64
	Push          bool
	Pull          bool
	Delete        bool
}

// Client mirrors §3's Client (API key holder) entity.
type Client struct {
	ClientID   string
	UserID     int64
	SecretHash string
	CreatedAt  time.Time
}

// Token mirrors §3's Token entity.
type Token struct {
	Token     string
	Account   string
	ClientID  *string
	Scopes    string
	IssuedAt  time.Time
	Expires   time.Time
}

// Action is one of the three scope actions a RepositoryScope row can grant.
type Action string

const (
	ActionPull   Action = "pull"
	ActionPush   Action = "push"
	ActionDelete Action = "delete"
)
