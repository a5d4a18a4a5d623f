package domain

import "time"

// Chat roles. The question side of an exchange is always RoleUser.
const (
	RoleUser = "user"
	RoleAI   = "ai"
)

// Auth provider tags recorded on users.
const (
	ProviderPassword = "password"
	ProviderGoogle   = "google"
)

type User struct {
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	AvatarURL string    `json:"avatarUrl,omitempty"`
	Provider  string    `json:"provider"`
	IsAdmin   bool      `json:"isAdmin"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Document struct {
	ID             string    `json:"id"`
	OwnerID        string    `json:"ownerId"`
	Fingerprint    string    `json:"fingerprint"`
	FileName       string    `json:"fileName"`
	SizeBytes      int64     `json:"sizeBytes"`
	Content        string    `json:"content,omitempty"`
	UploadedAt     time.Time `json:"uploadedAt"`
	LastAccessedAt time.Time `json:"lastAccessedAt"`
}

// Ref returns the link stored on chat histories that discuss this document.
func (d Document) Ref() *DocumentRef {
	return &DocumentRef{ID: d.ID, Name: d.FileName, Fingerprint: d.Fingerprint}
}

type DocumentRef struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Fingerprint string `json:"fingerprint"`
}

type ChatMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ChatHistory is an append-only transcript owned by one user.
type ChatHistory struct {
	ID        string        `json:"id"`
	OwnerID   string        `json:"ownerId"`
	Messages  []ChatMessage `json:"messages"`
	Document  *DocumentRef  `json:"document,omitempty"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// QAPair is one question with its answer, as produced by bulk answering.
type QAPair struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}
