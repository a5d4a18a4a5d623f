package store

import (
	"context"
	"errors"
	"time"

	"talqs/pkg/domain"
)

var (
	// ErrConfigurationMissing marks a provider that the router was asked to
	// use but that was never configured.
	ErrConfigurationMissing = errors.New("provider not configured")
	// ErrPersistenceFailure is returned when a write failed on every provider
	// the router attempted.
	ErrPersistenceFailure = errors.New("write failed on all providers")
	// ErrHistoryNotFound is returned by providers appending to an unknown history.
	ErrHistoryNotFound = errors.New("chat history not found")
)

// Provider names used in logs and WriteResult.
const (
	NamePrimary   = "primary"
	NameSecondary = "secondary"
	NameLocal     = "local"
)

// Provider is one persistence backend. Lookups return ok=false with a nil
// error when nothing matches.
type Provider interface {
	Name() string

	// users
	GetUserByEmail(ctx context.Context, email string) (domain.User, bool, error)
	PutUser(ctx context.Context, u domain.User) error
	ListUsers(ctx context.Context) ([]domain.User, error)
	DeleteUser(ctx context.Context, email string) error

	// documents
	// SaveDocument stores d unless (OwnerID, Fingerprint) already exists, in
	// which case only LastAccessedAt is updated. existed reports which path ran.
	SaveDocument(ctx context.Context, d domain.Document) (stored domain.Document, existed bool, err error)
	ListDocumentsByOwner(ctx context.Context, ownerID string) ([]domain.Document, error)
	GetDocumentByFingerprint(ctx context.Context, ownerID, fingerprint string) (domain.Document, bool, error)

	// chats
	CreateChatHistory(ctx context.Context, h domain.ChatHistory) error
	AppendChatMessages(ctx context.Context, id string, msgs []domain.ChatMessage, updatedAt time.Time) (domain.ChatHistory, error)
	GetChatHistory(ctx context.Context, id string) (domain.ChatHistory, bool, error)
	ListChatHistoriesByOwner(ctx context.Context, ownerID string) ([]domain.ChatHistory, error)
	DeleteChatHistory(ctx context.Context, id string) error
}

// Subscriber is implemented by providers that push chat history changes.
// The returned channel receives the owner's full history list once on start
// and again after every change; it is closed when ctx ends.
type Subscriber interface {
	SubscribeChatHistories(ctx context.Context, ownerID string) (<-chan []domain.ChatHistory, error)
}

// Subscription is a live feed of a user's chat histories. The zero value means
// real-time updates are not supported by the active configuration.
type Subscription struct {
	updates <-chan []domain.ChatHistory
	cancel  context.CancelFunc
}

// Supported reports whether the subscription is backed by a live provider.
func (s Subscription) Supported() bool {
	return s.updates != nil
}

// Updates returns the feed channel. It is nil when unsupported.
func (s Subscription) Updates() <-chan []domain.ChatHistory {
	return s.updates
}

// Close stops the feed. Safe on the zero value.
func (s Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// WriteResult names the providers on which a write succeeded.
type WriteResult struct {
	SucceededOn []string
}

// Succeeded reports whether at least one provider accepted the write.
func (w WriteResult) Succeeded() bool {
	return len(w.SucceededOn) > 0
}

// On reports whether the named provider accepted the write.
func (w WriteResult) On(name string) bool {
	for _, n := range w.SucceededOn {
		if n == name {
			return true
		}
	}
	return false
}

// DocumentResult is the outcome of Router.SaveDocument.
type DocumentResult struct {
	Document domain.Document
	// Existing is true when the (owner, fingerprint) pair was already stored
	// and only its access time moved.
	Existing bool
	WriteResult
}

func copyMessages(msgs []domain.ChatMessage) []domain.ChatMessage {
	if msgs == nil {
		return nil
	}
	out := make([]domain.ChatMessage, len(msgs))
	copy(out, msgs)
	return out
}

func copyHistory(h domain.ChatHistory) domain.ChatHistory {
	h.Messages = copyMessages(h.Messages)
	if h.Document != nil {
		ref := *h.Document
		h.Document = &ref
	}
	return h
}
