package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"talqs/pkg/domain"
)

// MemoryStore keeps everything in-process. Data is lost on restart; the router
// uses it as the last resort for document operations.
type MemoryStore struct {
	mu       sync.RWMutex
	users    map[string]domain.User     // key: email
	docs     map[string]domain.Document // key: document ID
	docIndex map[docKey]string          // (owner, fingerprint) -> document ID
	orders   []string                   // document insertion order
	chats    map[string]domain.ChatHistory
}

type docKey struct {
	owner       string
	fingerprint string
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[string]domain.User),
		docs:     make(map[string]domain.Document),
		docIndex: make(map[docKey]string),
		chats:    make(map[string]domain.ChatHistory),
	}
}

func (m *MemoryStore) Name() string { return NameLocal }

// GetUserByEmail looks up a user by email.
func (m *MemoryStore) GetUserByEmail(_ context.Context, email string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[email]
	return u, ok, nil
}

// PutUser writes the full user record.
func (m *MemoryStore) PutUser(_ context.Context, u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.Email] = u
	return nil
}

// ListUsers returns all users ordered by creation time.
func (m *MemoryStore) ListUsers(_ context.Context) ([]domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.User, 0, len(m.users))
	for _, u := range m.users {
		res = append(res, u)
	}
	sortUsers(res)
	return res, nil
}

func (m *MemoryStore) DeleteUser(_ context.Context, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.users, email)
	return nil
}

// SaveDocument stores a new document or touches the existing one.
func (m *MemoryStore) SaveDocument(_ context.Context, d domain.Document) (domain.Document, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := docKey{owner: d.OwnerID, fingerprint: d.Fingerprint}
	if id, ok := m.docIndex[key]; ok {
		existing := m.docs[id]
		if d.LastAccessedAt.After(existing.LastAccessedAt) {
			existing.LastAccessedAt = d.LastAccessedAt
		}
		m.docs[id] = existing
		return existing, true, nil
	}
	m.docs[d.ID] = d
	m.docIndex[key] = d.ID
	m.orders = append(m.orders, d.ID)
	return d, false, nil
}

// ListDocumentsByOwner returns documents in insertion order.
func (m *MemoryStore) ListDocumentsByOwner(_ context.Context, ownerID string) ([]domain.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Document, 0)
	for _, id := range m.orders {
		if d, ok := m.docs[id]; ok && d.OwnerID == ownerID {
			res = append(res, d)
		}
	}
	return res, nil
}

func (m *MemoryStore) GetDocumentByFingerprint(_ context.Context, ownerID, fingerprint string) (domain.Document, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.docIndex[docKey{owner: ownerID, fingerprint: fingerprint}]
	if !ok {
		return domain.Document{}, false, nil
	}
	d, ok := m.docs[id]
	return d, ok, nil
}

func (m *MemoryStore) CreateChatHistory(_ context.Context, h domain.ChatHistory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chats[h.ID] = copyHistory(h)
	return nil
}

// AppendChatMessages appends msgs in order and bumps UpdatedAt.
func (m *MemoryStore) AppendChatMessages(_ context.Context, id string, msgs []domain.ChatMessage, updatedAt time.Time) (domain.ChatHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.chats[id]
	if !ok {
		return domain.ChatHistory{}, ErrHistoryNotFound
	}
	h.Messages = append(copyMessages(h.Messages), msgs...)
	h.UpdatedAt = updatedAt
	m.chats[id] = h
	return copyHistory(h), nil
}

func (m *MemoryStore) GetChatHistory(_ context.Context, id string) (domain.ChatHistory, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.chats[id]
	if !ok {
		return domain.ChatHistory{}, false, nil
	}
	return copyHistory(h), true, nil
}

// ListChatHistoriesByOwner returns histories, most recently updated first.
func (m *MemoryStore) ListChatHistoriesByOwner(_ context.Context, ownerID string) ([]domain.ChatHistory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.ChatHistory, 0)
	for _, h := range m.chats {
		if h.OwnerID == ownerID {
			res = append(res, copyHistory(h))
		}
	}
	sortHistories(res)
	return res, nil
}

func (m *MemoryStore) DeleteChatHistory(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.chats, id)
	return nil
}

func sortUsers(users []domain.User) {
	sort.SliceStable(users, func(i, j int) bool {
		if users[i].CreatedAt.Equal(users[j].CreatedAt) {
			return users[i].Email < users[j].Email
		}
		return users[i].CreatedAt.Before(users[j].CreatedAt)
	})
}

func sortDocuments(docs []domain.Document) {
	sort.SliceStable(docs, func(i, j int) bool {
		return docs[i].UploadedAt.Before(docs[j].UploadedAt)
	})
}

func sortHistories(hs []domain.ChatHistory) {
	sort.SliceStable(hs, func(i, j int) bool {
		if hs[i].UpdatedAt.Equal(hs[j].UpdatedAt) {
			return hs[i].ID < hs[j].ID
		}
		return hs[i].UpdatedAt.After(hs[j].UpdatedAt)
	})
}
