package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"talqs/pkg/domain"
)

const (
	defaultRedisKeyPrefix = "talqs"
	redisTxRetries        = 5
)

// RedisStore is the real-time primary provider. Records are JSON values;
// owner indexes are hashes and sets; chat changes are announced on a
// per-owner channel.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore builds a Redis-backed provider. An empty prefix uses "talqs".
func NewRedisStore(addr, password, prefix string) (*RedisStore, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, fmt.Errorf("%w: redis address", ErrConfigurationMissing)
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = defaultRedisKeyPrefix
	}
	return &RedisStore{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		prefix: prefix,
	}, nil
}

func (s *RedisStore) Name() string { return NamePrimary }

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) userKey(email string) string { return s.prefix + ":user:" + email }
func (s *RedisStore) usersKey() string            { return s.prefix + ":users" }
func (s *RedisStore) docKey(id string) string     { return s.prefix + ":doc:" + id }
func (s *RedisStore) ownerDocsKey(owner string) string {
	return s.prefix + ":docs:" + owner
}
func (s *RedisStore) chatKey(id string) string { return s.prefix + ":chat:" + id }
func (s *RedisStore) ownerChatsKey(owner string) string {
	return s.prefix + ":chats:" + owner
}
func (s *RedisStore) chatChannel(owner string) string {
	return s.prefix + ":chat-events:" + owner
}

func (s *RedisStore) GetUserByEmail(ctx context.Context, email string) (domain.User, bool, error) {
	var u domain.User
	ok, err := s.getJSON(ctx, s.client, s.userKey(email), &u)
	return u, ok, err
}

func (s *RedisStore) PutUser(ctx context.Context, u domain.User) error {
	raw, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encode user: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.userKey(u.Email), raw, 0)
		pipe.SAdd(ctx, s.usersKey(), u.Email)
		return nil
	})
	return err
}

func (s *RedisStore) ListUsers(ctx context.Context) ([]domain.User, error) {
	emails, err := s.client.SMembers(ctx, s.usersKey()).Result()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(emails))
	for _, email := range emails {
		keys = append(keys, s.userKey(email))
	}
	users := make([]domain.User, 0, len(keys))
	if err := s.mgetJSON(ctx, keys, func(raw []byte) error {
		var u domain.User
		if err := json.Unmarshal(raw, &u); err != nil {
			return err
		}
		users = append(users, u)
		return nil
	}); err != nil {
		return nil, err
	}
	sortUsers(users)
	return users, nil
}

func (s *RedisStore) DeleteUser(ctx context.Context, email string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.userKey(email))
		pipe.SRem(ctx, s.usersKey(), email)
		return nil
	})
	return err
}

// SaveDocument claims the owner's fingerprint slot under WATCH so concurrent
// saves of the same content converge on one record.
func (s *RedisStore) SaveDocument(ctx context.Context, d domain.Document) (domain.Document, bool, error) {
	index := s.ownerDocsKey(d.OwnerID)
	var (
		stored  domain.Document
		existed bool
	)
	for attempt := 0; attempt < redisTxRetries; attempt++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			id, err := tx.HGet(ctx, index, d.Fingerprint).Result()
			if errors.Is(err, redis.Nil) {
				raw, err := json.Marshal(d)
				if err != nil {
					return fmt.Errorf("encode document: %w", err)
				}
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.HSet(ctx, index, d.Fingerprint, d.ID)
					pipe.Set(ctx, s.docKey(d.ID), raw, 0)
					return nil
				})
				stored, existed = d, false
				return err
			}
			if err != nil {
				return err
			}

			if err := tx.Watch(ctx, s.docKey(id)).Err(); err != nil {
				return err
			}
			var current domain.Document
			ok, err := s.getJSON(ctx, tx, s.docKey(id), &current)
			if err != nil {
				return err
			}
			if !ok {
				// index entry without a body: rewrite the body under the indexed ID
				current = d
				current.ID = id
			} else if d.LastAccessedAt.After(current.LastAccessedAt) {
				current.LastAccessedAt = d.LastAccessedAt
			}
			raw, err := json.Marshal(current)
			if err != nil {
				return fmt.Errorf("encode document: %w", err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, s.docKey(id), raw, 0)
				return nil
			})
			stored, existed = current, ok
			return err
		}, index)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return domain.Document{}, false, err
		}
		return stored, existed, nil
	}
	return domain.Document{}, false, fmt.Errorf("save document: %w", redis.TxFailedErr)
}

func (s *RedisStore) ListDocumentsByOwner(ctx context.Context, ownerID string) ([]domain.Document, error) {
	ids, err := s.client.HVals(ctx, s.ownerDocsKey(ownerID)).Result()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, s.docKey(id))
	}
	docs := make([]domain.Document, 0, len(keys))
	if err := s.mgetJSON(ctx, keys, func(raw []byte) error {
		var d domain.Document
		if err := json.Unmarshal(raw, &d); err != nil {
			return err
		}
		docs = append(docs, d)
		return nil
	}); err != nil {
		return nil, err
	}
	sortDocuments(docs)
	return docs, nil
}

func (s *RedisStore) GetDocumentByFingerprint(ctx context.Context, ownerID, fingerprint string) (domain.Document, bool, error) {
	id, err := s.client.HGet(ctx, s.ownerDocsKey(ownerID), fingerprint).Result()
	if errors.Is(err, redis.Nil) {
		return domain.Document{}, false, nil
	}
	if err != nil {
		return domain.Document{}, false, err
	}
	var d domain.Document
	ok, err := s.getJSON(ctx, s.client, s.docKey(id), &d)
	return d, ok, err
}

func (s *RedisStore) CreateChatHistory(ctx context.Context, h domain.ChatHistory) error {
	if h.Messages == nil {
		h.Messages = []domain.ChatMessage{}
	}
	raw, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("encode chat history: %w", err)
	}
	if _, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.chatKey(h.ID), raw, 0)
		pipe.SAdd(ctx, s.ownerChatsKey(h.OwnerID), h.ID)
		return nil
	}); err != nil {
		return err
	}
	s.notify(ctx, h.OwnerID, h.ID)
	return nil
}

// AppendChatMessages extends the stored transcript under WATCH, retrying when
// another writer got there first.
func (s *RedisStore) AppendChatMessages(ctx context.Context, id string, msgs []domain.ChatMessage, updatedAt time.Time) (domain.ChatHistory, error) {
	key := s.chatKey(id)
	var out domain.ChatHistory
	for attempt := 0; attempt < redisTxRetries; attempt++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			var h domain.ChatHistory
			ok, err := s.getJSON(ctx, tx, key, &h)
			if err != nil {
				return err
			}
			if !ok {
				return ErrHistoryNotFound
			}
			h.Messages = append(h.Messages, msgs...)
			h.UpdatedAt = updatedAt
			raw, err := json.Marshal(h)
			if err != nil {
				return fmt.Errorf("encode chat history: %w", err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, raw, 0)
				return nil
			})
			out = h
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return domain.ChatHistory{}, err
		}
		s.notify(ctx, out.OwnerID, out.ID)
		return out, nil
	}
	return domain.ChatHistory{}, fmt.Errorf("append chat messages: %w", redis.TxFailedErr)
}

func (s *RedisStore) GetChatHistory(ctx context.Context, id string) (domain.ChatHistory, bool, error) {
	var h domain.ChatHistory
	ok, err := s.getJSON(ctx, s.client, s.chatKey(id), &h)
	return h, ok, err
}

func (s *RedisStore) ListChatHistoriesByOwner(ctx context.Context, ownerID string) ([]domain.ChatHistory, error) {
	ids, err := s.client.SMembers(ctx, s.ownerChatsKey(ownerID)).Result()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, s.chatKey(id))
	}
	res := make([]domain.ChatHistory, 0, len(keys))
	if err := s.mgetJSON(ctx, keys, func(raw []byte) error {
		var h domain.ChatHistory
		if err := json.Unmarshal(raw, &h); err != nil {
			return err
		}
		res = append(res, h)
		return nil
	}); err != nil {
		return nil, err
	}
	sortHistories(res)
	return res, nil
}

func (s *RedisStore) DeleteChatHistory(ctx context.Context, id string) error {
	h, ok, err := s.GetChatHistory(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if _, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.chatKey(id))
		pipe.SRem(ctx, s.ownerChatsKey(h.OwnerID), id)
		return nil
	}); err != nil {
		return err
	}
	s.notify(ctx, h.OwnerID, id)
	return nil
}

// SubscribeChatHistories pushes the owner's history list on start and after
// every change announced on the owner's channel.
func (s *RedisStore) SubscribeChatHistories(ctx context.Context, ownerID string) (<-chan []domain.ChatHistory, error) {
	sub := s.client.Subscribe(ctx, s.chatChannel(ownerID))

	// ensures subscription actually started
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	out := make(chan []domain.ChatHistory, 1)
	go func() {
		defer close(out)
		defer sub.Close()

		send := func() bool {
			list, err := s.ListChatHistoriesByOwner(ctx, ownerID)
			if err != nil {
				slog.Warn("chat history reload failed", "owner", ownerID, "err", err)
				return ctx.Err() == nil
			}
			select {
			case out <- list:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if !send() {
			return
		}
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					return
				}
				if !send() {
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *RedisStore) notify(ctx context.Context, ownerID, historyID string) {
	if err := s.client.Publish(ctx, s.chatChannel(ownerID), historyID).Err(); err != nil {
		slog.Warn("chat event publish failed", "owner", ownerID, "history_id", historyID, "err", err)
	}
}

type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) getJSON(ctx context.Context, c stringGetter, key string, dst any) (bool, error) {
	raw, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// mgetJSON fetches keys in one round trip and skips entries that vanished.
func (s *RedisStore) mgetJSON(ctx context.Context, keys []string, each func([]byte) error) error {
	if len(keys) == 0 {
		return nil
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return err
	}
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		if err := each([]byte(str)); err != nil {
			return fmt.Errorf("decode %s: %w", keys[i], err)
		}
	}
	return nil
}
