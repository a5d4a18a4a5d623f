package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"talqs/pkg/domain"
)

// Mode selects which remote providers the router talks to.
type Mode string

const (
	ModePrimaryOnly   Mode = "primary-only"
	ModeSecondaryOnly Mode = "secondary-only"
	ModeDual          Mode = "dual"
)

// ParseMode validates a configured storage mode. Empty means dual.
func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ModeDual:
		return ModeDual, nil
	case ModePrimaryOnly:
		return ModePrimaryOnly, nil
	case ModeSecondaryOnly:
		return ModeSecondaryOnly, nil
	default:
		return "", fmt.Errorf("unknown storage mode %q", raw)
	}
}

// ProviderConfig pairs a provider with its enabled flag. A nil Provider is
// treated as not configured.
type ProviderConfig struct {
	Provider Provider
	Enabled  bool
}

// RouterConfig is built once at startup.
type RouterConfig struct {
	Mode      Mode
	Primary   ProviderConfig
	Secondary ProviderConfig
	// Local is the last-resort document store. Nil means an in-memory store.
	Local  Provider
	Now    func() time.Time
	Logger *slog.Logger
}

// Router fans persistence operations out to the configured providers.
// Reads return the first usable result; writes go to every remote candidate.
// Provider errors surface only as ErrPersistenceFailure on explicit writes.
type Router struct {
	mode    Mode
	remotes []Provider
	primary Provider
	local   Provider
	now     func() time.Time
	log     *slog.Logger
}

// NewRouter resolves the candidate list from mode and enabled flags.
func NewRouter(cfg RouterConfig) *Router {
	r := &Router{
		mode:  cfg.Mode,
		local: cfg.Local,
		now:   cfg.Now,
		log:   cfg.Logger,
	}
	if r.mode == "" {
		r.mode = ModeDual
	}
	if r.local == nil {
		r.local = NewMemoryStore()
	}
	if r.now == nil {
		r.now = func() time.Time { return time.Now().UTC() }
	}
	if r.log == nil {
		r.log = slog.Default()
	}

	usePrimary := r.mode == ModePrimaryOnly || r.mode == ModeDual
	useSecondary := r.mode == ModeSecondaryOnly || r.mode == ModeDual
	if usePrimary && cfg.Primary.Enabled {
		if cfg.Primary.Provider == nil {
			r.log.Error("storage provider unavailable", "provider", NamePrimary, "err", ErrConfigurationMissing)
		} else {
			r.remotes = append(r.remotes, cfg.Primary.Provider)
			r.primary = cfg.Primary.Provider
		}
	}
	if useSecondary && cfg.Secondary.Enabled {
		if cfg.Secondary.Provider == nil {
			r.log.Error("storage provider unavailable", "provider", NameSecondary, "err", ErrConfigurationMissing)
		} else {
			r.remotes = append(r.remotes, cfg.Secondary.Provider)
		}
	}
	return r
}

// Mode returns the configured mode.
func (r *Router) Mode() Mode { return r.mode }

// Providers lists the active remote providers in read order.
func (r *Router) Providers() []string {
	names := make([]string, 0, len(r.remotes))
	for _, p := range r.remotes {
		names = append(names, p.Name())
	}
	return names
}

func (r *Router) documentCandidates() []Provider {
	out := make([]Provider, 0, len(r.remotes)+1)
	out = append(out, r.remotes...)
	return append(out, r.local)
}

func (r *Router) noRemote(op string) {
	r.log.Warn("no storage provider available", "op", op, "mode", string(r.mode))
}

func (r *Router) failed(op string, errs []error) error {
	if len(errs) == 0 {
		return fmt.Errorf("%s: %w: %w", op, ErrPersistenceFailure, ErrConfigurationMissing)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrPersistenceFailure, errors.Join(errs...))
}

// UpsertUser merges u into the stored record on every remote candidate.
// Each provider does get-merge-put on its own; two concurrent first sign-ups
// for the same email can both take the create path.
func (r *Router) UpsertUser(ctx context.Context, u domain.User) (domain.User, WriteResult, error) {
	if len(r.remotes) == 0 {
		r.noRemote("upsert_user")
		return domain.User{}, WriteResult{}, r.failed("upsert user", nil)
	}
	now := r.now()
	var (
		res  WriteResult
		out  domain.User
		errs []error
	)
	for _, p := range r.remotes {
		existing, ok, err := p.GetUserByEmail(ctx, u.Email)
		if err != nil {
			r.log.Warn("user lookup failed", "provider", p.Name(), "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
			continue
		}
		merged := mergeUser(existing, ok, u, now)
		if err := p.PutUser(ctx, merged); err != nil {
			r.log.Warn("user write failed", "provider", p.Name(), "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
			continue
		}
		if !res.Succeeded() {
			out = merged
		}
		res.SucceededOn = append(res.SucceededOn, p.Name())
	}
	if !res.Succeeded() {
		return domain.User{}, res, r.failed("upsert user", errs)
	}
	return out, res, nil
}

// mergeUser overwrites profile fields only with non-empty incoming values.
// The admin flag is sticky once granted.
func mergeUser(existing domain.User, found bool, incoming domain.User, now time.Time) domain.User {
	if !found {
		incoming.CreatedAt = now
		incoming.UpdatedAt = now
		return incoming
	}
	merged := existing
	if incoming.Name != "" {
		merged.Name = incoming.Name
	}
	if incoming.AvatarURL != "" {
		merged.AvatarURL = incoming.AvatarURL
	}
	if incoming.Provider != "" {
		merged.Provider = incoming.Provider
	}
	merged.IsAdmin = existing.IsAdmin || incoming.IsAdmin
	merged.UpdatedAt = now
	return merged
}

func (r *Router) GetUserByEmail(ctx context.Context, email string) (domain.User, bool) {
	if len(r.remotes) == 0 {
		r.noRemote("get_user")
		return domain.User{}, false
	}
	for _, p := range r.remotes {
		u, ok, err := p.GetUserByEmail(ctx, email)
		if err != nil {
			r.log.Warn("user lookup failed", "provider", p.Name(), "err", err)
			continue
		}
		if ok {
			return u, true
		}
	}
	return domain.User{}, false
}

func (r *Router) GetAllUsers(ctx context.Context) []domain.User {
	if len(r.remotes) == 0 {
		r.noRemote("list_users")
		return []domain.User{}
	}
	for _, p := range r.remotes {
		users, err := p.ListUsers(ctx)
		if err != nil {
			r.log.Warn("user list failed", "provider", p.Name(), "err", err)
			continue
		}
		if len(users) > 0 {
			return users
		}
	}
	return []domain.User{}
}

// DeleteUser reports true when any provider accepted the delete.
func (r *Router) DeleteUser(ctx context.Context, email string) bool {
	if len(r.remotes) == 0 {
		r.noRemote("delete_user")
		return false
	}
	deleted := false
	for _, p := range r.remotes {
		if err := p.DeleteUser(ctx, email); err != nil {
			r.log.Warn("user delete failed", "provider", p.Name(), "err", err)
			continue
		}
		deleted = true
	}
	return deleted
}

// SaveDocument stores d (OwnerID, Fingerprint, FileName, SizeBytes, Content)
// or touches the existing record for the same owner and fingerprint. IDs and
// timestamps are assigned here. The local store is written only when no remote
// provider accepted the document.
func (r *Router) SaveDocument(ctx context.Context, d domain.Document) (DocumentResult, error) {
	now := r.now()
	if existing, ok := r.GetDocumentByFingerprint(ctx, d.OwnerID, d.Fingerprint); ok {
		d.ID = existing.ID
		d.UploadedAt = existing.UploadedAt
	} else {
		d.ID = NewID()
		d.UploadedAt = now
	}
	d.LastAccessedAt = now

	var (
		out  DocumentResult
		errs []error
	)
	record := func(p Provider, stored domain.Document, existed bool) {
		if !out.Succeeded() {
			out.Document = stored
			out.Existing = existed
		}
		out.SucceededOn = append(out.SucceededOn, p.Name())
	}
	for _, p := range r.remotes {
		stored, existed, err := p.SaveDocument(ctx, d)
		if err != nil {
			r.log.Warn("document write failed", "provider", p.Name(), "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
			continue
		}
		record(p, stored, existed)
	}
	if !out.Succeeded() {
		stored, existed, err := r.local.SaveDocument(ctx, d)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.local.Name(), err))
			return DocumentResult{}, r.failed("save document", errs)
		}
		if len(r.remotes) > 0 {
			r.log.Warn("document kept in local store only", "owner", d.OwnerID, "fingerprint", d.Fingerprint)
		}
		record(r.local, stored, existed)
	}
	return out, nil
}

func (r *Router) GetUserDocuments(ctx context.Context, ownerID string) []domain.Document {
	for _, p := range r.documentCandidates() {
		docs, err := p.ListDocumentsByOwner(ctx, ownerID)
		if err != nil {
			r.log.Warn("document list failed", "provider", p.Name(), "err", err)
			continue
		}
		if len(docs) > 0 {
			return docs
		}
	}
	return []domain.Document{}
}

func (r *Router) GetDocumentByFingerprint(ctx context.Context, ownerID, fingerprint string) (domain.Document, bool) {
	for _, p := range r.documentCandidates() {
		d, ok, err := p.GetDocumentByFingerprint(ctx, ownerID, fingerprint)
		if err != nil {
			r.log.Warn("document lookup failed", "provider", p.Name(), "err", err)
			continue
		}
		if ok {
			return d, true
		}
	}
	return domain.Document{}, false
}

// SaveChatHistory creates a new history. ID and every timestamp are assigned
// here; caller-supplied message timestamps are ignored.
func (r *Router) SaveChatHistory(ctx context.Context, h domain.ChatHistory) (domain.ChatHistory, WriteResult, error) {
	if len(r.remotes) == 0 {
		r.noRemote("save_chat_history")
		return domain.ChatHistory{}, WriteResult{}, r.failed("save chat history", nil)
	}
	now := r.now()
	h = copyHistory(h)
	if h.ID == "" {
		h.ID = NewID()
	}
	if h.Messages == nil {
		h.Messages = []domain.ChatMessage{}
	}
	for i := range h.Messages {
		h.Messages[i].Timestamp = now
	}
	h.CreatedAt = now
	h.UpdatedAt = now

	var (
		res  WriteResult
		errs []error
	)
	for _, p := range r.remotes {
		if err := p.CreateChatHistory(ctx, h); err != nil {
			r.log.Warn("chat history write failed", "provider", p.Name(), "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
			continue
		}
		res.SucceededOn = append(res.SucceededOn, p.Name())
	}
	if !res.Succeeded() {
		return domain.ChatHistory{}, res, r.failed("save chat history", errs)
	}
	return h, res, nil
}

// UpdateChatHistory appends msgs, in order, to history id.
func (r *Router) UpdateChatHistory(ctx context.Context, id string, msgs []domain.ChatMessage) (domain.ChatHistory, WriteResult, error) {
	if len(r.remotes) == 0 {
		r.noRemote("update_chat_history")
		return domain.ChatHistory{}, WriteResult{}, r.failed("update chat history", nil)
	}
	now := r.now()
	stamped := copyMessages(msgs)
	for i := range stamped {
		stamped[i].Timestamp = now
	}

	var (
		res  WriteResult
		out  domain.ChatHistory
		errs []error
	)
	for _, p := range r.remotes {
		h, err := p.AppendChatMessages(ctx, id, stamped, now)
		if err != nil {
			r.log.Warn("chat history append failed", "provider", p.Name(), "history_id", id, "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
			continue
		}
		if !res.Succeeded() {
			out = h
		}
		res.SucceededOn = append(res.SucceededOn, p.Name())
	}
	if !res.Succeeded() {
		return domain.ChatHistory{}, res, r.failed("update chat history", errs)
	}
	return out, res, nil
}

func (r *Router) GetChatHistory(ctx context.Context, id string) (domain.ChatHistory, bool) {
	if len(r.remotes) == 0 {
		r.noRemote("get_chat_history")
		return domain.ChatHistory{}, false
	}
	for _, p := range r.remotes {
		h, ok, err := p.GetChatHistory(ctx, id)
		if err != nil {
			r.log.Warn("chat history lookup failed", "provider", p.Name(), "err", err)
			continue
		}
		if ok {
			return h, true
		}
	}
	return domain.ChatHistory{}, false
}

// GetUserChatHistory lists the owner's histories, most recent first.
func (r *Router) GetUserChatHistory(ctx context.Context, ownerID string) []domain.ChatHistory {
	if len(r.remotes) == 0 {
		r.noRemote("list_chat_history")
		return []domain.ChatHistory{}
	}
	for _, p := range r.remotes {
		list, err := p.ListChatHistoriesByOwner(ctx, ownerID)
		if err != nil {
			r.log.Warn("chat history list failed", "provider", p.Name(), "err", err)
			continue
		}
		if len(list) > 0 {
			return list
		}
	}
	return []domain.ChatHistory{}
}

// DeleteChatHistory reports true when any provider accepted the delete.
func (r *Router) DeleteChatHistory(ctx context.Context, id string) bool {
	if len(r.remotes) == 0 {
		r.noRemote("delete_chat_history")
		return false
	}
	deleted := false
	for _, p := range r.remotes {
		if err := p.DeleteChatHistory(ctx, id); err != nil {
			r.log.Warn("chat history delete failed", "provider", p.Name(), "history_id", id, "err", err)
			continue
		}
		deleted = true
	}
	return deleted
}

// SubscribeToUserChatHistory opens a live feed on the primary provider. The
// zero Subscription (Supported() == false) is returned when the primary is not
// active or cannot push.
func (r *Router) SubscribeToUserChatHistory(ctx context.Context, ownerID string) (Subscription, error) {
	if r.primary == nil {
		return Subscription{}, nil
	}
	sub, ok := r.primary.(Subscriber)
	if !ok {
		return Subscription{}, nil
	}
	subCtx, cancel := context.WithCancel(ctx)
	updates, err := sub.SubscribeChatHistories(subCtx, ownerID)
	if err != nil {
		cancel()
		r.log.Warn("chat history subscribe failed", "provider", r.primary.Name(), "err", err)
		return Subscription{}, fmt.Errorf("subscribe chat history: %w", err)
	}
	return Subscription{updates: updates, cancel: cancel}, nil
}
