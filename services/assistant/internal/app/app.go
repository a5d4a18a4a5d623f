package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"talqs/internal/util"
	"talqs/pkg/domain"
	"talqs/pkg/fingerprint"
	"talqs/pkg/storage"
	"talqs/pkg/store"
	"talqs/pkg/textproc"
)

const (
	// MinDocumentChars is the shortest normalized upload accepted.
	MinDocumentChars          = 50
	defaultSummaryConcurrency = 4
	defaultRequestTimeout     = 120 * time.Second
	defaultPresignExpiry      = 15 * time.Minute
)

// DefaultExtensions are the upload types the parser understands.
var DefaultExtensions = []string{".txt", ".md", ".pdf", ".html", ".htm"}

// Inference is the remote model service. Any error makes the pipeline use
// the extractive fallback for that call.
type Inference interface {
	SummarizeChunk(ctx context.Context, text string) (string, error)
	Answer(ctx context.Context, document, question string) (string, error)
	AnswerAll(ctx context.Context, text string) ([]domain.QAPair, error)
	Health(ctx context.Context) error
}

// Config holds runtime configuration for the core application.
type Config struct {
	Router             *store.Router
	Inference          Inference
	Archive            storage.Archive
	ChunkMaxTokens     int
	SummaryConcurrency int
	RequestTimeout     time.Duration
	AllowedExtensions  []string
}

// App wires the persistence router, inference and the document pipeline.
type App struct {
	router         *store.Router
	inference      Inference
	archive        storage.Archive
	chunkMaxTokens int
	concurrency    int
	requestTimeout time.Duration
	allowedExt     map[string]struct{}
}

// New validates cfg and builds the application.
func New(cfg Config) (*App, error) {
	if cfg.Router == nil {
		return nil, errors.New("persistence router required")
	}
	a := &App{
		router:         cfg.Router,
		inference:      cfg.Inference,
		archive:        cfg.Archive,
		chunkMaxTokens: cfg.ChunkMaxTokens,
		concurrency:    cfg.SummaryConcurrency,
		requestTimeout: cfg.RequestTimeout,
		allowedExt:     make(map[string]struct{}),
	}
	if a.chunkMaxTokens <= 0 {
		a.chunkMaxTokens = textproc.DefaultMaxTokens
	}
	if a.concurrency <= 0 {
		a.concurrency = defaultSummaryConcurrency
	}
	if a.requestTimeout <= 0 {
		a.requestTimeout = defaultRequestTimeout
	}
	exts := cfg.AllowedExtensions
	if len(exts) == 0 {
		exts = DefaultExtensions
	}
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		a.allowedExt[ext] = struct{}{}
	}
	return a, nil
}

// Status describes readiness for probes.
type Status struct {
	StorageMode string   `json:"storageMode"`
	Providers   []string `json:"providers"`
	Inference   string   `json:"inference"`
}

// Status reports the storage layout and whether remote inference answers.
func (a *App) Status(ctx context.Context) Status {
	st := Status{StorageMode: string(a.router.Mode()), Providers: a.router.Providers(), Inference: "disabled"}
	if a.inference != nil {
		st.Inference = "ok"
		if err := a.inference.Health(ctx); err != nil {
			util.LoggerFromContext(ctx).Warn("inference health check failed", "err", err)
			st.Inference = "unavailable"
		}
	}
	return st
}

// SyncUser upserts the caller from verified token claims.
func (a *App) SyncUser(ctx context.Context, u domain.User) (domain.User, error) {
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	if u.Email == "" {
		return domain.User{}, errors.New("email required")
	}
	saved, res, err := a.router.UpsertUser(ctx, u)
	if err != nil {
		return domain.User{}, err
	}
	util.LoggerFromContext(ctx).Debug("user synced", "email", saved.Email, "providers", res.SucceededOn)
	return saved, nil
}

func (a *App) GetUser(ctx context.Context, email string) (domain.User, bool) {
	return a.router.GetUserByEmail(ctx, email)
}

func (a *App) ListUsers(ctx context.Context) []domain.User {
	return a.router.GetAllUsers(ctx)
}

// DeleteUser removes a user record. Documents and histories stay.
func (a *App) DeleteUser(ctx context.Context, email string) error {
	if _, ok := a.router.GetUserByEmail(ctx, email); !ok {
		return ErrUserNotFound
	}
	if !a.router.DeleteUser(ctx, email) {
		return fmt.Errorf("delete user: %w", store.ErrPersistenceFailure)
	}
	return nil
}

// IngestResult is the outcome of an upload.
type IngestResult struct {
	Document domain.Document
	Existing bool
	Archived bool
}

// Ingest extracts text from an uploaded file and stores it for the owner.
// Identical text already stored for the owner only has its access time moved.
func (a *App) Ingest(ctx context.Context, ownerID, fileName string, data []byte) (IngestResult, error) {
	ctx, cancel := context.WithTimeout(ctx, a.requestTimeout)
	defer cancel()
	tr := newTrace(ctx, "ingest")

	fileName = filepath.Base(strings.TrimSpace(fileName))
	ext := strings.ToLower(filepath.Ext(fileName))
	if _, ok := a.allowedExt[ext]; !ok {
		return IngestResult{}, fmt.Errorf("%w: %q", ErrUnsupportedFile, ext)
	}
	tr.step(stageReceived, "file", fileName, "bytes", len(data))

	raw, err := extractText(fileName, data)
	if err != nil {
		return IngestResult{}, err
	}
	text := textproc.Normalize(raw)
	if len([]rune(text)) < MinDocumentChars {
		return IngestResult{}, ErrDocumentTooShort
	}
	fp := fingerprint.Of(text)
	tr.step(stageFingerprinted, "fingerprint", fp)

	res, err := a.router.SaveDocument(ctx, domain.Document{
		OwnerID:     ownerID,
		Fingerprint: fp,
		FileName:    fileName,
		SizeBytes:   int64(len(data)),
		Content:     text,
	})
	if err != nil {
		return IngestResult{}, fmt.Errorf("save document: %w", err)
	}
	tr.step(storedStage(res.Existing), "document_id", res.Document.ID, "providers", res.SucceededOn)

	out := IngestResult{Document: res.Document, Existing: res.Existing}
	if a.archive != nil {
		key := storage.ArchiveKey(ownerID, fp, fileName)
		if err := a.archive.Put(ctx, key, bytes.NewReader(data), int64(len(data)), contentType(fileName)); err != nil {
			tr.log.Warn("archive upload failed", "key", key, "err", err)
		} else {
			out.Archived = true
		}
	}
	tr.step(stageDone)
	return out, nil
}

// Documents lists the owner's stored documents.
func (a *App) Documents(ctx context.Context, ownerID string) []domain.Document {
	return a.router.GetUserDocuments(ctx, ownerID)
}

// OriginalURL returns a download link for an archived upload.
func (a *App) OriginalURL(ctx context.Context, ownerID, fp string) (string, error) {
	doc, ok := a.router.GetDocumentByFingerprint(ctx, ownerID, fp)
	if !ok {
		return "", ErrDocumentNotFound
	}
	if a.archive == nil {
		return "", ErrDocumentNotFound
	}
	u, err := a.archive.PresignGet(ctx, storage.ArchiveKey(ownerID, doc.Fingerprint, doc.FileName), defaultPresignExpiry)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return "", ErrDocumentNotFound
	}
	return u, err
}

// Histories lists the owner's chat histories, most recent first.
func (a *App) Histories(ctx context.Context, ownerID string) []domain.ChatHistory {
	return a.router.GetUserChatHistory(ctx, ownerID)
}

// DeleteHistory removes one of the owner's histories from every provider.
func (a *App) DeleteHistory(ctx context.Context, ownerID, id string) error {
	h, ok := a.router.GetChatHistory(ctx, id)
	if !ok || h.OwnerID != ownerID {
		return ErrHistoryNotFound
	}
	if !a.router.DeleteChatHistory(ctx, id) {
		return fmt.Errorf("delete history: %w", store.ErrPersistenceFailure)
	}
	return nil
}

// SubscribeHistories opens a live feed of the owner's histories.
func (a *App) SubscribeHistories(ctx context.Context, ownerID string) (store.Subscription, error) {
	return a.router.SubscribeToUserChatHistory(ctx, ownerID)
}

func contentType(fileName string) string {
	ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(fileName)))
	if ct == "" {
		return "application/octet-stream"
	}
	return ct
}
