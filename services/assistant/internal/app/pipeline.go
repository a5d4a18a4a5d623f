package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"golang.org/x/sync/errgroup"
	"talqs/internal/util"
	"talqs/pkg/domain"
	"talqs/pkg/extractive"
	"talqs/pkg/fingerprint"
	"talqs/pkg/textproc"
)

// NotEnoughInformation is answered when a question arrives without any
// document to answer from.
const NotEnoughInformation = "There is not enough information in the provided document to answer this question."

const defaultDocumentName = "Pasted text"

type stage string

const (
	stageReceived      stage = "RECEIVED"
	stageFingerprinted stage = "FINGERPRINTED"
	stageDedupHit      stage = "DEDUP_HIT"
	stageStored        stage = "STORED"
	stageNormalized    stage = "NORMALIZED"
	stageChunked       stage = "CHUNKED"
	stageSummarized    stage = "SUMMARIZED"
	stageAnswered      stage = "ANSWERED"
	stagePersisted     stage = "PERSISTED_HISTORY"
	stageDone          stage = "DONE"
)

func storedStage(existing bool) stage {
	if existing {
		return stageDedupHit
	}
	return stageStored
}

// trace logs pipeline transitions at debug level.
type trace struct {
	ctx context.Context
	log *slog.Logger
}

func newTrace(ctx context.Context, op string) trace {
	return trace{ctx: ctx, log: util.LoggerFromContext(ctx).With("op", op)}
}

func (t trace) step(s stage, args ...any) {
	t.log.Log(t.ctx, slog.LevelDebug, "pipeline", append([]any{"stage", string(s)}, args...)...)
}

var fillerPhrases = regexp.MustCompile(`(?i)[ \t]*\b(?:the following|as follows|in summary|this means that)\b[ \t]*([,;:]?)[ \t]*`)

// stripFiller removes stock filler phrases. Only the spacing and punctuation
// around a removed phrase is touched; the rest of the text is left as is.
func stripFiller(s string) string {
	matches := fillerPhrases.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s
	}
	var b strings.Builder
	prev := 0
	for _, m := range matches {
		b.WriteString(s[prev:m[0]])
		prev = m[1]
		out := b.String()
		if out == "" || strings.HasSuffix(out, "\n") {
			// a phrase opening a line goes with its trailing punctuation
			continue
		}
		b.WriteString(s[m[2]:m[3]])
		if m[1] < len(s) && !strings.ContainsRune(".,;:\n", rune(s[m[1]])) {
			b.WriteByte(' ')
		}
	}
	b.WriteString(s[prev:])
	return b.String()
}

// DocumentInput selects the document a request works on: inline Content
// wins, otherwise Fingerprint refers to one of the owner's stored documents.
type DocumentInput struct {
	Content     string
	Fingerprint string
	FileName    string
}

type resolvedDocument struct {
	content string
	ref     *domain.DocumentRef
}

// resolveDocument finds the content and stores or touches the document so
// that repeated requests over the same text share one record.
func (a *App) resolveDocument(ctx context.Context, tr trace, ownerID string, in DocumentInput) (resolvedDocument, bool, error) {
	content := in.Content
	name := strings.TrimSpace(in.FileName)
	if strings.TrimSpace(content) == "" {
		fp := strings.TrimSpace(in.Fingerprint)
		if fp == "" {
			return resolvedDocument{}, false, nil
		}
		doc, ok := a.router.GetDocumentByFingerprint(ctx, ownerID, fp)
		if !ok {
			return resolvedDocument{}, false, ErrDocumentNotFound
		}
		content = doc.Content
		if name == "" {
			name = doc.FileName
		}
	}
	if name == "" {
		name = defaultDocumentName
	}
	tr.step(stageReceived, "file", name, "chars", len(content))

	fp := fingerprint.Of(content)
	tr.step(stageFingerprinted, "fingerprint", fp)

	ref := &domain.DocumentRef{Name: name, Fingerprint: fp}
	res, err := a.router.SaveDocument(ctx, domain.Document{
		OwnerID:     ownerID,
		Fingerprint: fp,
		FileName:    name,
		SizeBytes:   int64(len(content)),
		Content:     content,
	})
	if err != nil {
		tr.log.Warn("document save failed", "fingerprint", fp, "err", err)
	} else {
		ref = res.Document.Ref()
		tr.step(storedStage(res.Existing), "document_id", res.Document.ID, "providers", res.SucceededOn)
	}
	return resolvedDocument{content: content, ref: ref}, true, nil
}

type SummarizeRequest struct {
	OwnerID   string
	HistoryID string
	DocumentInput
}

type SummarizeResult struct {
	Summary        string              `json:"summary"`
	Document       *domain.DocumentRef `json:"document"`
	Chunks         int                 `json:"chunks"`
	FallbackChunks int                 `json:"fallbackChunks"`
	HistoryID      string              `json:"historyId,omitempty"`
}

// Summarize condenses a document chunk by chunk. Every chunk the remote
// service cannot handle is summarized extractively instead, so the call only
// fails for missing input. Summaries are recomputed on every call.
func (a *App) Summarize(ctx context.Context, req SummarizeRequest) (SummarizeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, a.requestTimeout)
	defer cancel()
	tr := newTrace(ctx, "summarize")

	doc, ok, err := a.resolveDocument(ctx, tr, req.OwnerID, req.DocumentInput)
	if err != nil {
		return SummarizeResult{}, err
	}
	if !ok {
		return SummarizeResult{}, ErrContentRequired
	}

	text := textproc.Normalize(doc.content)
	if text == "" {
		return SummarizeResult{}, ErrContentRequired
	}
	tr.step(stageNormalized, "chars", len(text))
	chunks := textproc.Chunk(text, a.chunkMaxTokens)
	tr.step(stageChunked, "chunks", len(chunks), "max_tokens", a.chunkMaxTokens)

	parts, fallbacks := a.summarizeChunks(ctx, tr, chunks)
	summary := strings.TrimSpace(stripFiller(strings.Join(parts, "\n\n")))
	tr.step(stageSummarized, "fallback_chunks", fallbacks)

	historyID := a.persistExchange(ctx, tr, req.OwnerID, req.HistoryID, doc.ref, []domain.ChatMessage{
		{Role: domain.RoleUser, Content: "Summarize " + doc.ref.Name},
		{Role: domain.RoleAI, Content: summary},
	})
	tr.step(stageDone)
	return SummarizeResult{
		Summary:        summary,
		Document:       doc.ref,
		Chunks:         len(chunks),
		FallbackChunks: fallbacks,
		HistoryID:      historyID,
	}, nil
}

// summarizeChunks runs the remote summarizer over chunks with bounded
// concurrency. Results keep chunk order.
func (a *App) summarizeChunks(ctx context.Context, tr trace, chunks []string) ([]string, int) {
	parts := make([]string, len(chunks))
	fellBack := make([]bool, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)
	for i, chunk := range chunks {
		g.Go(func() error {
			if a.inference != nil {
				s, err := a.inference.SummarizeChunk(gctx, chunk)
				if err == nil {
					parts[i] = s
					return nil
				}
				tr.log.Warn("remote summarize failed, using extractive summary", "chunk", i, "err", err)
			}
			parts[i] = extractive.SummarizeChunk(chunk)
			fellBack[i] = true
			return nil
		})
	}
	_ = g.Wait()

	fallbacks := 0
	for _, fb := range fellBack {
		if fb {
			fallbacks++
		}
	}
	return parts, fallbacks
}

type AnswerRequest struct {
	OwnerID   string
	HistoryID string
	Question  string
	DocumentInput
}

type AnswerResult struct {
	Answer    string              `json:"answer"`
	Document  *domain.DocumentRef `json:"document,omitempty"`
	Fallback  bool                `json:"fallback"`
	HistoryID string              `json:"historyId,omitempty"`
}

// Answer replies to one question about a document. Without any document the
// fixed NotEnoughInformation reply is returned and still recorded.
func (a *App) Answer(ctx context.Context, req AnswerRequest) (AnswerResult, error) {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return AnswerResult{}, ErrQuestionRequired
	}
	ctx, cancel := context.WithTimeout(ctx, a.requestTimeout)
	defer cancel()
	tr := newTrace(ctx, "answer")

	doc, ok, err := a.resolveDocument(ctx, tr, req.OwnerID, req.DocumentInput)
	if err != nil && !errors.Is(err, ErrDocumentNotFound) {
		return AnswerResult{}, err
	}

	out := AnswerResult{}
	if !ok {
		out.Answer = NotEnoughInformation
	} else {
		out.Document = doc.ref
		text := textproc.Normalize(doc.content)
		tr.step(stageNormalized, "chars", len(text))
		out.Answer, out.Fallback = a.answerOne(ctx, tr, text, question)
	}
	tr.step(stageAnswered, "fallback", out.Fallback)

	out.HistoryID = a.persistExchange(ctx, tr, req.OwnerID, req.HistoryID, out.Document, []domain.ChatMessage{
		{Role: domain.RoleUser, Content: question},
		{Role: domain.RoleAI, Content: out.Answer},
	})
	tr.step(stageDone)
	return out, nil
}

func (a *App) answerOne(ctx context.Context, tr trace, text, question string) (string, bool) {
	if text == "" {
		return NotEnoughInformation, false
	}
	if a.inference != nil {
		answer, err := a.inference.Answer(ctx, text, question)
		if err == nil {
			return answer, false
		}
		tr.log.Warn("remote answer failed, using extractive answer", "err", err)
	}
	return extractive.Answer(text, question), true
}

type AnswerAllRequest struct {
	OwnerID   string
	HistoryID string
	DocumentInput
}

type AnswerAllResult struct {
	Answers   []domain.QAPair     `json:"answers"`
	Document  *domain.DocumentRef `json:"document"`
	Fallback  bool                `json:"fallback"`
	HistoryID string              `json:"historyId,omitempty"`
}

// AnswerAll runs the standard legal question set over a document.
func (a *App) AnswerAll(ctx context.Context, req AnswerAllRequest) (AnswerAllResult, error) {
	ctx, cancel := context.WithTimeout(ctx, a.requestTimeout)
	defer cancel()
	tr := newTrace(ctx, "answer_all")

	doc, ok, err := a.resolveDocument(ctx, tr, req.OwnerID, req.DocumentInput)
	if err != nil {
		return AnswerAllResult{}, err
	}
	if !ok {
		return AnswerAllResult{}, ErrContentRequired
	}
	text := textproc.Normalize(doc.content)
	if text == "" {
		return AnswerAllResult{}, ErrContentRequired
	}
	tr.step(stageNormalized, "chars", len(text))

	out := AnswerAllResult{Document: doc.ref}
	if a.inference != nil {
		pairs, err := a.inference.AnswerAll(ctx, text)
		if err == nil && len(pairs) > 0 {
			out.Answers = pairs
		} else {
			tr.log.Warn("remote bulk answer failed, using extractive answers", "err", err)
		}
	}
	if out.Answers == nil {
		out.Answers = extractive.AnswerDefaults(text)
		out.Fallback = true
	}
	tr.step(stageAnswered, "pairs", len(out.Answers), "fallback", out.Fallback)

	historyID := req.HistoryID
	for _, pair := range out.Answers {
		id := a.persistExchange(ctx, tr, req.OwnerID, historyID, doc.ref, []domain.ChatMessage{
			{Role: domain.RoleUser, Content: pair.Question},
			{Role: domain.RoleAI, Content: pair.Answer},
		})
		if id != "" {
			historyID = id
			out.HistoryID = id
		}
	}
	tr.step(stageDone)
	return out, nil
}

// persistExchange records msgs in order. The target is the explicit history
// when it belongs to the owner, else the owner's history about the same
// document, else a new one. Failures are logged and yield "".
func (a *App) persistExchange(ctx context.Context, tr trace, ownerID, historyID string, doc *domain.DocumentRef, msgs []domain.ChatMessage) string {
	target := ""
	if historyID != "" {
		if h, ok := a.router.GetChatHistory(ctx, historyID); ok && h.OwnerID == ownerID {
			target = h.ID
		} else {
			tr.log.Warn("history not found for owner, choosing another", "history_id", historyID)
		}
	}
	if target == "" && doc != nil {
		for _, h := range a.router.GetUserChatHistory(ctx, ownerID) {
			if h.Document != nil && h.Document.Fingerprint == doc.Fingerprint {
				target = h.ID
				break
			}
		}
	}

	if target != "" {
		h, res, err := a.router.UpdateChatHistory(ctx, target, msgs)
		if err != nil {
			tr.log.Error("chat history append failed", "history_id", target, "err", err)
			return ""
		}
		tr.step(stagePersisted, "history_id", h.ID, "appended", len(msgs), "providers", res.SucceededOn)
		return h.ID
	}

	h, res, err := a.router.SaveChatHistory(ctx, domain.ChatHistory{OwnerID: ownerID, Messages: msgs, Document: doc})
	if err != nil {
		tr.log.Error("chat history create failed", "err", fmt.Errorf("create history: %w", err))
		return ""
	}
	tr.step(stagePersisted, "history_id", h.ID, "created", true, "providers", res.SucceededOn)
	return h.ID
}
