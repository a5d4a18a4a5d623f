package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"talqs/pkg/domain"
)

// ErrRemoteUnavailable covers every way an inference call can fail: transport
// errors, timeouts, non-2xx statuses and unusable payloads.
var ErrRemoteUnavailable = errors.New("remote inference unavailable")

const (
	defaultInferenceTimeout = 30 * time.Second
	defaultSummaryMaxLength = 150
	defaultSummaryMinLength = 30
)

// InferenceConfig points the client at the summarization and QA services.
type InferenceConfig struct {
	SummarizeURL  string
	AnswerURL     string
	BulkAnswerURL string
	HealthURL     string
	Timeout       time.Duration
	MaxLength     int
	MinLength     int
	HTTPClient    *http.Client
}

// InferenceClient talks to the remote summarization and question answering
// services. It never retries; callers decide what to do on failure.
type InferenceClient struct {
	summarizeURL  string
	answerURL     string
	bulkAnswerURL string
	healthURL     string
	maxLength     int
	minLength     int
	httpClient    *http.Client
}

// NewInferenceClient builds a client. Empty endpoint URLs make the matching
// call fail with ErrRemoteUnavailable.
func NewInferenceClient(cfg InferenceConfig) *InferenceClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultInferenceTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	maxLength := cfg.MaxLength
	if maxLength <= 0 {
		maxLength = defaultSummaryMaxLength
	}
	minLength := cfg.MinLength
	if minLength <= 0 || minLength > maxLength {
		minLength = defaultSummaryMinLength
	}
	return &InferenceClient{
		summarizeURL:  strings.TrimSpace(cfg.SummarizeURL),
		answerURL:     strings.TrimSpace(cfg.AnswerURL),
		bulkAnswerURL: strings.TrimSpace(cfg.BulkAnswerURL),
		healthURL:     strings.TrimSpace(cfg.HealthURL),
		maxLength:     maxLength,
		minLength:     minLength,
		httpClient:    httpClient,
	}
}

// SummarizeChunk asks the summarization service for a summary of one chunk.
func (c *InferenceClient) SummarizeChunk(ctx context.Context, text string) (string, error) {
	reqBody := summarizeRequest{
		Text:      text,
		MaxLength: c.maxLength,
		MinLength: c.minLength,
	}
	var resp summarizeResponse
	if err := c.doJSON(ctx, c.summarizeURL, reqBody, &resp); err != nil {
		return "", err
	}
	if resp.Warning != "" {
		slog.Warn("summarization service degraded", "warning", resp.Warning)
	}
	summary := strings.TrimSpace(resp.Summary)
	if summary == "" {
		return "", fmt.Errorf("%w: empty summary", ErrRemoteUnavailable)
	}
	return summary, nil
}

// Answer asks the QA service to answer question from the document text.
func (c *InferenceClient) Answer(ctx context.Context, document, question string) (string, error) {
	var resp answerResponse
	if err := c.doJSON(ctx, c.answerURL, answerRequest{Context: document, Question: question}, &resp); err != nil {
		return "", err
	}
	answer := strings.TrimSpace(resp.Answer)
	if answer == "" {
		return "", fmt.Errorf("%w: empty answer", ErrRemoteUnavailable)
	}
	return answer, nil
}

// AnswerAll sends the whole document to the bulk endpoint, which answers its
// own list of default questions.
func (c *InferenceClient) AnswerAll(ctx context.Context, text string) ([]domain.QAPair, error) {
	var resp bulkAnswerResponse
	if err := c.doJSON(ctx, c.bulkAnswerURL, bulkAnswerRequest{Text: text}, &resp); err != nil {
		return nil, err
	}
	pairs := make([]domain.QAPair, 0, len(resp.Answers))
	for _, p := range resp.Answers {
		q := strings.TrimSpace(p.Question)
		if q == "" {
			continue
		}
		pairs = append(pairs, domain.QAPair{Question: q, Answer: strings.TrimSpace(p.Answer)})
	}
	if len(pairs) == 0 {
		return nil, fmt.Errorf("%w: empty answer list", ErrRemoteUnavailable)
	}
	return pairs, nil
}

// Health probes the summarization service health endpoint.
func (c *InferenceClient) Health(ctx context.Context) error {
	if c.healthURL == "" {
		return fmt.Errorf("%w: health url not configured", ErrRemoteUnavailable)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.healthURL, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: health status %s", ErrRemoteUnavailable, resp.Status)
	}
	var body healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("%w: decode health: %v", ErrRemoteUnavailable, err)
	}
	if body.Status != "ok" {
		return fmt.Errorf("%w: health status %q", ErrRemoteUnavailable, body.Status)
	}
	return nil
}

func (c *InferenceClient) doJSON(ctx context.Context, url string, payload any, out any) error {
	if url == "" {
		return fmt.Errorf("%w: endpoint not configured", ErrRemoteUnavailable)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp inferenceErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		if errResp.Detail != "" {
			return fmt.Errorf("%w: %s: %s", ErrRemoteUnavailable, resp.Status, errResp.Detail)
		}
		return fmt.Errorf("%w: %s", ErrRemoteUnavailable, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrRemoteUnavailable, err)
	}
	return nil
}

type summarizeRequest struct {
	Text      string `json:"text"`
	MaxLength int    `json:"max_length,omitempty"`
	MinLength int    `json:"min_length,omitempty"`
}

type summarizeResponse struct {
	Summary string `json:"summary"`
	Warning string `json:"warning,omitempty"`
}

type answerRequest struct {
	Context  string `json:"context"`
	Question string `json:"question"`
}

type answerResponse struct {
	Answer string `json:"answer"`
}

type bulkAnswerRequest struct {
	Text string `json:"text"`
}

type bulkAnswerResponse struct {
	Answers []domain.QAPair `json:"answers"`
}

type healthResponse struct {
	Status string `json:"status"`
}

// FastAPI style error body.
type inferenceErrorResponse struct {
	Detail string `json:"detail"`
}
