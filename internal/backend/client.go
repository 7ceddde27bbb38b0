// Package backend talks to the question-answering service and the report
// generator.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"chatrelay/internal/domain"
)

const (
	DefaultChatURL   = "http://0.0.0.0:8000/chatbot/"
	DefaultReportURL = "http://0.0.0.0:8002/run_notebook/"
	DefaultTimeout   = 60 * time.Second

	maxAnswerBytes = 4 << 20
	maxReportBytes = 64 << 20
	maxErrorBody   = 512

	requestIDHeader = "X-Request-ID"
)

// Client implements domain.Answerer and domain.ReportFetcher.
type Client struct {
	chatURL   string
	reportURL string
	client    *http.Client
	logger    zerolog.Logger
}

type ClientConfig struct {
	ChatURL   string
	ReportURL string
	Timeout   time.Duration
	// HTTPClient overrides the pooled client; Timeout is ignored then.
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.ChatURL == "" {
		cfg.ChatURL = DefaultChatURL
	}
	if cfg.ReportURL == "" {
		cfg.ReportURL = DefaultReportURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = SharedHTTPClient(cfg.Timeout)
	}
	return &Client{
		chatURL:   cfg.ChatURL,
		reportURL: cfg.ReportURL,
		client:    client,
		logger:    cfg.Logger.With().Str("component", "backend").Logger(),
	}
}

type askRequest struct {
	Text string `json:"text"`
}

// Ask posts one question. The call is made exactly once; every failure is
// returned as *domain.BackendError.
func (c *Client) Ask(ctx context.Context, text string) (domain.AnswerResult, error) {
	payload, err := json.Marshal(askRequest{Text: text})
	if err != nil {
		return domain.AnswerResult{}, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.chatURL, bytes.NewReader(payload))
	if err != nil {
		return domain.AnswerResult{}, &domain.BackendError{Kind: domain.BackendTransport, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	reqID := c.tag(req)

	start := time.Now()
	body, status, err := c.do(req, maxAnswerBytes)
	log := c.logger.With().Str("request_id", reqID).Int("status", status).Dur("elapsed", time.Since(start)).Logger()
	if err != nil {
		log.Warn().Err(err).Msg("ask failed")
		return domain.AnswerResult{}, err
	}

	result, err := parseAnswer(body, status)
	if err != nil {
		log.Warn().Err(err).Msg("ask returned unexpected body")
		return domain.AnswerResult{}, err
	}
	log.Debug().Str("reference_index", result.ReferenceIndex).Msg("ask ok")
	return result, nil
}

// parseAnswer reads data.message and data.index from a chat response.
func parseAnswer(body []byte, status int) (domain.AnswerResult, error) {
	if !gjson.ValidBytes(body) {
		return domain.AnswerResult{}, &domain.BackendError{
			Kind:       domain.BackendShape,
			StatusCode: status,
			Body:       truncate(body),
			Err:        errors.New("response is not valid JSON"),
		}
	}

	data := gjson.GetManyBytes(body, "data.message", "data.index")
	msg, idx := data[0], data[1]
	if !msg.Exists() || msg.Type == gjson.Null || msg.IsObject() || msg.IsArray() {
		return domain.AnswerResult{}, &domain.BackendError{
			Kind:       domain.BackendShape,
			StatusCode: status,
			Body:       truncate(body),
			Err:        errors.New("missing data.message"),
		}
	}

	result := domain.AnswerResult{Text: msg.String(), OK: true}
	if idx.Exists() && idx.Type != gjson.Null {
		result.ReferenceIndex = idx.String()
	}
	return result, nil
}

// FetchReport triggers the report generator and returns its body verbatim.
func (c *Client) FetchReport(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.reportURL, nil)
	if err != nil {
		return nil, &domain.BackendError{Kind: domain.BackendTransport, Err: err}
	}
	reqID := c.tag(req)

	start := time.Now()
	body, status, err := c.do(req, maxReportBytes)
	if err != nil {
		c.logger.Warn().Err(err).Str("request_id", reqID).Int("status", status).Msg("report fetch failed")
		return nil, err
	}
	c.logger.Info().
		Str("request_id", reqID).
		Int("bytes", len(body)).
		Dur("elapsed", time.Since(start)).
		Msg("report fetched")
	return body, nil
}

// Ping checks that the chat endpoint answers HTTP at all. Any status
// counts as reachable.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.chatURL, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("backend not reachable: %w", err)
	}
	resp.Body.Close()
	return nil
}

func (c *Client) tag(req *http.Request) string {
	id := uuid.NewString()
	req.Header.Set(requestIDHeader, id)
	return id
}

// do executes req once and returns the body of a 2xx response.
func (c *Client) do(req *http.Request, limit int64) ([]byte, int, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, &domain.BackendError{Kind: domain.BackendTransport, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, resp.StatusCode, &domain.BackendError{
			Kind:       domain.BackendTransport,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("read body: %w", err),
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, resp.StatusCode, &domain.BackendError{
			Kind:       domain.BackendStatus,
			StatusCode: resp.StatusCode,
			Body:       truncate(body),
		}
	}
	return body, resp.StatusCode, nil
}

func truncate(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > maxErrorBody {
		return s[:maxErrorBody] + "..."
	}
	return s
}
