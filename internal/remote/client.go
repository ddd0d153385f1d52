// Package remote is the HTTP client for the assessment API the engine syncs
// answers, flags, violations and submissions to.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/stemsi/exstem-agent/internal/metrics"
	"github.com/stemsi/exstem-agent/internal/model"
)

// maxBodyBytes bounds how much of a response body is read.
const maxBodyBytes = 1 << 20

// ─── Payloads ─────────────────────────────────────────────────────────

// AnswerPayload is the body of the answer save call.
type AnswerPayload struct {
	QuestionID       string          `json:"questionId"`
	Answer           json.RawMessage `json:"answer"`
	TimeSpentSeconds int64           `json:"timeSpentSeconds"`
}

type flagPayload struct {
	IsFlagged bool `json:"isFlagged"`
}

type submitPayload struct {
	ClientMeta model.ClientMeta `json:"clientMeta"`
}

// ViolationPayload is the body of the proctoring report call.
type ViolationPayload struct {
	ViolationType model.ViolationType `json:"violationType"`
	Metadata      map[string]string   `json:"metadata"`
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}

// ─── Client ───────────────────────────────────────────────────────────

// Options configures a Client.
type Options struct {
	BaseURL     string
	AccessToken string
	Timeout     time.Duration
	// MaxRPS caps outgoing requests per second (0 = unlimited).
	MaxRPS     float64
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// Client talks to the assessment API.
type Client struct {
	base    *url.URL
	token   string
	http    *http.Client
	limiter *rate.Limiter
	log     zerolog.Logger
}

// NewClient validates opts and builds a Client.
func NewClient(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid API base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid API base URL %q: scheme must be http or https", opts.BaseURL)
	}

	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}

	c := &Client{
		base:  base,
		token: opts.AccessToken,
		http:  hc,
		log:   opts.Logger.With().Str("component", "remote_client").Logger(),
	}
	if opts.MaxRPS > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.MaxRPS), 1)
	}
	return c, nil
}

// Secure reports whether the transport to the API is encrypted.
func (c *Client) Secure() bool {
	return c.base.Scheme == "https"
}

// SaveAnswer stores one answer.
func (c *Client) SaveAnswer(ctx context.Context, submissionID string, p AnswerPayload) error {
	_, err := c.post(ctx, "save_answer", sessionPath(submissionID, "answers"), p)
	return err
}

// SetFlag records the flag state of one question.
func (c *Client) SetFlag(ctx context.Context, submissionID, questionID string, flagged bool) error {
	_, err := c.post(ctx, "set_flag",
		sessionPath(submissionID, "questions", questionID, "flag"),
		flagPayload{IsFlagged: flagged})
	return err
}

// Submit finalizes the attempt and returns the server's result, if any.
func (c *Client) Submit(ctx context.Context, submissionID string, meta model.ClientMeta) (json.RawMessage, error) {
	env, err := c.post(ctx, "submit", sessionPath(submissionID, "submit"), submitPayload{ClientMeta: meta})
	if err != nil {
		return nil, err
	}
	return env.Result, nil
}

// ReportViolation delivers one proctoring violation.
func (c *Client) ReportViolation(ctx context.Context, submissionID string, p ViolationPayload) error {
	if p.Metadata == nil {
		p.Metadata = map[string]string{}
	}
	_, err := c.post(ctx, "report_violation", sessionPath(submissionID, "proctoring", "violation"), p)
	return err
}

func sessionPath(submissionID string, parts ...string) string {
	segs := make([]string, 0, len(parts)+2)
	segs = append(segs, "assessment-sessions", url.PathEscape(submissionID))
	for _, p := range parts {
		segs = append(segs, url.PathEscape(p))
	}
	return "/" + strings.Join(segs, "/")
}

func (c *Client) post(ctx context.Context, op, path string, body interface{}) (*envelope, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &Error{Op: op, Kind: KindOf(err), Err: fmt.Errorf("rate limiter: %w", err)}
		}
	}

	buf, err := json.Marshal(body)
	if err != nil {
		return nil, &Error{Op: op, Kind: KindRejected, Err: fmt.Errorf("encoding body: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base.String()+path, bytes.NewReader(buf))
	if err != nil {
		return nil, &Error{Op: op, Kind: KindRejected, Err: fmt.Errorf("creating request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Debug().Err(err).Str("op", op).Msg("Request failed")
		return nil, &Error{Op: op, Kind: KindOf(err), Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &Error{Op: op, StatusCode: resp.StatusCode, Kind: KindRetryable, Err: fmt.Errorf("reading body: %w", err)}
	}

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)

	latency := time.Since(start)
	metrics.RemoteLatency.WithLabelValues(op).Observe(latency.Seconds())
	c.log.Debug().
		Str("op", op).
		Int("status", resp.StatusCode).
		Dur("latency", latency).
		Msg("Request completed")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := env.Message
		if decodeErr != nil {
			msg = strings.TrimSpace(string(raw))
		}
		return nil, &Error{Op: op, StatusCode: resp.StatusCode, Kind: Classify(resp.StatusCode, msg), Message: msg}
	}
	if decodeErr != nil {
		return nil, &Error{Op: op, StatusCode: resp.StatusCode, Kind: KindRejected, Err: fmt.Errorf("decoding body: %w", decodeErr)}
	}
	if !env.Success {
		// A 2xx refusal is never a transport problem, so only the message decides.
		kind := Classify(http.StatusBadRequest, env.Message)
		return nil, &Error{Op: op, StatusCode: resp.StatusCode, Kind: kind, Message: env.Message}
	}
	return &env, nil
}
