package arbiter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"
)

// ClientConfig configures the HTTP oracle client. The endpoint speaks the
// OpenAI chat-completions wire format, which covers both hosted models and
// local inference servers.
type ClientConfig struct {
	URL         string
	APIKey      string
	Model       string
	Timeout     time.Duration // overall budget per Arbitrate call
	MaxAttempts int
	Seed        int64
}

// DefaultClientConfig returns the contract limits: 120s total, 3 attempts,
// deterministic sampling.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:     120 * time.Second,
		MaxAttempts: 3,
		Seed:        7,
	}
}

// Client calls the arbitration oracle over HTTP through the global rate gate.
type Client struct {
	cfg    ClientConfig
	gate   *Gate
	http   *http.Client
	logger *slog.Logger

	// sleep is swapped out in tests so retries don't wait for real.
	sleep func(time.Duration)
}

// NewClient builds an oracle client. A nil gate disables admission control
// (tests only); a nil logger falls back to slog.Default().
func NewClient(cfg ClientConfig, gate *Gate, logger *slog.Logger) *Client {
	def := DefaultClientConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		gate:   gate,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
		sleep:  time.Sleep,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	Temperature    float64       `json:"temperature"`
	Seed           int64         `json:"seed,omitempty"`
	ResponseFormat *struct {
		Type string `json:"type"`
	} `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

const systemPrompt = `You are a regulatory conflict arbiter. Two extracted rules contradict each other. ` +
	`Decide which one prevails using legal precedence doctrine (hierarchy of sources, lex posterior, lex specialis) ` +
	`or answer conservatively when neither clearly prevails. ` +
	`Respond with a single JSON object: {"winning_item_id", "strategy", "rationale", "rationale_bg", "confidence", "requires_human_review", "review_reason"}. ` +
	`"strategy" must be one of "hierarchy", "temporal", "specificity", "conservative". No prose outside the JSON object.`

// Arbitrate asks the oracle to adjudicate req. It never returns an error:
// timeout, retry exhaustion, or malformed output all map to Unavailable,
// which the caller translates into human escalation.
func (c *Client) Arbitrate(ctx context.Context, req Request) Outcome {
	if len(req.Claims) < 2 {
		return Unavailable("request carries fewer than two claims")
	}

	if c.gate != nil {
		if err := c.gate.Acquire(ctx); err != nil {
			return Unavailable(fmt.Sprintf("rate gate: %v", err))
		}
		defer c.gate.Release()
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	payload, err := json.Marshal(req)
	if err != nil {
		return Unavailable(fmt.Sprintf("marshal request: %v", err))
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		verdict, err := c.callOnce(ctx, string(payload))
		if err == nil {
			if err := c.checkVerdict(req, verdict); err != nil {
				lastErr = err
			} else {
				return Resolved(verdict)
			}
		} else {
			lastErr = err
		}

		c.logger.Warn("arbiter attempt failed",
			"conflict_id", req.ConflictID, "attempt", attempt, "error", lastErr)

		if ctx.Err() != nil {
			break
		}
		if attempt < c.cfg.MaxAttempts {
			// base * 2^(attempt-1); context deadline still bounds the total.
			c.sleep(time.Duration(math.Pow(2, float64(attempt-1))) * time.Second)
		}
	}
	return Unavailable(fmt.Sprintf("oracle exhausted after %d attempts: %v", c.cfg.MaxAttempts, lastErr))
}

func (c *Client) callOnce(ctx context.Context, conflictJSON string) (*Verdict, error) {
	body := chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: conflictJSON},
		},
		Temperature: 0,
		Seed:        c.cfg.Seed,
	}
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("oracle status %d", resp.StatusCode)
	}

	var chat chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(chat.Choices) == 0 {
		return nil, fmt.Errorf("empty choices in response")
	}

	return parseVerdict(chat.Choices[0].Message.Content)
}

// parseVerdict extracts and schema-validates the JSON verdict from the model
// output. Models occasionally wrap JSON in code fences; strip them.
func parseVerdict(content string) (*Verdict, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var doc any
	if err := json.Unmarshal([]byte(content), &doc); err != nil {
		return nil, fmt.Errorf("verdict is not valid JSON: %w", err)
	}
	if err := validateVerdict(doc); err != nil {
		return nil, fmt.Errorf("verdict failed schema validation: %w", err)
	}

	var v Verdict
	if err := json.Unmarshal([]byte(content), &v); err != nil {
		return nil, fmt.Errorf("unmarshal verdict: %w", err)
	}
	return &v, nil
}

// checkVerdict rejects verdicts naming an item that is not part of the
// conflict.
func (c *Client) checkVerdict(req Request, v *Verdict) error {
	for _, claim := range req.Claims {
		if claim.ItemID == v.WinningItemID {
			return nil
		}
	}
	return fmt.Errorf("verdict names unknown item %q", v.WinningItemID)
}
