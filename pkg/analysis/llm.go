package analysis

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

	"go.uber.org/zap"

	"github.com/albeorla/reddit-miner/internal/store"
	"github.com/albeorla/reddit-miner/pkg/retry"
	"github.com/albeorla/reddit-miner/pkg/source"
)

// LLMOptions configures an LLM analyzer.
type LLMOptions struct {
	Provider string // "openai" or "anthropic"
	Model    string
	APIKey   string
	BaseURL  string // custom endpoint (optional)
	Timeout  time.Duration
}

// LLM analyzes items with a chat completion API. Rate limits and server
// errors are retried under the given policy.
type LLM struct {
	client   *http.Client
	policy   *retry.Policy
	provider string
	model    string
	apiKey   string
	baseURL  string
	log      *zap.Logger
}

// NewLLM creates an LLM analyzer.
func NewLLM(opts LLMOptions, policy *retry.Policy, log *zap.Logger) *LLM {
	if log == nil {
		log = zap.NewNop()
	}
	if policy == nil {
		policy = retry.NewPolicy(0, 0, 0, log)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}

	model := opts.Model
	baseURL := opts.BaseURL
	switch opts.Provider {
	case "anthropic":
		if model == "" {
			model = "claude-sonnet-4-20250514"
		}
		if baseURL == "" {
			baseURL = "https://api.anthropic.com"
		}
	default:
		opts.Provider = "openai"
		if model == "" {
			model = "gpt-4o-mini"
		}
		if baseURL == "" {
			baseURL = "https://api.openai.com"
		}
	}

	return &LLM{
		client:   &http.Client{Timeout: opts.Timeout},
		policy:   policy,
		provider: opts.Provider,
		model:    model,
		apiKey:   opts.APIKey,
		baseURL:  strings.TrimRight(baseURL, "/"),
		log:      log,
	}
}

// Model returns the model name requests are sent with.
func (l *LLM) Model() string { return l.model }

// Analyze sends one item to the model and parses its verdict.
func (l *LLM) Analyze(ctx context.Context, item source.Item) (*store.Signal, error) {
	prompt := BuildPrompt(item)

	var (
		raw string
		err error
	)
	switch l.provider {
	case "anthropic":
		raw, err = l.callAnthropic(ctx, prompt)
	default:
		raw, err = l.callOpenAI(ctx, prompt)
	}
	if err != nil {
		return nil, fmt.Errorf("analyze %s: %w", item.ID, err)
	}

	sig, err := ParseSignal(raw)
	if err != nil {
		return nil, fmt.Errorf("analyze %s: %w", item.ID, err)
	}
	l.log.Debug("item analyzed",
		zap.String("item", item.ID),
		zap.String("state", sig.ExtractionState),
		zap.Int("score", sig.Score))
	return sig, nil
}

func (l *LLM) callOpenAI(ctx context.Context, prompt string) (string, error) {
	payload := map[string]any{
		"model": l.model,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
		"temperature":     0.1,
		"response_format": map[string]string{"type": "json_object"},
	}
	headers := map[string]string{"Authorization": "Bearer " + l.apiKey}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := l.post(ctx, "openai", "/v1/chat/completions", headers, payload, &result); err != nil {
		return "", err
	}
	if len(result.Choices) == 0 {
		return "", errors.New("openai: no choices returned")
	}
	return result.Choices[0].Message.Content, nil
}

func (l *LLM) callAnthropic(ctx context.Context, prompt string) (string, error) {
	payload := map[string]any{
		"model":      l.model,
		"max_tokens": 2048,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
	}
	headers := map[string]string{
		"x-api-key":         l.apiKey,
		"anthropic-version": "2023-06-01",
	}

	var result struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := l.post(ctx, "anthropic", "/v1/messages", headers, payload, &result); err != nil {
		return "", err
	}
	if len(result.Content) == 0 {
		return "", errors.New("anthropic: no content returned")
	}
	return result.Content[0].Text, nil
}

// post sends a JSON request under the retry policy and decodes a successful
// response into out.
func (l *LLM) post(ctx context.Context, name, path string, headers map[string]string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", name, err)
	}

	var detail string
	err = l.policy.Do(ctx, name, func(ctx context.Context) retry.Result {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return retry.Result{Kind: retry.Fatal, Err: err}
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := l.client.Do(req)
		res := retry.Classify(resp, err)
		if resp == nil {
			return res
		}
		defer resp.Body.Close()

		if res.Kind != retry.Success {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			detail = strings.TrimSpace(string(msg))
			return res
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return retry.Result{Kind: retry.Fatal, Err: fmt.Errorf("decode %s response: %w", name, err)}
		}
		return res
	})
	if err != nil {
		if detail != "" {
			return fmt.Errorf("call %s: %w: %s", name, err, truncateStr(detail, 300))
		}
		return fmt.Errorf("call %s: %w", name, err)
	}
	return nil
}
