package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/planloom/planloom-backend/internal/platform/logger"
)

// Sentinel errors the generation layer classifies on.
var (
	// ErrRateLimited means the provider itself refused the call with 429.
	ErrRateLimited = errors.New("openai: rate limited")
	// ErrBadPayload means the provider answered but the body did not parse
	// into the expected plan shape.
	ErrBadPayload = errors.New("openai: malformed payload")
)

// PlanRequest is the bounded, already-sanitized input for one plan
// generation call.
type PlanRequest struct {
	Topic         string
	Notes         string
	ModuleMinutes int
	TaskMinutes   int
	WeeksPlanned  int
	StartDate     string
	Timeout       time.Duration
}

type TaskChunk struct {
	Title            string `json:"title"`
	EstimatedMinutes int    `json:"estimated_minutes"`
}

type ModuleChunk struct {
	Title       string      `json:"title"`
	Description string      `json:"description"`
	Tasks       []TaskChunk `json:"tasks"`
}

// PlanStream yields generated modules one at a time. Recv returns io.EOF
// after the last module. Usage is only complete once the stream is drained.
type PlanStream interface {
	Recv() (*ModuleChunk, error)
	Usage() map[string]any
}

// Client is the OpenAI API surface the backend uses.
type Client interface {
	GeneratePlan(ctx context.Context, req PlanRequest) (PlanStream, error)
	Name() string
	ModelID() string
}

// WithModel returns a client pinned to the provided model. If model is empty
// or base is nil, it returns the base client unchanged.
func WithModel(base Client, model string) Client {
	model = strings.TrimSpace(model)
	if base == nil || model == "" {
		return base
	}
	if c, ok := base.(*client); ok {
		clone := *c
		clone.model = model
		return &clone
	}
	return base
}

type client struct {
	log        *logger.Logger
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

func NewClient(log *logger.Logger) (Client, error) {
	apiKey := strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	if apiKey == "" {
		return nil, fmt.Errorf("missing OPENAI_API_KEY")
	}

	baseURL := strings.TrimSpace(os.Getenv("OPENAI_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}
	baseURL = strings.TrimRight(baseURL, "/")

	model := strings.TrimSpace(os.Getenv("OPENAI_MODEL"))
	if model == "" {
		model = "gpt-4o-mini"
	}

	return &client{
		log:     log.With("client", "openai"),
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
		// No client-level timeout: each call carries its own budget.
		httpClient: &http.Client{},
	}, nil
}

func (c *client) Name() string    { return "openai" }
func (c *client) ModelID() string { return c.model }

type planDocument struct {
	Modules []ModuleChunk `json:"modules"`
}

// GeneratePlan makes a single structured-output call and exposes the parsed
// modules as a stream. The request context, bounded by req.Timeout when set,
// is the hard upper bound on the call.
func (c *client) GeneratePlan(ctx context.Context, req PlanRequest) (PlanStream, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	body := map[string]any{
		"model": c.model,
		"messages": []map[string]any{
			{"role": "system", "content": planSystemPrompt},
			{"role": "user", "content": buildUserPrompt(req)},
		},
		"response_format": map[string]any{
			"type": "json_schema",
			"json_schema": map[string]any{
				"name":   "learning_plan",
				"strict": true,
				"schema": planSchema,
			},
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("openai: build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("openai: request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("openai: read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: %s", ErrRateLimited, strings.TrimSpace(string(raw)))
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("openai: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var envelope struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage map[string]any `json:"usage"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if len(envelope.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices", ErrBadPayload)
	}

	var doc planDocument
	if err := json.Unmarshal([]byte(envelope.Choices[0].Message.Content), &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}

	usage := envelope.Usage
	if usage == nil {
		usage = map[string]any{}
	}
	usage["model"] = c.model
	return NewSliceStream(doc.Modules, usage), nil
}

// NewSliceStream wraps already-parsed modules in the PlanStream contract.
// Also used by tests to fake providers.
func NewSliceStream(modules []ModuleChunk, usage map[string]any) PlanStream {
	return &sliceStream{modules: modules, usage: usage}
}

type sliceStream struct {
	modules []ModuleChunk
	usage   map[string]any
	pos     int
}

func (s *sliceStream) Recv() (*ModuleChunk, error) {
	if s.pos >= len(s.modules) {
		return nil, io.EOF
	}
	chunk := s.modules[s.pos]
	s.pos++
	return &chunk, nil
}

func (s *sliceStream) Usage() map[string]any {
	if s.usage == nil {
		return map[string]any{}
	}
	return s.usage
}

const planSystemPrompt = "You are a curriculum designer. Produce a structured learning plan as JSON. " +
	"Every module must contain at least one task. Keep task estimates within the requested bounds."

func buildUserPrompt(req PlanRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Topic: %s\n", req.Topic)
	if req.Notes != "" {
		fmt.Fprintf(&b, "Notes: %s\n", req.Notes)
	}
	fmt.Fprintf(&b, "Weeks planned: %d\n", req.WeeksPlanned)
	fmt.Fprintf(&b, "Minutes per module: %d\n", req.ModuleMinutes)
	fmt.Fprintf(&b, "Minutes per task: %d\n", req.TaskMinutes)
	if req.StartDate != "" {
		fmt.Fprintf(&b, "Start date: %s\n", req.StartDate)
	}
	return b.String()
}

var planSchema = map[string]any{
	"type":                 "object",
	"additionalProperties": false,
	"required":             []string{"modules"},
	"properties": map[string]any{
		"modules": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type":                 "object",
				"additionalProperties": false,
				"required":             []string{"title", "description", "tasks"},
				"properties": map[string]any{
					"title":       map[string]any{"type": "string"},
					"description": map[string]any{"type": "string"},
					"tasks": map[string]any{
						"type": "array",
						"items": map[string]any{
							"type":                 "object",
							"additionalProperties": false,
							"required":             []string{"title", "estimated_minutes"},
							"properties": map[string]any{
								"title":             map[string]any{"type": "string"},
								"estimated_minutes": map[string]any{"type": "integer"},
							},
						},
					},
				},
			},
		},
	},
}
