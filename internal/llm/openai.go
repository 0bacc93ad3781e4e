package llm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/tidwall/gjson"

	logx "taskmind/pkg/logx"
)

// OpenAIConfig configures the OpenAI-compatible executor. BaseURL may point
// at any compatible endpoint (OpenRouter, a local server).
type OpenAIConfig struct {
	APIKey      string        `json:"api_key"`
	BaseURL     string        `json:"base_url,omitempty"`
	Model       string        `json:"model"`
	Temperature float64       `json:"temperature,omitempty"`
	Timeout     time.Duration `json:"-"`
}

func (c OpenAIConfig) Validate() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return errors.New("llm: api_key is required")
	}
	if strings.TrimSpace(c.Model) == "" {
		return errors.New("llm: model is required")
	}
	return nil
}

// OpenAI is the Executor backed by the OpenAI chat completions API.
type OpenAI struct {
	client openai.Client
	cfg    OpenAIConfig
	log    logx.Logger
}

// NewOpenAI builds the executor. It does not call the API.
func NewOpenAI(cfg OpenAIConfig, log logx.Logger) (*OpenAI, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAI{client: openai.NewClient(opts...), cfg: cfg, log: log}, nil
}

const executeSystemPrompt = `You are an assistant executing a scheduled task on behalf of a user.
Perform the task described below using only the provided context.
Respond with a concise result the user can read as a notification.
Begin the response with a single-sentence summary line.`

func (o *OpenAI) Execute(ctx context.Context, tc TaskContext) (Result, error) {
	if o.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.Timeout)
		defer cancel()
	}

	user := fmt.Sprintf("Task: %s\n", tc.Title)
	if tc.Description != "" {
		user += fmt.Sprintf("Description: %s\n", tc.Description)
	}
	if tc.Context != "" {
		user += fmt.Sprintf("Context:\n%s\n", tc.Context)
	}

	started := time.Now()
	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(o.cfg.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(executeSystemPrompt),
			openai.UserMessage(user),
		},
		Temperature: openai.Float(o.cfg.Temperature),
	})
	if err != nil {
		return Result{}, fmt.Errorf("llm execute: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Result{}, &ParseError{Reason: "no choices in response"}
	}
	out := strings.TrimSpace(resp.Choices[0].Message.Content)
	if out == "" {
		return Result{}, &ParseError{Reason: "empty completion"}
	}

	o.log.Debug("task executed",
		logx.String("task_id", tc.TaskID),
		logx.String("model", o.cfg.Model),
		logx.Duration("elapsed", time.Since(started)))

	summary := out
	if i := strings.IndexByte(out, '\n'); i > 0 {
		summary = strings.TrimSpace(out[:i])
	}
	return Result{Summary: summary, Output: out}, nil
}

const decomposeSystemPrompt = `You split an overdue task into smaller, independently completable subtasks.
Respond ONLY with a JSON array, no prose. Each element must be an object with
"title", "description" and "context" string fields, a "relative_order" integer
(1 = first) and a "suggested_priority" integer (higher = more urgent).
Subtasks must be ordered so earlier ones do not depend on later ones.`

func (o *OpenAI) Decompose(ctx context.Context, req DecomposeRequest) ([]Subtask, error) {
	if o.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.Timeout)
		defer cancel()
	}

	user := fmt.Sprintf(
		"The task below has missed %d consecutive due times. Split it into between %d and %d subtasks.\n\nTask: %s\n",
		req.Misses, req.Min, req.Max, req.Task.Title)
	if req.Task.Description != "" {
		user += fmt.Sprintf("Description: %s\n", req.Task.Description)
	}
	if req.Task.Context != "" {
		user += fmt.Sprintf("Context:\n%s\n", req.Task.Context)
	}

	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(o.cfg.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(decomposeSystemPrompt),
			openai.UserMessage(user),
		},
		Temperature: openai.Float(o.cfg.Temperature),
	})
	if err != nil {
		return nil, fmt.Errorf("llm decompose: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, &ParseError{Reason: "no choices in response"}
	}
	return ParseSubtasks(resp.Choices[0].Message.Content, req.Min, req.Max)
}

// ParseSubtasks extracts a subtask list from a model response. Models wrap
// JSON in code fences or prose often enough that this is lenient about
// everything except the array itself.
func ParseSubtasks(raw string, min, max int) ([]Subtask, error) {
	payload := extractJSONArray(raw)
	if payload == "" {
		return nil, &ParseError{Reason: "no JSON array found", Raw: raw}
	}
	parsed := gjson.Parse(payload)
	if !parsed.IsArray() {
		return nil, &ParseError{Reason: "payload is not an array", Raw: raw}
	}

	var subs []Subtask
	var bad string
	parsed.ForEach(func(_, el gjson.Result) bool {
		title := strings.TrimSpace(el.Get("title").String())
		if title == "" {
			bad = "subtask missing title"
			return false
		}
		subs = append(subs, Subtask{
			Title:             title,
			Description:       strings.TrimSpace(el.Get("description").String()),
			Context:           strings.TrimSpace(el.Get("context").String()),
			RelativeOrder:     int(el.Get("relative_order").Int()),
			SuggestedPriority: int(el.Get("suggested_priority").Int()),
		})
		return true
	})
	if bad != "" {
		return nil, &ParseError{Reason: bad, Raw: raw}
	}
	if len(subs) < min || len(subs) > max {
		return nil, &ParseError{
			Reason: fmt.Sprintf("got %d subtasks, want between %d and %d", len(subs), min, max),
			Raw:    raw,
		}
	}
	// Models sometimes emit relative_order out of array order; the explicit
	// sequence wins. Absent orders (all zero) keep array position.
	sort.SliceStable(subs, func(i, j int) bool { return subs[i].RelativeOrder < subs[j].RelativeOrder })
	return subs, nil
}

// extractJSONArray pulls the first top-level JSON array out of raw, tolerating
// markdown fences and surrounding prose.
func extractJSONArray(raw string) string {
	s := strings.TrimSpace(raw)
	if i := strings.Index(s, "```"); i >= 0 {
		s = s[i+3:]
		s = strings.TrimPrefix(s, "json")
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
		s = strings.TrimSpace(s)
	}
	start := strings.IndexByte(s, '[')
	end := strings.LastIndexByte(s, ']')
	if start < 0 || end <= start {
		return ""
	}
	candidate := s[start : end+1]
	if !gjson.Valid(candidate) {
		return ""
	}
	return candidate
}
