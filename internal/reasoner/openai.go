package reasoner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	openai "github.com/sashabaranov/go-openai"

	"mendline/internal/domain"
)

const systemPrompt = `You are a payments platform reliability analyst. Given a batch of related failure signals,
explain the most likely root cause. Respond with a single JSON object and nothing else:
{"title": string, "category": "migration"|"platform_bug"|"documentation_gap"|"merchant_config",
 "confidence": number between 0 and 1, "root_cause": string,
 "reasoning_chain": [{"observation": string, "inference": string, "confidence": number between 0 and 1}],
 "estimated_impact": "low"|"medium"|"high"|"critical"}`

type OpenAIOptions struct {
	APIKey            string
	BaseURL           string
	Model             string
	Temperature       float32
	MaxContextSignals int
	MaxContentChars   int
}

// OpenAI talks to any OpenAI-compatible chat completion endpoint.
type OpenAI struct {
	client *openai.Client
	opts   OpenAIOptions
}

func NewOpenAI(opts OpenAIOptions) *OpenAI {
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	}
	if opts.MaxContextSignals <= 0 {
		opts.MaxContextSignals = 10
	}
	if opts.MaxContentChars <= 0 {
		opts.MaxContentChars = 500
	}
	return &OpenAI{client: openai.NewClientWithConfig(cfg), opts: opts}
}

func (o *OpenAI) Name() string { return StrategyAI }

func (o *OpenAI) Analyze(ctx context.Context, signals []domain.Signal) (domain.IssueDraft, error) {
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       o.opts.Model,
		Temperature: o.opts.Temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: o.prompt(signals)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	})
	if err != nil {
		return domain.IssueDraft{}, fmt.Errorf("%w: %w", domain.ErrReasoningUnavailable, err)
	}
	if len(resp.Choices) == 0 {
		return domain.IssueDraft{}, fmt.Errorf("%w: empty completion", domain.ErrReasoningUnavailable)
	}
	return ParseDraft(resp.Choices[0].Message.Content)
}

// prompt renders at most MaxContextSignals signals with truncated content.
func (o *OpenAI) prompt(signals []domain.Signal) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d related signals", len(signals))
	if len(signals) > o.opts.MaxContextSignals {
		fmt.Fprintf(&b, " (showing the first %d)", o.opts.MaxContextSignals)
		signals = signals[:o.opts.MaxContextSignals]
	}
	b.WriteString(":\n")
	for i, s := range signals {
		fmt.Fprintf(&b, "%d. [%s] source=%s type=%s merchant=%s title=%q\n", i+1, s.Severity, s.Source, s.Type, orUnknown(s.MerchantID), s.Title)
		if content := truncate(s.Content, o.opts.MaxContentChars); content != "" {
			fmt.Fprintf(&b, "   content: %s\n", content)
		}
	}
	return b.String()
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

type wireStep struct {
	Observation string   `json:"observation" validate:"required"`
	Inference   string   `json:"inference" validate:"required"`
	Confidence  *float64 `json:"confidence" validate:"required,gte=0,lte=1"`
}

type wireDraft struct {
	Title           string     `json:"title" validate:"required"`
	Category        string     `json:"category" validate:"required,oneof=migration platform_bug documentation_gap merchant_config"`
	Confidence      *float64   `json:"confidence" validate:"required,gte=0,lte=1"`
	RootCause       string     `json:"root_cause" validate:"required"`
	ReasoningChain  []wireStep `json:"reasoning_chain" validate:"required,dive"`
	EstimatedImpact string     `json:"estimated_impact" validate:"required,oneof=low medium high critical"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ErrUnparseable marks a completion that does not match the draft schema.
var ErrUnparseable = errors.New("unparseable reasoning response")

// ParseDraft decodes a model response. Markdown fences are stripped; anything
// that does not satisfy the schema is rejected.
func ParseDraft(raw string) (domain.IssueDraft, error) {
	body := stripFences(raw)
	var w wireDraft
	if err := json.Unmarshal([]byte(body), &w); err != nil {
		return domain.IssueDraft{}, fmt.Errorf("%w: %w: %w", domain.ErrReasoningUnavailable, ErrUnparseable, err)
	}
	if err := validate.Struct(w); err != nil {
		return domain.IssueDraft{}, fmt.Errorf("%w: %w: %w", domain.ErrReasoningUnavailable, ErrUnparseable, err)
	}
	d := domain.IssueDraft{
		Title:           w.Title,
		Category:        domain.Category(w.Category),
		Confidence:      *w.Confidence,
		RootCause:       w.RootCause,
		ReasoningChain:  make([]domain.ReasoningStep, 0, len(w.ReasoningChain)),
		EstimatedImpact: domain.Severity(w.EstimatedImpact),
	}
	for _, s := range w.ReasoningChain {
		d.ReasoningChain = append(d.ReasoningChain, domain.ReasoningStep{Observation: s.Observation, Inference: s.Inference, Confidence: *s.Confidence})
	}
	return d, nil
}

func stripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			s = s[nl+1:]
		} else {
			s = strings.TrimPrefix(s, "```")
		}
		s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
	}
	return s
}
