package worker

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// LLM sends a templated prompt to OpenAI and returns the completion text.
// Without an API key it falls back to a deterministic mock when allowed, so
// development flows keep moving without credentials.
type LLM struct {
	client    *openai.Client
	model     string
	allowMock bool
	logger    Logger
}

// NewLLM creates an LLM worker. apiKey may be empty.
func NewLLM(apiKey, model string, allowMock bool, logger Logger) *LLM {
	var client *openai.Client
	if apiKey != "" {
		client = openai.NewClient(apiKey)
	}
	return &LLM{
		client:    client,
		model:     model,
		allowMock: allowMock,
		logger:    logger,
	}
}

func (l *LLM) Kind() string { return "llm" }
func (l *LLM) Mode() Mode   { return ModeSync }

func (l *LLM) Execute(ctx context.Context, req *Request) (interface{}, error) {
	prompt, err := renderPrompt(req)
	if err != nil {
		return nil, err
	}

	if l.client == nil {
		if !l.allowMock {
			return nil, fmt.Errorf("llm worker: no API key configured and mock fallback disabled")
		}
		l.logger.Warn("llm worker using mock response", "node_id", req.NodeID)
		return map[string]interface{}{
			"text": fmt.Sprintf("[mock completion for prompt: %s]", truncate(prompt, 120)),
			"mock": true,
		}, nil
	}

	model := l.model
	if m, ok := req.Config["model"].(string); ok && m != "" {
		model = m
	}

	resp, err := l.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("llm worker: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("llm worker: empty completion")
	}

	return map[string]interface{}{
		"text":  resp.Choices[0].Message.Content,
		"model": model,
	}, nil
}

// renderPrompt substitutes {{name}} placeholders in config.prompt with the
// node input values.
func renderPrompt(req *Request) (string, error) {
	tmpl, _ := req.Config["prompt"].(string)
	if tmpl == "" {
		return "", fmt.Errorf("llm worker: config.prompt is required")
	}
	prompt := tmpl
	for k, v := range req.Input {
		prompt = strings.ReplaceAll(prompt, "{{"+k+"}}", fmt.Sprintf("%v", v))
	}
	return prompt, nil
}
