package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

const (
	defaultAnthropicModel     = "claude-sonnet-4-20250514"
	defaultAnthropicMaxTokens = 4096
)

// AnthropicConfig configures a Claude messages model.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	Model        string
	MaxTokens    int
	Temperature  float32
	SystemPrompt string
}

// AnthropicModel streams messages with tool use.
type AnthropicModel struct {
	client anthropic.Client
	config AnthropicConfig
}

// NewAnthropicModel creates a model. BaseURL overrides the API endpoint.
func NewAnthropicModel(cfg AnthropicConfig) (*AnthropicModel, error) {
	if cfg.APIKey == "" && strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("anthropic: api key or base url is required")
	}
	if cfg.Model == "" {
		cfg.Model = defaultAnthropicModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultAnthropicMaxTokens
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicModel{client: anthropic.NewClient(options...), config: cfg}, nil
}

func (m *AnthropicModel) Name() string { return "anthropic:" + m.config.Model }

func (m *AnthropicModel) Stream(ctx context.Context, req *Request) (<-chan Chunk, error) {
	messages, err := anthropicMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("anthropic: convert messages: %w", err)
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(m.config.Model),
		Messages:  messages,
		MaxTokens: int64(m.config.MaxTokens),
		System:    []anthropic.TextBlockParam{{Text: systemPrompt(m.config.SystemPrompt, req)}},
	}
	if m.config.Temperature > 0 {
		params.Temperature = anthropic.Float(float64(m.config.Temperature))
	}
	if len(req.Tools) > 0 {
		tools, err := anthropicTools(req)
		if err != nil {
			return nil, fmt.Errorf("anthropic: convert tools: %w", err)
		}
		params.Tools = tools
	}

	stream := m.client.Messages.NewStreaming(ctx, params)
	out := make(chan Chunk)
	go m.process(ctx, stream, out)
	return out, nil
}

// process forwards text deltas as they arrive and emits each tool_use block
// once its content_block_stop closes the accumulated input.
func (m *AnthropicModel) process(ctx context.Context, stream *ssestream.Stream[anthropic.MessageStreamEventUnion], out chan<- Chunk) {
	defer close(out)
	defer stream.Close()

	send := func(c Chunk) bool {
		select {
		case out <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var current *ToolCall
	var input strings.Builder
	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				use := block.AsToolUse()
				current = &ToolCall{ID: use.ID, Name: fromFunctionName(use.Name)}
				input.Reset()
			}
		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" && !send(Chunk{Text: delta.Text}) {
					return
				}
			case "input_json_delta":
				input.WriteString(delta.PartialJSON)
			}
		case "content_block_stop":
			if current == nil {
				continue
			}
			current.Input = json.RawMessage("{}")
			if strings.TrimSpace(input.String()) != "" {
				current.Input = json.RawMessage(input.String())
			}
			call := current
			current = nil
			if !send(Chunk{ToolCall: call}) {
				return
			}
		case "message_stop":
			return
		case "error":
			send(Chunk{Err: errors.New("anthropic: stream error event")})
			return
		}
	}
	if err := stream.Err(); err != nil {
		send(Chunk{Err: fmt.Errorf("anthropic: stream: %w", err)})
	}
}

// anthropicMessages folds the transcript into alternating user and assistant
// turns. Consecutive tool results share a single user turn.
func anthropicMessages(history []Message) ([]anthropic.MessageParam, error) {
	var out []anthropic.MessageParam
	var results []anthropic.ContentBlockParamUnion
	flush := func() {
		if len(results) > 0 {
			out = append(out, anthropic.NewUserMessage(results...))
			results = nil
		}
	}
	for _, msg := range history {
		switch msg.Role {
		case RoleUser:
			flush()
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		case RoleAssistant:
			flush()
			var content []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				content = append(content, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				var args map[string]any
				if len(tc.Input) > 0 {
					if err := json.Unmarshal(tc.Input, &args); err != nil {
						return nil, fmt.Errorf("tool call %s input: %w", tc.ID, err)
					}
				}
				if args == nil {
					args = map[string]any{}
				}
				content = append(content, anthropic.NewToolUseBlock(tc.ID, args, toFunctionName(tc.Name)))
			}
			if len(content) > 0 {
				out = append(out, anthropic.NewAssistantMessage(content...))
			}
		case RoleTool:
			results = append(results, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false))
		}
	}
	flush()
	return out, nil
}

func anthropicTools(req *Request) ([]anthropic.ToolUnionParam, error) {
	out := make([]anthropic.ToolUnionParam, 0, len(req.Tools))
	for _, desc := range req.Tools {
		var schema anthropic.ToolInputSchemaParam
		if len(desc.InputSchema) > 0 {
			if err := json.Unmarshal(desc.InputSchema, &schema); err != nil {
				return nil, fmt.Errorf("schema for %s: %w", desc.Name, err)
			}
		}
		param := anthropic.ToolUnionParamOfTool(schema, toFunctionName(desc.Name))
		if param.OfTool == nil {
			return nil, fmt.Errorf("schema for %s: missing tool definition", desc.Name)
		}
		param.OfTool.Description = anthropic.String(desc.Description)
		out = append(out, param)
	}
	return out, nil
}
