package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

const defaultSystemPrompt = "You are AutoSage, an assistant that runs engineering tools. " +
	"Call a tool when the user asks for a computation, then explain its result briefly."

// OpenAIConfig configures an OpenAI-compatible chat model.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	Model        string
	Temperature  float32
	SystemPrompt string
}

// OpenAIModel streams chat completions with function calling.
type OpenAIModel struct {
	client *openai.Client
	config OpenAIConfig
}

// NewOpenAIModel creates a model. BaseURL may point at any compatible server.
func NewOpenAIModel(cfg OpenAIConfig) (*OpenAIModel, error) {
	if cfg.APIKey == "" && cfg.BaseURL == "" {
		return nil, errors.New("openai: api key or base url is required")
	}
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAIModel{client: openai.NewClientWithConfig(clientCfg), config: cfg}, nil
}

func (m *OpenAIModel) Name() string { return "openai:" + m.config.Model }

func (m *OpenAIModel) Stream(ctx context.Context, req *Request) (<-chan Chunk, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:       m.config.Model,
		Messages:    m.messages(req),
		Temperature: m.config.Temperature,
		Stream:      true,
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = functionTools(req)
	}

	stream, err := m.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("openai: create stream: %w", err)
	}
	out := make(chan Chunk)
	go m.process(ctx, stream, out)
	return out, nil
}

// process accumulates tool call fragments by index and emits them once the
// stream finishes.
func (m *OpenAIModel) process(ctx context.Context, stream *openai.ChatCompletionStream, out chan<- Chunk) {
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

	pending := map[int]*ToolCall{}
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			send(Chunk{Err: fmt.Errorf("openai: stream: %w", err)})
			return
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta
		if delta.Content != "" && !send(Chunk{Text: delta.Content}) {
			return
		}
		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			call := pending[index]
			if call == nil {
				call = &ToolCall{}
				pending[index] = call
			}
			if tc.ID != "" {
				call.ID = tc.ID
			}
			if tc.Function.Name != "" {
				call.Name = fromFunctionName(tc.Function.Name)
			}
			call.Input = append(call.Input, tc.Function.Arguments...)
		}
	}

	indexes := make([]int, 0, len(pending))
	for i := range pending {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	for _, i := range indexes {
		call := pending[i]
		if call.Name == "" {
			continue
		}
		if len(call.Input) == 0 {
			call.Input = json.RawMessage("{}")
		}
		if !send(Chunk{ToolCall: call}) {
			return
		}
	}
}

func (m *OpenAIModel) messages(req *Request) []openai.ChatCompletionMessage {
	out := []openai.ChatCompletionMessage{{
		Role:    openai.ChatMessageRoleSystem,
		Content: systemPrompt(m.config.SystemPrompt, req),
	}}
	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleUser:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: msg.Content})
		case RoleAssistant:
			oai := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: msg.Content}
			for _, tc := range msg.ToolCalls {
				oai.ToolCalls = append(oai.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      toFunctionName(tc.Name),
						Arguments: string(tc.Input),
					},
				})
			}
			out = append(out, oai)
		case RoleTool:
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})
		}
	}
	return out
}

// systemPrompt appends the session's input file details to base.
func systemPrompt(base string, req *Request) string {
	if req.Manifest == nil || req.Manifest.Input.Filename == "" {
		return base
	}
	return base + fmt.Sprintf("\nThe session input file is %s (%d bytes, %s).",
		req.Manifest.Input.Filename, req.Manifest.Input.Size, req.Manifest.Input.ContentType)
}

func functionTools(req *Request) []openai.Tool {
	out := make([]openai.Tool, 0, len(req.Tools))
	for _, desc := range req.Tools {
		var params map[string]any
		if err := json.Unmarshal(desc.InputSchema, &params); err != nil || params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        toFunctionName(desc.Name),
				Description: desc.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

// Function names may not contain dots, so "circuits.simulate" travels as
// "circuits__simulate".
func toFunctionName(name string) string   { return strings.ReplaceAll(name, ".", "__") }
func fromFunctionName(name string) string { return strings.ReplaceAll(name, "__", ".") }
