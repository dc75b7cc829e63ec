package aichat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/flowbaker/flowdispatch/pkg/domain"

	"github.com/rs/zerolog/log"
	"github.com/sashabaranov/go-openai"
)

var (
	ErrModelNotConfigured = errors.New("ai chat model is not configured")
	ErrEmptyCompletion    = errors.New("ai chat returned no choices")
)

const (
	OutputKeyAnswerText = "answerText"
	OutputKeyReasoning  = "reasoningText"
	OutputKeyHistory    = "history"
)

type AIChatParams struct {
	Model                string   `json:"model"`
	SystemPrompt         string   `json:"systemPrompt"`
	UserChatInput        string   `json:"userChatInput"`
	HistoryCount         int      `json:"history"`
	Temperature          *float32 `json:"temperature"`
	MaxTokens            int      `json:"maxToken"`
	IsResponseAnswerText *bool    `json:"isResponseAnswerText"`
}

type AIChatExecutor struct {
	client *openai.Client
	config domain.AIChatConfig
}

func NewAIChatExecutor(deps domain.NodeExecutorDeps) domain.NodeExecutor {
	clientConfig := openai.DefaultConfig(deps.AIChat.APIKey)
	if deps.AIChat.BaseURL != "" {
		clientConfig.BaseURL = deps.AIChat.BaseURL
	}

	if deps.HTTPClient != nil {
		clientConfig.HTTPClient = deps.HTTPClient
	}

	return &AIChatExecutor{
		client: openai.NewClientWithConfig(clientConfig),
		config: deps.AIChat,
	}
}

type completion struct {
	text         string
	reasoning    string
	model        string
	inputTokens  int
	outputTokens int
}

func (e *AIChatExecutor) Execute(ctx context.Context, input domain.NodeExecutorInput) (domain.NodeResult, error) {
	p := AIChatParams{}
	if err := domain.BindParams(input.Params, &p); err != nil {
		return domain.NodeResult{}, err
	}

	model := p.Model
	if model == "" {
		model = e.config.Model
	}

	if model == "" {
		return domain.NodeResult{}, ErrModelNotConfigured
	}

	userInput := p.UserChatInput
	if userInput == "" {
		userInput = input.RunContext.Query
	}

	request := openai.ChatCompletionRequest{
		Model:     model,
		Messages:  buildMessages(p.SystemPrompt, input.RunContext.Histories, p.HistoryCount, userInput),
		MaxTokens: p.MaxTokens,
	}

	if p.Temperature != nil {
		request.Temperature = *p.Temperature
	}

	respondWithAnswer := p.IsResponseAnswerText == nil || *p.IsResponseAnswerText

	var (
		result completion
		err    error
	)

	if input.RunContext.IsStreaming() && respondWithAnswer {
		result, err = e.stream(ctx, request, input.RunContext)
	} else {
		result, err = e.complete(ctx, request)
	}

	if err != nil {
		return domain.NodeResult{}, err
	}

	log.Debug().
		Str("node_id", input.Node.NodeID).
		Str("model", result.model).
		Int("input_tokens", result.inputTokens).
		Int("output_tokens", result.outputTokens).
		Msg("AI chat completed")

	usage := domain.UsageRecord{
		ModuleName:   input.Node.Name,
		TotalPoints:  e.points(result.inputTokens + result.outputTokens),
		Model:        result.model,
		InputTokens:  result.inputTokens,
		OutputTokens: result.outputTokens,
	}

	responses := []domain.AssistantResponseItem{}
	if result.reasoning != "" {
		responses = append(responses, domain.AssistantResponseItem{
			Type:      domain.AssistantResponseTypeReasoning,
			Reasoning: result.reasoning,
		})
	}

	responses = append(responses, domain.NewTextResponse(result.text))

	return domain.NodeResult{
		Data: map[string]any{
			OutputKeyAnswerText: result.text,
			OutputKeyReasoning:  result.reasoning,
			OutputKeyHistory:    appendHistory(input.RunContext.Histories, userInput, result.text),
		},
		Usages:             []domain.UsageRecord{usage},
		AssistantResponses: responses,
		ForbidStream:       !respondWithAnswer,
		Details: map[string]any{
			"model":        result.model,
			"inputTokens":  result.inputTokens,
			"outputTokens": result.outputTokens,
		},
	}, nil
}

func (e *AIChatExecutor) complete(ctx context.Context, request openai.ChatCompletionRequest) (completion, error) {
	resp, err := e.client.CreateChatCompletion(ctx, request)
	if err != nil {
		return completion{}, fmt.Errorf("failed to create chat completion: %w", err)
	}

	if len(resp.Choices) == 0 {
		return completion{}, ErrEmptyCompletion
	}

	return completion{
		text:         resp.Choices[0].Message.Content,
		reasoning:    resp.Choices[0].Message.ReasoningContent,
		model:        resp.Model,
		inputTokens:  resp.Usage.PromptTokens,
		outputTokens: resp.Usage.CompletionTokens,
	}, nil
}

func (e *AIChatExecutor) stream(ctx context.Context, request openai.ChatCompletionRequest, runContext *domain.RunContext) (completion, error) {
	request.Stream = true
	request.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	stream, err := e.client.CreateChatCompletionStream(ctx, request)
	if err != nil {
		return completion{}, fmt.Errorf("failed to create chat completion stream: %w", err)
	}
	defer stream.Close()

	result := completion{model: request.Model}

	var text, reasoning strings.Builder

	for {
		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return completion{}, fmt.Errorf("failed to receive chat completion chunk: %w", err)
		}

		if response.Model != "" {
			result.model = response.Model
		}

		// The usage arrives in a final chunk with no choices.
		if response.Usage != nil {
			result.inputTokens = response.Usage.PromptTokens
			result.outputTokens = response.Usage.CompletionTokens
		}

		if len(response.Choices) == 0 {
			continue
		}

		delta := response.Choices[0].Delta
		if delta.Content == "" && delta.ReasoningContent == "" {
			continue
		}

		text.WriteString(delta.Content)
		reasoning.WriteString(delta.ReasoningContent)

		runContext.Emit(domain.StreamEvent{
			Type: domain.StreamEventAnswer,
			Data: domain.AnswerDeltaData{Text: delta.Content, Reasoning: delta.ReasoningContent},
		})
	}

	result.text = text.String()
	result.reasoning = reasoning.String()

	return result, nil
}

func (e *AIChatExecutor) points(tokens int) float64 {
	if e.config.PointsPer1KTokens <= 0 {
		return 0
	}

	return math.Round(float64(tokens)/1000*e.config.PointsPer1KTokens*10000) / 10000
}

func buildMessages(systemPrompt string, histories []domain.ChatItem, historyCount int, userInput string) []openai.ChatCompletionMessage {
	messages := []openai.ChatCompletionMessage{}

	if systemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: systemPrompt,
		})
	}

	if historyCount > 0 && len(histories) > historyCount {
		histories = histories[len(histories)-historyCount:]
	}

	if historyCount <= 0 {
		histories = nil
	}

	for _, item := range histories {
		role := openai.ChatMessageRoleUser
		switch item.Role {
		case domain.ChatRoleAI:
			role = openai.ChatMessageRoleAssistant
		case domain.ChatRoleSystem:
			role = openai.ChatMessageRoleSystem
		}

		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: item.Content})
	}

	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: userInput,
	})

	return messages
}

func appendHistory(histories []domain.ChatItem, userInput string, answer string) []domain.ChatItem {
	result := make([]domain.ChatItem, 0, len(histories)+2)
	result = append(result, histories...)

	return append(result,
		domain.ChatItem{Role: domain.ChatRoleHuman, Content: userInput},
		domain.ChatItem{Role: domain.ChatRoleAI, Content: answer},
	)
}
