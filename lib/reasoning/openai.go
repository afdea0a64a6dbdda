// Copyright 2026 The Marionette Authors
// SPDX-License-Identifier: Apache-2.0

package reasoning

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// Compile-time interface check.
var _ Proposer = (*OpenAIProposer)(nil)

// decisionFunctionName is the single function the model is forced to
// call. Its arguments are the Decision wire shape — forcing the call
// turns "best-effort JSON in prose" into a schema-checked structure.
const decisionFunctionName = "submit_decision"

// decisionSchema is the JSON Schema for submit_decision's arguments.
// It mirrors the Decision struct exactly.
var decisionSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"action": {
			"type": "string",
			"enum": ["tool-call", "send-message", "end-session"],
			"description": "What to do next."
		},
		"tool": {
			"type": "string",
			"description": "Affordance name, required when action is tool-call."
		},
		"params": {
			"type": "object",
			"description": "Arguments for the affordance."
		},
		"text": {
			"type": "string",
			"description": "Message to the user, required when action is send-message."
		},
		"reason": {
			"type": "string",
			"description": "One sentence explaining why this is the right step."
		}
	},
	"required": ["action", "reason"]
}`)

// OpenAIConfig holds the settings for an OpenAIProposer.
type OpenAIConfig struct {
	// APIKey authenticates against the API.
	APIKey string

	// BaseURL overrides the API endpoint (for proxies and tests).
	// Empty means the vendor default.
	BaseURL string

	// Model is the model identifier (e.g., "gpt-4o").
	Model string

	// Logger is used for structured logging. If nil, slog.Default().
	Logger *slog.Logger
}

// OpenAIProposer asks an OpenAI chat model for one decision per call
// using forced function calling.
type OpenAIProposer struct {
	client *openai.Client
	model  string
	logger *slog.Logger
}

// NewOpenAIProposer creates a Proposer backed by the OpenAI chat API.
func NewOpenAIProposer(config OpenAIConfig) (*OpenAIProposer, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("reasoning: APIKey is required")
	}
	if config.Model == "" {
		return nil, fmt.Errorf("reasoning: Model is required")
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &OpenAIProposer{
		client: openai.NewClientWithConfig(clientConfig),
		model:  config.Model,
		logger: logger,
	}, nil
}

// Propose sends the situation to the model and validates its function
// call against the Decision schema. Every failure comes back as *Error.
func (p *OpenAIProposer) Propose(ctx context.Context, input Input) (*Decision, error) {
	request := openai.ChatCompletionRequest{
		Model:    p.model,
		Messages: buildMessages(input),
		Tools: []openai.Tool{{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        decisionFunctionName,
				Description: "Submit the single next step for the booking session.",
				Parameters:  decisionSchema,
			},
		}},
		ToolChoice: openai.ToolChoice{
			Type:     openai.ToolTypeFunction,
			Function: openai.ToolFunction{Name: decisionFunctionName},
		},
	}

	response, err := p.client.CreateChatCompletion(ctx, request)
	if err != nil {
		return nil, &Error{Failure: FailureTransport, Message: "chat completion failed", Err: err}
	}
	if len(response.Choices) == 0 {
		return nil, &Error{Failure: FailureEmpty, Message: "response has no choices"}
	}

	message := response.Choices[0].Message
	if len(message.ToolCalls) == 0 {
		return nil, &Error{Failure: FailureEmpty, Message: "model did not call submit_decision"}
	}
	call := message.ToolCalls[0]
	if call.Function.Name != decisionFunctionName {
		return nil, &Error{
			Failure: FailureMalformed,
			Message: fmt.Sprintf("model called %q instead of %s", call.Function.Name, decisionFunctionName),
		}
	}

	var decision Decision
	if err := json.Unmarshal([]byte(call.Function.Arguments), &decision); err != nil {
		return nil, &Error{Failure: FailureMalformed, Message: "decision arguments are not valid JSON", Err: err}
	}
	if err := decision.Validate(); err != nil {
		return nil, &Error{Failure: FailureMalformed, Message: "decision failed schema validation", Err: err}
	}

	p.logger.Debug("reasoning decision",
		"kind", decision.Kind,
		"tool", decision.Tool,
		"stage", input.Workflow.Current,
	)
	return &decision, nil
}

// buildMessages converts the structured input into the chat transcript
// sent to the model: a fixed system prompt, one user message carrying
// the workflow and tool catalog, then the conversation history.
func buildMessages(input Input) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, 0, len(input.History)+2)

	messages = append(messages, openai.ChatCompletionMessage{
		Role: openai.ChatMessageRoleSystem,
		Content: "You operate a booking application on behalf of a visitor. " +
			"Each turn you take exactly one step by calling submit_decision. " +
			"Use tool-call to operate the application, send-message to talk to " +
			"the visitor, and end-session only when the visitor is done. " +
			"Only call tools from the provided catalog.",
	})

	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: describeSituation(input),
	})

	for _, turn := range input.History {
		role := openai.ChatMessageRoleUser
		if turn.Role == "agent" {
			role = openai.ChatMessageRoleAssistant
		}
		prefix := ""
		if turn.Role == "host" {
			prefix = "[application] "
		}
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    role,
			Content: prefix + turn.Text,
		})
	}

	return messages
}

// describeSituation serializes the workflow summary and tool catalog
// into the context message.
func describeSituation(input Input) string {
	var builder strings.Builder

	builder.WriteString("Booking flow stages: ")
	builder.WriteString(strings.Join(input.Workflow.Stages, " -> "))
	builder.WriteString("\nCurrent stage: ")
	builder.WriteString(input.Workflow.Current)
	if input.Workflow.Previous != "" {
		builder.WriteString(" (previous: " + input.Workflow.Previous + ")")
	}
	if input.Workflow.Next != "" {
		builder.WriteString(" (next: " + input.Workflow.Next + ")")
	}
	builder.WriteString("\nStage goal: ")
	builder.WriteString(input.Workflow.Goal)
	builder.WriteString("\nAdvance when: ")
	builder.WriteString(input.Workflow.AdvanceWhen)

	builder.WriteString("\n\nAvailable tools:\n")
	for _, tool := range input.Tools {
		builder.WriteString("- ")
		builder.WriteString(tool.Name)
		if tool.Description != "" {
			builder.WriteString(": " + tool.Description)
		}
		if len(tool.Parameters) > 0 {
			builder.WriteString(" parameters=" + string(tool.Parameters))
		}
		builder.WriteString("\n")
	}

	return builder.String()
}
