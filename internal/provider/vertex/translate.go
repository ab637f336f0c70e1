// Package vertex implements the adapter for Gemini models served through the
// Vertex AI platform API.
package vertex

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	gateway "github.com/Alpaca-Network/gatewayz/internal"
	"github.com/Alpaca-Network/gatewayz/internal/provider"
)

// vertexRequest is the generateContent request body.
type vertexRequest struct {
	Contents          []vertexContent         `json:"contents"`
	SystemInstruction *vertexContent          `json:"systemInstruction,omitempty"`
	Tools             []vertexTool            `json:"tools,omitempty"`
	GenerationConfig  *vertexGenerationConfig `json:"generationConfig,omitempty"`
}

type vertexContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []vertexPart `json:"parts"`
}

type vertexPart struct {
	Text string `json:"text,omitempty"`
}

type vertexTool struct {
	FunctionDeclarations json.RawMessage `json:"functionDeclarations,omitempty"`
}

type vertexGenerationConfig struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	TopP             *float64 `json:"topP,omitempty"`
	MaxOutputTokens  int      `json:"maxOutputTokens,omitempty"`
	FrequencyPenalty *float64 `json:"frequencyPenalty,omitempty"`
	PresencePenalty  *float64 `json:"presencePenalty,omitempty"`
}

// translateRequest converts uniform invoke params to a generateContent body.
// System messages become systemInstruction; assistant maps to role "model".
// Only text content is supported; image and audio parts are rejected rather
// than silently dropped.
func translateRequest(p *gateway.InvokeParams) (*vertexRequest, error) {
	out := &vertexRequest{
		GenerationConfig: &vertexGenerationConfig{
			Temperature:      p.Temperature,
			TopP:             p.TopP,
			MaxOutputTokens:  p.MaxTokens,
			FrequencyPenalty: p.FrequencyPenalty,
			PresencePenalty:  p.PresencePenalty,
		},
	}

	if len(p.Tools) > 0 {
		var openaiTools []struct {
			Function json.RawMessage `json:"function"`
		}
		if json.Unmarshal(p.Tools, &openaiTools) == nil && len(openaiTools) > 0 {
			var decls []json.RawMessage
			for _, t := range openaiTools {
				if t.Function != nil {
					decls = append(decls, t.Function)
				}
			}
			if len(decls) > 0 {
				raw, _ := json.Marshal(decls)
				out.Tools = []vertexTool{{FunctionDeclarations: raw}}
			}
		}
	}

	for _, m := range p.Messages {
		text, err := extractText(m.Content)
		if err != nil {
			return nil, err
		}
		switch m.Role {
		case "system":
			out.SystemInstruction = &vertexContent{Parts: []vertexPart{{Text: text}}}
		case "user":
			out.Contents = append(out.Contents, vertexContent{
				Role:  "user",
				Parts: []vertexPart{{Text: text}},
			})
		default:
			// assistant and tool turns both travel as model turns
			out.Contents = append(out.Contents, vertexContent{
				Role:  "model",
				Parts: []vertexPart{{Text: text}},
			})
		}
	}

	return out, nil
}

// translateResponse converts a generateContent JSON response to the OpenAI
// response shape.
func translateResponse(data []byte, requestModel string) (*gateway.ChatResponse, error) {
	r := gjson.ParseBytes(data)

	finishReason := mapFinishReason(r.Get("candidates.0.finishReason").String())

	var contentText strings.Builder
	r.Get("candidates.0.content.parts").ForEach(func(_, part gjson.Result) bool {
		if text := part.Get("text"); text.Exists() {
			contentText.WriteString(text.String())
		}
		return true
	})

	msg := gateway.Message{Role: "assistant"}
	if contentText.Len() > 0 {
		ct, _ := json.Marshal(contentText.String())
		msg.Content = ct
	}

	var usage *gateway.Usage
	if u := r.Get("usageMetadata"); u.Exists() {
		usage = &gateway.Usage{
			PromptTokens:     int(u.Get("promptTokenCount").Int()),
			CompletionTokens: int(u.Get("candidatesTokenCount").Int()),
			TotalTokens:      int(u.Get("totalTokenCount").Int()),
		}
	}

	return &gateway.ChatResponse{
		ID:      "vertex-" + requestModel,
		Object:  "chat.completion",
		Model:   requestModel,
		Choices: []gateway.Choice{{Index: 0, Message: msg, FinishReason: finishReason}},
		Usage:   usage,
	}, nil
}

// mapFinishReason converts Vertex finish reasons to OpenAI finish reasons.
func mapFinishReason(reason string) string {
	switch reason {
	case "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION":
		return "content_filter"
	default:
		return strings.ToLower(reason)
	}
}

// extractText extracts a plain string from a content field that may be a raw
// string or an OpenAI multimodal part array. Non-text parts fail the request
// so callers never lose content on the wire.
func extractText(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s, nil
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if json.Unmarshal(raw, &parts) == nil {
		var b strings.Builder
		for _, p := range parts {
			if p.Type != "text" {
				return "", fmt.Errorf("%s: %w: content part type %q is not supported, only text",
					providerName, provider.ErrInvalidRequest, p.Type)
			}
			b.WriteString(p.Text)
		}
		return b.String(), nil
	}
	return string(raw), nil
}
