package translate

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hydragw/hydra/internal/upstream"
)

// EncodeUpstreamRequest maps a normalized request onto the Gemini wire schema.
func EncodeUpstreamRequest(req *Request) (*upstream.GenerateRequest, error) {
	if req == nil {
		return nil, fmt.Errorf("request is required")
	}

	out := &upstream.GenerateRequest{}
	var systemParts []upstream.Part

	for _, msg := range req.Messages {
		switch msg.Role {
		case "system", "developer":
			for _, block := range msg.Blocks {
				if block.Kind == BlockText {
					systemParts = append(systemParts, upstream.Part{Text: block.Text})
				}
			}
		case "tool":
			part, err := encodeToolResult(msg)
			if err != nil {
				return nil, err
			}
			out.Contents = appendParts(out.Contents, "user", []upstream.Part{part})
		case "assistant":
			parts := encodeBlocks(msg.Blocks)
			for _, call := range msg.ToolCalls {
				parts = append(parts, upstream.Part{FunctionCall: &upstream.FunctionCall{
					Name: call.Name,
					Args: call.Arguments,
				}})
			}
			if len(parts) > 0 {
				out.Contents = appendParts(out.Contents, "model", parts)
			}
		default:
			parts := encodeBlocks(msg.Blocks)
			if len(parts) > 0 {
				out.Contents = appendParts(out.Contents, "user", parts)
			}
		}
	}

	if len(out.Contents) == 0 {
		return nil, fmt.Errorf("%w: no user content", ErrInvalidRequest)
	}
	if len(systemParts) > 0 {
		out.SystemInstruction = &upstream.Content{Parts: systemParts}
	}

	if len(req.Tools) > 0 {
		decls := make([]upstream.FunctionDeclaration, 0, len(req.Tools))
		for _, tool := range req.Tools {
			decls = append(decls, upstream.FunctionDeclaration{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			})
		}
		out.Tools = []upstream.Tool{{FunctionDeclarations: decls}}
	}

	if cfg := encodeToolChoice(req.ToolChoice, len(req.Tools) > 0); cfg != nil {
		out.ToolConfig = cfg
	}

	if req.Temperature != nil || (req.MaxTokens != nil && *req.MaxTokens > 0) {
		gen := &upstream.GenerationConfig{Temperature: req.Temperature}
		if req.MaxTokens != nil && *req.MaxTokens > 0 {
			gen.MaxOutputTokens = *req.MaxTokens
		}
		out.GenerationConfig = gen
	}

	return out, nil
}

// appendParts merges consecutive turns of the same role, which Gemini
// requires for alternating content.
func appendParts(contents []upstream.Content, role string, parts []upstream.Part) []upstream.Content {
	if n := len(contents); n > 0 && contents[n-1].Role == role {
		contents[n-1].Parts = append(contents[n-1].Parts, parts...)
		return contents
	}
	return append(contents, upstream.Content{Role: role, Parts: parts})
}

func encodeBlocks(blocks []Block) []upstream.Part {
	parts := make([]upstream.Part, 0, len(blocks))
	for _, block := range blocks {
		switch block.Kind {
		case BlockText:
			parts = append(parts, upstream.Part{Text: block.Text})
		case BlockImageByURL:
			parts = append(parts, upstream.Part{FileData: &upstream.FileData{
				MimeType: "image/jpeg",
				FileURI:  block.URL,
			}})
		case BlockImageInline:
			parts = append(parts, upstream.Part{InlineData: &upstream.Blob{
				MimeType: block.MimeType,
				Data:     block.Data,
			}})
		}
	}
	return parts
}

func encodeToolResult(msg Message) (upstream.Part, error) {
	name := strings.TrimSpace(msg.ToolName)
	if name == "" {
		name = msg.ToolResultID
	}
	if name == "" {
		return upstream.Part{}, fmt.Errorf("%w: tool message needs tool_call_id or name", ErrInvalidRequest)
	}

	var text strings.Builder
	for _, block := range msg.Blocks {
		if block.Kind == BlockText {
			text.WriteString(block.Text)
		}
	}

	// Gemini expects a JSON object; wrap plain-text results.
	response := json.RawMessage(text.String())
	if !json.Valid(response) || !strings.HasPrefix(strings.TrimSpace(text.String()), "{") {
		wrapped, err := json.Marshal(map[string]string{"result": text.String()})
		if err != nil {
			return upstream.Part{}, fmt.Errorf("encode tool result: %w", err)
		}
		response = wrapped
	}

	return upstream.Part{FunctionResponse: &upstream.FunctionResponse{
		Name:     name,
		Response: response,
	}}, nil
}

func encodeToolChoice(choice ToolChoice, hasTools bool) *upstream.ToolConfig {
	if !hasTools {
		return nil
	}
	cfg := &upstream.FunctionCallingConfig{}
	switch choice.Mode {
	case ToolChoiceNone:
		cfg.Mode = "NONE"
	case ToolChoiceRequired:
		cfg.Mode = "ANY"
	case ToolChoiceNamed:
		cfg.Mode = "ANY"
		cfg.AllowedFunctionNames = []string{choice.Name}
	default:
		cfg.Mode = "AUTO"
	}
	return &upstream.ToolConfig{FunctionCallingConfig: cfg}
}
