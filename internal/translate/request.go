// Package translate maps between the client-facing OpenAI schema and the
// upstream Gemini schema. All mappings are pure; streamed responses use a
// per-stream accumulator scoped to one relay.
package translate

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidRequest marks client payloads that cannot be decoded. These are
// surfaced to the client and never retried against another credential.
var ErrInvalidRequest = errors.New("invalid request")

// BlockKind tags one normalized content block.
type BlockKind string

const (
	BlockText        BlockKind = "text"
	BlockImageByURL  BlockKind = "image_url"
	BlockImageInline BlockKind = "image_inline"
)

// Block is one normalized content fragment of a message.
type Block struct {
	Kind BlockKind
	Text string
	// URL is set for BlockImageByURL.
	URL string
	// MimeType and Data are set for BlockImageInline; Data is base64.
	MimeType string
	Data     string
}

// ToolCall is a normalized tool invocation attached to an assistant turn.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// Message is one normalized conversation turn.
type Message struct {
	Role      string
	Blocks    []Block
	ToolCalls []ToolCall
	// ToolResult fields are set for role "tool".
	ToolResultID string
	ToolName     string
}

// ToolDefinition is a normalized caller-defined function.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToolChoiceMode selects how the upstream may call tools.
type ToolChoiceMode string

const (
	ToolChoiceAuto     ToolChoiceMode = "auto"
	ToolChoiceNone     ToolChoiceMode = "none"
	ToolChoiceRequired ToolChoiceMode = "required"
	ToolChoiceNamed    ToolChoiceMode = "named"
)

// ToolChoice is the normalized tool_choice.
type ToolChoice struct {
	Mode ToolChoiceMode
	Name string
}

// Request is the normalized decoded form of a client request, independent of
// either wire schema.
type Request struct {
	Model       string
	Messages    []Message
	Tools       []ToolDefinition
	ToolChoice  ToolChoice
	Stream      bool
	Temperature *float64
	MaxTokens   *int
}

// DecodeRequest normalizes a client chat request. Malformed payloads return
// errors wrapping ErrInvalidRequest.
func DecodeRequest(req *ChatRequest) (*Request, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: empty body", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.Model) == "" {
		return nil, fmt.Errorf("%w: model is required", ErrInvalidRequest)
	}
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("%w: messages are required", ErrInvalidRequest)
	}

	out := &Request{
		Model:       strings.TrimSpace(req.Model),
		Stream:      req.Stream,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		ToolChoice:  ToolChoice{Mode: ToolChoiceAuto},
	}

	for i, msg := range req.Messages {
		decoded, err := decodeMessage(msg)
		if err != nil {
			return nil, fmt.Errorf("%w: message %d: %v", ErrInvalidRequest, i, err)
		}
		out.Messages = append(out.Messages, decoded)
	}

	for i, tool := range req.Tools {
		if tool.Type != "function" || tool.Function == nil {
			return nil, fmt.Errorf("%w: tool %d: unsupported tool type %q", ErrInvalidRequest, i, tool.Type)
		}
		name := strings.TrimSpace(tool.Function.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: tool %d: function name is required", ErrInvalidRequest, i)
		}
		out.Tools = append(out.Tools, ToolDefinition{
			Name:        name,
			Description: tool.Function.Description,
			Parameters:  tool.Function.Parameters,
		})
	}

	choice, err := decodeToolChoice(req.ToolChoice)
	if err != nil {
		return nil, err
	}
	out.ToolChoice = choice

	return out, nil
}

func decodeMessage(msg ChatMessage) (Message, error) {
	role := strings.TrimSpace(msg.Role)
	if role == "" {
		return Message{}, fmt.Errorf("role is required")
	}

	out := Message{Role: role}

	if role == "tool" {
		out.ToolResultID = msg.ToolCallID
		out.ToolName = msg.Name
	}

	for _, call := range msg.ToolCalls {
		args := json.RawMessage(call.Function.Arguments)
		if len(args) == 0 {
			args = json.RawMessage("{}")
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: args,
		})
	}

	blocks, err := decodeContent(msg.Content)
	if err != nil {
		return Message{}, err
	}
	out.Blocks = blocks

	return out, nil
}

func decodeContent(raw json.RawMessage) ([]Block, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		if text == "" {
			return nil, nil
		}
		return []Block{{Kind: BlockText, Text: text}}, nil
	}

	var parts []ChatContentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil, fmt.Errorf("content must be a string or an array of parts")
	}

	blocks := make([]Block, 0, len(parts))
	for i, part := range parts {
		switch part.Type {
		case "text":
			blocks = append(blocks, Block{Kind: BlockText, Text: part.Text})
		case "image_url":
			if part.ImageURL == nil || strings.TrimSpace(part.ImageURL.URL) == "" {
				return nil, fmt.Errorf("part %d: image_url.url is required", i)
			}
			block, err := decodeImageURL(part.ImageURL.URL)
			if err != nil {
				return nil, fmt.Errorf("part %d: %v", i, err)
			}
			blocks = append(blocks, block)
		default:
			return nil, fmt.Errorf("part %d: unsupported content type %q", i, part.Type)
		}
	}
	return blocks, nil
}

// decodeImageURL splits data URIs into inline blocks; anything else stays a
// URL reference for the upstream to fetch.
func decodeImageURL(url string) (Block, error) {
	if !strings.HasPrefix(url, "data:") {
		return Block{Kind: BlockImageByURL, URL: url}, nil
	}

	header, data, ok := strings.Cut(url, ",")
	if !ok {
		return Block{}, fmt.Errorf("malformed data uri")
	}
	mimeType := strings.TrimPrefix(header, "data:")
	mimeType, _, _ = strings.Cut(mimeType, ";")
	if mimeType == "" {
		mimeType = "image/png"
	}
	return Block{Kind: BlockImageInline, MimeType: mimeType, Data: data}, nil
}

func decodeToolChoice(raw json.RawMessage) (ToolChoice, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return ToolChoice{Mode: ToolChoiceAuto}, nil
	}

	var mode string
	if err := json.Unmarshal(raw, &mode); err == nil {
		switch mode {
		case "auto", "":
			return ToolChoice{Mode: ToolChoiceAuto}, nil
		case "none":
			return ToolChoice{Mode: ToolChoiceNone}, nil
		case "required":
			return ToolChoice{Mode: ToolChoiceRequired}, nil
		default:
			return ToolChoice{}, fmt.Errorf("%w: unsupported tool_choice %q", ErrInvalidRequest, mode)
		}
	}

	var named namedToolChoice
	if err := json.Unmarshal(raw, &named); err != nil {
		return ToolChoice{}, fmt.Errorf("%w: malformed tool_choice", ErrInvalidRequest)
	}
	if named.Type != "function" || strings.TrimSpace(named.Function.Name) == "" {
		return ToolChoice{}, fmt.Errorf("%w: malformed tool_choice", ErrInvalidRequest)
	}
	return ToolChoice{Mode: ToolChoiceNamed, Name: named.Function.Name}, nil
}

// EstimateTokens is a conservative token estimate over the request text,
// used for logging only; reservation is count-based.
func EstimateTokens(req *Request) int {
	if req == nil {
		return 0
	}
	chars := 0
	for _, msg := range req.Messages {
		for _, block := range msg.Blocks {
			chars += len(block.Text)
		}
	}
	return int(float64(chars) / 4 * 1.2)
}
