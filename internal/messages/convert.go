// Package messages converts between engine and protocol message lists and
// normalises what flows between them: tool results, multimodal content and
// reasoning history.
package messages

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ashita-ai/tsumugi/engine"
	"github.com/ashita-ai/tsumugi/internal/model"
)

// defaultImageMime is assumed for image parts that carry no mime type.
const defaultImageMime = "image/png"

// FromEngine converts engine messages to protocol messages.
//
// Reasoning blocks ("thinking" or "reasoning") inside assistant list content
// become reasoning messages named "<id>-reasoning-<n>", placed immediately
// before their assistant message. Tool message content is wrapped in the
// tool-result envelope.
func FromEngine(msgs []engine.Message) ([]model.Message, error) {
	out := make([]model.Message, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case engine.RoleUser:
			var content any = ResolveContent(m.Content)
			if blocks, ok := m.Content.([]any); ok {
				content = fromEngineMultimodal(blocks)
			}
			out = append(out, model.Message{ID: m.ID, Role: model.RoleUser, Content: content, Name: m.Name})

		case engine.RoleAssistant:
			out = append(out, reasoningBlocks(m)...)
			msg := model.Message{
				ID:      m.ID,
				Role:    model.RoleAssistant,
				Content: ResolveContent(m.Content),
				Name:    m.Name,
			}
			for _, tc := range m.ToolCalls {
				args := tc.Args
				if args == nil {
					args = map[string]any{}
				}
				b, err := json.Marshal(args)
				if err != nil {
					return nil, fmt.Errorf("messages: encode arguments of tool call %q: %w", tc.ID, err)
				}
				msg.ToolCalls = append(msg.ToolCalls, model.ToolCall{
					ID:       tc.ID,
					Type:     "function",
					Function: model.FunctionCall{Name: tc.Name, Arguments: string(b)},
				})
			}
			out = append(out, msg)

		case engine.RoleSystem:
			out = append(out, model.Message{ID: m.ID, Role: model.RoleSystem, Content: ResolveContent(m.Content), Name: m.Name})

		case engine.RoleTool:
			content, err := WrapToolResult(m.ToolCallID, m.Name, m.Content, nil)
			if err != nil {
				return nil, err
			}
			out = append(out, model.Message{ID: m.ID, Role: model.RoleTool, Content: content, ToolCallID: m.ToolCallID})

		default:
			return nil, fmt.Errorf("messages: unsupported engine message role %q", m.Role)
		}
	}
	return out, nil
}

func reasoningBlocks(m engine.Message) []model.Message {
	blocks, ok := m.Content.([]any)
	if !ok {
		return nil
	}
	var out []model.Message
	for _, b := range blocks {
		block, ok := b.(map[string]any)
		if !ok {
			continue
		}
		text, _ := block["thinking"].(string)
		if text == "" {
			text, _ = block["reasoning"].(string)
		}
		if text == "" {
			continue
		}
		id := fmt.Sprintf("%s-reasoning-%d", m.ID, len(out))
		out = append(out, model.ReasoningMessage(id, []string{text}))
	}
	return out
}

func fromEngineMultimodal(blocks []any) []model.InputContent {
	out := make([]model.InputContent, 0, len(blocks))
	for _, b := range blocks {
		block, ok := b.(map[string]any)
		if !ok {
			continue
		}
		switch block["type"] {
		case "text":
			text, _ := block["text"].(string)
			out = append(out, model.InputContent{Type: model.InputContentText, Text: text})
		case "image_url":
			out = append(out, binaryFromURL(imageURL(block["image_url"])))
		}
	}
	return out
}

func imageURL(v any) string {
	switch u := v.(type) {
	case string:
		return u
	case map[string]any:
		s, _ := u["url"].(string)
		return s
	default:
		return ""
	}
}

// binaryFromURL splits data URLs ("data:<mime>;base64,<data>") into mime
// type and payload; any other URL is kept as a reference.
func binaryFromURL(url string) model.InputContent {
	if !strings.HasPrefix(url, "data:") {
		return model.InputContent{Type: model.InputContentBinary, MimeType: defaultImageMime, URL: url}
	}
	header, data, _ := strings.Cut(url, ",")
	mime := defaultImageMime
	if _, rest, ok := strings.Cut(header, ":"); ok {
		mime, _, _ = strings.Cut(rest, ";")
	}
	return model.InputContent{Type: model.InputContentBinary, MimeType: mime, Data: data}
}

// ToEngine converts protocol messages to engine messages. Reasoning messages
// are display-only and are dropped.
func ToEngine(msgs []model.Message) ([]engine.Message, error) {
	out := make([]engine.Message, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case model.RoleUser:
			var content any
			switch c := m.Content.(type) {
			case string:
				content = c
			case nil:
				content = ""
			default:
				parts, ok := InputContents(c)
				if !ok {
					content = fmt.Sprint(c)
					break
				}
				content = toEngineMultimodal(parts)
			}
			out = append(out, engine.Message{ID: m.ID, Role: engine.RoleUser, Content: content, Name: m.Name})

		case model.RoleAssistant:
			msg := engine.Message{ID: m.ID, Role: engine.RoleAssistant, Content: textOrEmpty(m.Content), Name: m.Name}
			for _, tc := range m.ToolCalls {
				args := map[string]any{}
				if tc.Function.Arguments != "" {
					if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
						return nil, fmt.Errorf("messages: parse arguments of tool call %q: %w", tc.ID, err)
					}
				}
				msg.ToolCalls = append(msg.ToolCalls, engine.ToolCall{ID: tc.ID, Name: tc.Function.Name, Args: args})
			}
			out = append(out, msg)

		case model.RoleSystem:
			out = append(out, engine.Message{ID: m.ID, Role: engine.RoleSystem, Content: textOrEmpty(m.Content), Name: m.Name})

		case model.RoleTool:
			out = append(out, engine.Message{ID: m.ID, Role: engine.RoleTool, Content: m.Content, ToolCallID: m.ToolCallID})

		case model.RoleReasoning:
			continue

		default:
			return nil, fmt.Errorf("messages: unsupported message role %q", m.Role)
		}
	}
	return out, nil
}

func toEngineMultimodal(parts []model.InputContent) []any {
	out := make([]any, 0, len(parts))
	for _, p := range parts {
		switch p.Type {
		case model.InputContentText:
			out = append(out, map[string]any{"type": "text", "text": p.Text})
		case model.InputContentBinary:
			block := map[string]any{"type": "image_url"}
			switch {
			case p.URL != "":
				block["image_url"] = map[string]any{"url": p.URL}
			case p.Data != "":
				block["image_url"] = map[string]any{"url": fmt.Sprintf("data:%s;base64,%s", p.MimeType, p.Data)}
			case p.ID != "":
				block["image_url"] = map[string]any{"url": p.ID}
			}
			out = append(out, block)
		}
	}
	return out
}

// InputContents reads multimodal user content. It accepts typed parts and
// the []any a decoded request body produces.
func InputContents(content any) ([]model.InputContent, bool) {
	switch c := content.(type) {
	case []model.InputContent:
		return c, true
	case []any:
		b, err := json.Marshal(c)
		if err != nil {
			return nil, false
		}
		var parts []model.InputContent
		if err := json.Unmarshal(b, &parts); err != nil {
			return nil, false
		}
		return parts, true
	default:
		return nil, false
	}
}

func textOrEmpty(content any) any {
	if content == nil {
		return ""
	}
	return content
}

// ResolveContent returns string content as is, or the text of the first
// "text" block of list content. Anything else resolves to "".
func ResolveContent(content any) string {
	switch c := content.(type) {
	case string:
		return c
	case []any:
		for _, b := range c {
			if block, ok := b.(map[string]any); ok && block["type"] == "text" {
				s, _ := block["text"].(string)
				return s
			}
		}
	}
	return ""
}

// FlattenUserContent renders multimodal user content as plain text. Binary
// parts become "[Binary content: ...]" placeholders naming the file, URL or
// mime type.
func FlattenUserContent(content any) string {
	switch c := content.(type) {
	case nil:
		return ""
	case string:
		return c
	}
	parts, ok := InputContents(content)
	if !ok {
		return fmt.Sprint(content)
	}
	var lines []string
	for _, p := range parts {
		switch p.Type {
		case model.InputContentText:
			if p.Text != "" {
				lines = append(lines, p.Text)
			}
		case model.InputContentBinary:
			label := p.MimeType
			if p.Filename != "" {
				label = p.Filename
			} else if p.URL != "" {
				label = p.URL
			}
			lines = append(lines, "[Binary content: "+label+"]")
		}
	}
	return strings.Join(lines, "\n")
}
