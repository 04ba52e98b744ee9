package messages

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	"github.com/tidwall/gjson"
)

// ToolResultFormat tags tool-result envelopes so clients can recognise them.
const ToolResultFormat = "ag_ui_tool_result_v1"

// ToolResultEnvelope wraps a tool's raw output in the stable envelope
//
//	{"ok": bool, "tool": string|null, "toolCallId": string|null, "data": any,
//	 "meta": {"format": "ag_ui_tool_result_v1"}}
//
// Raw content that already is an envelope, as a map or as JSON text, is
// normalised instead of wrapped twice. When ok is nil it is inferred: data
// that is an object carrying "error", "errors" or "exception" is not ok.
func ToolResultEnvelope(toolCallID, toolName string, raw any, ok *bool) map[string]any {
	if env, isEnv := asEnvelope(raw); isEnv {
		return normalizeEnvelope(env, toolCallID, toolName, ok)
	}

	data := DecodeToolData(raw)
	okv := !looksLikeError(data)
	if ok != nil {
		okv = *ok
	}
	return map[string]any{
		"ok":         okv,
		"tool":       nullable(toolName),
		"toolCallId": nullable(toolCallID),
		"data":       data,
		"meta":       map[string]any{"format": ToolResultFormat},
	}
}

// WrapToolResult is ToolResultEnvelope rendered as JSON text.
func WrapToolResult(toolCallID, toolName string, raw any, ok *bool) (string, error) {
	b, err := json.Marshal(ToolResultEnvelope(toolCallID, toolName, raw, ok))
	if err != nil {
		return "", fmt.Errorf("messages: encode tool result: %w", err)
	}
	return string(b), nil
}

// toolDataDecoder attempts one interpretation of raw tool output. Decoders
// are total and side-effect free; the first that reports ok wins.
type toolDataDecoder func(raw any) (any, bool)

var toolDataDecoders = []toolDataDecoder{
	decodeStructured,
	decodeJSONText,
	decodeLiteralText,
}

// DecodeToolData turns raw tool output into JSON-friendly data: structured
// values pass through, JSON text is parsed, stringified literals (single
// quotes, Python-style constants) are recovered when possible, and anything
// else is kept as an opaque string.
func DecodeToolData(raw any) any {
	for _, decode := range toolDataDecoders {
		if v, ok := decode(raw); ok {
			return v
		}
	}
	return opaque(raw)
}

func decodeStructured(raw any) (any, bool) {
	if _, isString := raw.(string); isString {
		return nil, false
	}
	return JSONSafe(raw), true
}

func decodeJSONText(raw any) (any, bool) {
	s, ok := containerText(raw)
	if !ok || !gjson.Valid(s) {
		return nil, false
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, false
	}
	return v, true
}

func decodeLiteralText(raw any) (any, bool) {
	s, ok := containerText(raw)
	if !ok {
		return nil, false
	}
	repaired, err := jsonrepair.JSONRepair(s)
	if err != nil {
		return nil, false
	}
	var v any
	if err := json.Unmarshal([]byte(repaired), &v); err != nil {
		return nil, false
	}
	switch v.(type) {
	case map[string]any, []any:
		return v, true
	default:
		return nil, false
	}
}

func opaque(raw any) any {
	if s, ok := raw.(string); ok {
		return s
	}
	return fmt.Sprint(raw)
}

// containerText returns raw trimmed when it is a string that looks like a
// JSON object or array.
func containerText(raw any) (string, bool) {
	s, ok := raw.(string)
	if !ok {
		return "", false
	}
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "{") && !strings.HasPrefix(s, "[") {
		return "", false
	}
	return s, true
}

// JSONSafe coerces v into plain JSON values (maps, slices, strings, numbers,
// bools, nil). Values that cannot be encoded are rendered with fmt.
func JSONSafe(v any) any {
	switch t := v.(type) {
	case nil, string, bool, float64, map[string]any, []any:
		return t
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return fmt.Sprint(v)
	}
	return out
}

func asEnvelope(raw any) (map[string]any, bool) {
	switch v := raw.(type) {
	case map[string]any:
		return v, isEnvelope(v)
	case string:
		s := strings.TrimSpace(v)
		r := gjson.Parse(s)
		if !gjson.Valid(s) || !r.IsObject() {
			return nil, false
		}
		if !r.Get("data").Exists() || !(r.Get("toolCallId").Exists() || r.Get("tool_call_id").Exists()) {
			return nil, false
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(s), &m); err != nil {
			return nil, false
		}
		return m, true
	default:
		return nil, false
	}
}

func isEnvelope(m map[string]any) bool {
	if _, ok := m["data"]; !ok {
		return false
	}
	_, camel := m["toolCallId"]
	_, snake := m["tool_call_id"]
	return camel || snake
}

func normalizeEnvelope(env map[string]any, toolCallID, toolName string, ok *bool) map[string]any {
	out := make(map[string]any, len(env)+2)
	for k, v := range env {
		out[k] = v
	}
	if _, has := out["meta"]; !has {
		out["meta"] = map[string]any{"format": ToolResultFormat}
	}
	if _, has := out["toolCallId"]; !has {
		out["toolCallId"] = out["tool_call_id"]
	}
	if id, _ := out["toolCallId"].(string); id == "" && toolCallID != "" {
		out["toolCallId"] = toolCallID
	}
	if out["tool"] == nil && toolName != "" {
		out["tool"] = toolName
	}
	if ok != nil {
		out["ok"] = *ok
	}
	return out
}

func looksLikeError(data any) bool {
	m, ok := data.(map[string]any)
	if !ok {
		return false
	}
	for _, k := range []string{"error", "errors", "exception"} {
		if _, has := m[k]; has {
			return true
		}
	}
	return false
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
