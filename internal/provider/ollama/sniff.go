package ollama

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	"llmproxy/internal/models"
)

// sniffToolCalls recognizes a tool call that the model wrote into its text
// reply instead of the structured field. Exactly two shapes are accepted:
//
//	{"tool_calls":[{"id":"...","function":{"name":"...","arguments":{...}}}]}
//	{"name":"...","arguments":{...}}
//
// The first must have tool_calls as its only key; the second may carry only
// id and type besides name and arguments. Every named function must be one of
// the offered tools. Anything else is reported as not a tool call, so a reply
// that merely looks like JSON stays a plain message.
func sniffToolCalls(content string, offered map[string]struct{}, newID func() string) ([]models.ToolCallRequest, bool) {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "{") || !gjson.Valid(trimmed) {
		return nil, false
	}

	root := gjson.Parse(trimmed)
	keys := objectKeys(root)

	if _, ok := keys["tool_calls"]; ok && len(keys) == 1 {
		items := root.Get("tool_calls")
		if !items.IsArray() || len(items.Array()) == 0 {
			return nil, false
		}

		calls := make([]models.ToolCallRequest, 0, len(items.Array()))
		for _, item := range items.Array() {
			if !item.IsObject() {
				return nil, false
			}
			call, ok := sniffCall(item.Get("id"), item.Get("function"), offered, newID)
			if !ok {
				return nil, false
			}
			calls = append(calls, call)
		}
		return calls, true
	}

	for key := range keys {
		switch key {
		case "name", "arguments", "id", "type":
		default:
			return nil, false
		}
	}
	if _, ok := keys["name"]; !ok {
		return nil, false
	}
	if _, ok := keys["arguments"]; !ok {
		return nil, false
	}

	call, ok := sniffCall(root.Get("id"), root, offered, newID)
	if !ok {
		return nil, false
	}
	return []models.ToolCallRequest{call}, true
}

func sniffCall(id, function gjson.Result, offered map[string]struct{}, newID func() string) (models.ToolCallRequest, bool) {
	if !function.IsObject() {
		return models.ToolCallRequest{}, false
	}

	name := function.Get("name")
	if name.Type != gjson.String || name.Str == "" {
		return models.ToolCallRequest{}, false
	}
	if _, ok := offered[name.Str]; !ok {
		return models.ToolCallRequest{}, false
	}

	args, ok := argumentsText(function.Get("arguments"))
	if !ok {
		return models.ToolCallRequest{}, false
	}

	callID := ""
	if id.Type == gjson.String {
		callID = strings.TrimSpace(id.Str)
	}
	if callID == "" {
		callID = newID()
	}

	return models.NewFunctionCall(callID, name.Str, args), true
}

// argumentsText accepts arguments given as a JSON object or as a string
// holding a JSON object, and returns them as compact JSON text.
func argumentsText(v gjson.Result) (string, bool) {
	raw := ""
	switch {
	case v.IsObject():
		raw = v.Raw
	case v.Type == gjson.String && gjson.Valid(v.Str) && gjson.Parse(v.Str).IsObject():
		raw = v.Str
	default:
		return "", false
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(raw)); err != nil {
		return "", false
	}
	return buf.String(), true
}

func objectKeys(v gjson.Result) map[string]struct{} {
	keys := make(map[string]struct{})
	if !v.IsObject() {
		return keys
	}
	v.ForEach(func(key, _ gjson.Result) bool {
		keys[key.Str] = struct{}{}
		return true
	})
	return keys
}
