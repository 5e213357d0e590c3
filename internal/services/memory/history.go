package memory

import "encoding/json"

// InjectHistory prepends stored session messages to the outbound messages
// array, preserving their insertion order ahead of the caller's messages.
func InjectHistory(payload map[string]any, history []json.RawMessage) {
	if len(history) == 0 {
		return
	}

	current, _ := payload["messages"].([]any)
	merged := make([]any, 0, len(history)+len(current))
	for _, raw := range history {
		var msg any
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		merged = append(merged, msg)
	}
	payload["messages"] = append(merged, current...)
}

// CollapseMultimodal rewrites multimodal content arrays in the messages to
// their text component and drops image_url parts. Applied when the target
// model cannot accept images.
func CollapseMultimodal(payload map[string]any) {
	messages, ok := payload["messages"].([]any)
	if !ok {
		return
	}

	for _, m := range messages {
		msg, ok := m.(map[string]any)
		if !ok {
			continue
		}
		parts, ok := msg["content"].([]any)
		if !ok {
			continue
		}

		for _, p := range parts {
			part, ok := p.(map[string]any)
			if !ok {
				continue
			}
			if part["type"] == "text" {
				msg["content"] = part["text"]
				break
			}
		}

		// No text part found; drop the multimodal payload entirely
		// rather than feed images to a text-only model.
		if _, still := msg["content"].([]any); still {
			msg["content"] = ""
		}
	}
}

// LastUserMessage returns the final entry of the messages array as raw
// JSON, or nil when absent. Used by the out-of-band session writer.
func LastUserMessage(payload map[string]any) json.RawMessage {
	messages, ok := payload["messages"].([]any)
	if !ok || len(messages) == 0 {
		return nil
	}
	raw, err := json.Marshal(messages[len(messages)-1])
	if err != nil {
		return nil
	}
	return raw
}
