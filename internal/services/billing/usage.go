package billing

import "encoding/json"

// Usage is the vendor-reported token accounting from a terminal chunk or a
// non-streaming response. Some vendors use the input_tokens/output_tokens
// aliases; both spellings are accepted and missing fields default to zero.
type Usage struct {
	PromptTokens     uint64
	CompletionTokens uint64
	TotalTokens      uint64
}

func (u *Usage) UnmarshalJSON(data []byte) error {
	var aux struct {
		PromptTokens     *uint64 `json:"prompt_tokens"`
		InputTokens      *uint64 `json:"input_tokens"`
		CompletionTokens *uint64 `json:"completion_tokens"`
		OutputTokens     *uint64 `json:"output_tokens"`
		TotalTokens      *uint64 `json:"total_tokens"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	switch {
	case aux.PromptTokens != nil:
		u.PromptTokens = *aux.PromptTokens
	case aux.InputTokens != nil:
		u.PromptTokens = *aux.InputTokens
	}
	switch {
	case aux.CompletionTokens != nil:
		u.CompletionTokens = *aux.CompletionTokens
	case aux.OutputTokens != nil:
		u.CompletionTokens = *aux.OutputTokens
	}
	if aux.TotalTokens != nil {
		u.TotalTokens = *aux.TotalTokens
	}
	return nil
}
