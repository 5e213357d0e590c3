package tokenizer

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// Encoder counts tokens in a text fragment. Implementations must be safe
// for concurrent use; the encoder is shared by every in-flight request.
type Encoder interface {
	Count(text string) int
}

// CL100K wraps the cl100k_base BPE encoding. The merge tables are several
// megabytes, so construct it once at startup and share it.
type CL100K struct {
	enc *tiktoken.Tiktoken
}

func NewCL100K() (*CL100K, error) {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("failed to load cl100k_base encoding: %w", err)
	}
	return &CL100K{enc: enc}, nil
}

func (t *CL100K) Count(text string) int {
	return len(t.enc.Encode(text, []string{"all"}, nil))
}
