package chunk

import (
	"log/slog"
	"strings"

	"github.com/pkoukk/tiktoken-go"
)

var encoder *tiktoken.Tiktoken

func init() {
	var err error
	encoder, err = tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		slog.Warn("tiktoken cl100k_base unavailable, using word-based estimate")
	}
}

// CountTokens counts tokens using tiktoken, fallback to word-based estimate.
func CountTokens(text string) int {
	if encoder != nil {
		return len(encoder.Encode(text, nil, nil))
	}
	return int(float64(len(strings.Fields(text))) * 1.33)
}
