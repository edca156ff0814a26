package router

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/modelgate/modelgate/internal/unified"
)

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// EstimateTokens approximates the input token count of a request for
// category routing. cl100k_base is close enough across vendors for a routing
// threshold; when the encoding cannot be loaded a bytes/4 heuristic is used
// so routing never fails.
func EstimateTokens(req *unified.Request) int {
	var text []byte
	text = append(text, req.System...)
	for _, msg := range req.Messages {
		for _, block := range msg.Content {
			switch block.Type {
			case unified.BlockText:
				text = append(text, block.Text...)
			case unified.BlockToolResult:
				if s, ok := block.Content.(string); ok {
					text = append(text, s...)
				}
			}
		}
	}

	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})

	if encoding == nil {
		return len(text) / 4
	}
	return len(encoding.Encode(string(text), nil, nil))
}
