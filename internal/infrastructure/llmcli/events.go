package llmcli

import "encoding/json"

// rawEvent is the wire shape of one newline-delimited JSON event on
// the LLM CLI subprocess's standard output.
type rawEvent struct {
	Type    string          `json:"type"`
	Delta   *rawDelta       `json:"delta,omitempty"`
	Message *rawMessage     `json:"message,omitempty"`
	Usage   *rawUsage       `json:"usage,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	IsError bool            `json:"is_error,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type rawDelta struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type rawMessage struct {
	Role    string          `json:"role"`
	Content []rawContentBlk `json:"content"`
}

type rawContentBlk struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	Name  string          `json:"name,omitempty"`
	ID    string          `json:"id,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

type rawUsage struct {
	InputTokens      int64   `json:"input_tokens"`
	OutputTokens     int64   `json:"output_tokens"`
	CacheReadTokens  int64   `json:"cache_read_input_tokens"`
	CostUSD          float64 `json:"cost_usd"`
	DurationMs       int64   `json:"duration_ms"`
	DurationAPIMs    int64   `json:"duration_api_ms"`
}

const (
	eventContentBlockDelta = "content_block_delta"
	eventContentBlockStart = "content_block_start"
	eventMessage           = "assistant"
	eventResult            = "result"
)
