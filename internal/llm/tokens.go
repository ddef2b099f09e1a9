package llm

import "sync/atomic"

// Operation labels the pipeline stage an LLM call serves, for token
// accounting.
type Operation string

const (
	OpExtraction    Operation = "EXTRACTION"
	OpSummarization Operation = "SUMMARIZATION"
	OpQuery         Operation = "QUERY"
	OpRerank        Operation = "RERANK"
	OpEmbedding     Operation = "EMBEDDING"
)

// Usage is a snapshot of token consumption for one operation.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	Calls            int64 `json:"calls"`
}

// Total returns prompt plus completion tokens.
func (u Usage) Total() int64 {
	return u.PromptTokens + u.CompletionTokens
}

type usageCounters struct {
	prompt     atomic.Int64
	completion atomic.Int64
	calls      atomic.Int64
}

// TokenTracker accumulates token usage per operation across the process.
// All methods are safe for concurrent use.
type TokenTracker struct {
	extraction    usageCounters
	summarization usageCounters
	query         usageCounters
	rerank        usageCounters
	embedding     usageCounters
	other         usageCounters
}

// NewTokenTracker creates an empty tracker.
func NewTokenTracker() *TokenTracker {
	return &TokenTracker{}
}

func (t *TokenTracker) counters(op Operation) *usageCounters {
	switch op {
	case OpExtraction:
		return &t.extraction
	case OpSummarization:
		return &t.summarization
	case OpQuery:
		return &t.query
	case OpRerank:
		return &t.rerank
	case OpEmbedding:
		return &t.embedding
	default:
		return &t.other
	}
}

// Record adds one call's token counts to the operation's totals.
func (t *TokenTracker) Record(op Operation, promptTokens, completionTokens int) {
	c := t.counters(op)
	c.prompt.Add(int64(promptTokens))
	c.completion.Add(int64(completionTokens))
	c.calls.Add(1)
}

// Usage returns the current totals for one operation.
func (t *TokenTracker) Usage(op Operation) Usage {
	c := t.counters(op)
	return Usage{
		PromptTokens:     c.prompt.Load(),
		CompletionTokens: c.completion.Load(),
		Calls:            c.calls.Load(),
	}
}

// Snapshot returns the totals for every operation.
func (t *TokenTracker) Snapshot() map[Operation]Usage {
	return map[Operation]Usage{
		OpExtraction:    t.Usage(OpExtraction),
		OpSummarization: t.Usage(OpSummarization),
		OpQuery:         t.Usage(OpQuery),
		OpRerank:        t.Usage(OpRerank),
		OpEmbedding:     t.Usage(OpEmbedding),
	}
}

// EstimateTokens approximates token count as one token per four
// characters. Used when the provider response carries no usage block.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	n := (len(text) + 3) / 4
	if n < 1 {
		n = 1
	}
	return n
}
