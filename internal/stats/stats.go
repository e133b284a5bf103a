// Package stats derives throughput statistics from backend counters.
package stats

import (
	"math"
	"time"

	"chatrelay/internal/domain"
	"chatrelay/internal/ollama"
)

// Extract builds Statistics from a terminal stream chunk. It is pure and
// never fails: absent counters simply leave the corresponding field unset.
// Tokens-per-second is derived from eval_count over eval_duration (reported
// in nanoseconds), rounded to two decimals, and omitted when either counter
// is zero.
func Extract(chunk *ollama.StreamChunk, model string, now time.Time) *domain.Statistics {
	s := &domain.Statistics{
		TotalDuration:      chunk.TotalDuration,
		LoadDuration:       chunk.LoadDuration,
		PromptEvalCount:    chunk.PromptEvalCount,
		PromptEvalDuration: chunk.PromptEvalDuration,
		EvalCount:          chunk.EvalCount,
		EvalDuration:       chunk.EvalDuration,
		Model:              model,
		GeneratedAt:        now,
	}
	if chunk.EvalCount > 0 && chunk.EvalDuration > 0 {
		seconds := float64(chunk.EvalDuration) / float64(time.Second)
		s.TokensPerSecond = round2(float64(chunk.EvalCount) / seconds)
	}
	return s
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
