package plugin

import "strings"

// TokensPerBatch is how many whitespace-delimited tokens each synthetic
// chunk event carries. Pacing plugin output in small batches keeps the
// client-side rendering cadence comparable to native streaming.
const TokensPerBatch = 3

// Batch is one synthetic chunk of an emulated stream. Total carries the
// cumulative text through this batch.
type Batch struct {
	Delta string
	Total string
	Done  bool
}

// SplitBatches splits a completed response into fixed-size token batches.
// Done is set only on the final batch. Empty input yields a single terminal
// batch so the client still receives exactly one done event.
func SplitBatches(text string, size int) []Batch {
	if size <= 0 {
		size = TokensPerBatch
	}
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return []Batch{{Total: text, Done: true}}
	}

	var batches []Batch
	var total strings.Builder
	for i := 0; i < len(tokens); i += size {
		end := i + size
		if end > len(tokens) {
			end = len(tokens)
		}
		delta := strings.Join(tokens[i:end], " ")
		if total.Len() > 0 {
			total.WriteString(" ")
		}
		total.WriteString(delta)
		batches = append(batches, Batch{
			Delta: delta,
			Total: total.String(),
			Done:  end == len(tokens),
		})
	}
	return batches
}
