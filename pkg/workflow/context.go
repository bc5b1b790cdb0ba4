// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package workflow

// contextWindow bounds how many messages an agent step's running
// transcript is allowed to carry into the next LLM turn. Long-running
// agent loops otherwise grow si.Messages without limit across cycles,
// eventually overflowing the model's own context window.
type contextWindow struct {
	maxTokens      int
	pruneThreshold int
}

// newContextWindow builds a window that starts pruning at 80% of maxTokens,
// leaving headroom for the turn's response.
func newContextWindow(maxTokens int) *contextWindow {
	return &contextWindow{
		maxTokens:      maxTokens,
		pruneThreshold: int(float64(maxTokens) * 0.8),
	}
}

// shouldPrune reports whether messages exceeds the prune threshold.
func (w *contextWindow) shouldPrune(messages []Message) bool {
	return w.estimateTokens(messages) > w.pruneThreshold
}

// prune keeps the leading system message plus as many of the most recent
// messages as fit the token budget, dropping the oldest turns in between.
func (w *contextWindow) prune(messages []Message) []Message {
	if len(messages) == 0 {
		return messages
	}

	kept := []Message{messages[0]}
	remaining := w.maxTokens - w.estimateMessageTokens(&messages[0])

	for i := len(messages) - 1; i > 0; i-- {
		tokens := w.estimateMessageTokens(&messages[i])
		if remaining-tokens < 0 {
			break
		}
		remaining -= tokens
		kept = append([]Message{messages[i]}, kept[1:]...)
	}

	return kept
}

// estimateTokens sums a rough per-message token estimate. It is a 4-chars-
// per-token heuristic, not an actual tokenizer, matching the precision the
// balance/pricing layer already accepts elsewhere for pre-flight checks.
func (w *contextWindow) estimateTokens(messages []Message) int {
	total := 0
	for i := range messages {
		total += w.estimateMessageTokens(&messages[i])
	}
	return total
}

func (w *contextWindow) estimateMessageTokens(msg *Message) int {
	tokens := len(msg.Content)/4 + 10
	for _, tc := range msg.ToolCalls {
		tokens += len(tc.Function.Name)/4 + len(tc.Function.Arguments)/4 + 20
	}
	return tokens
}
