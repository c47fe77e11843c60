package engine

import (
	"fmt"

	"github.com/danshapiro/relay/internal/relay/failure"
)

// contextLevelIndex picks where in levels to start: one step smaller for
// every shrinkBytes of accumulated history and plan, and for every
// shrinkIterations iterations.
func contextLevelIndex(levels []int, accumulated int64, iteration, shrinkBytes, shrinkIterations int) int {
	idx := 0
	if shrinkBytes > 0 {
		idx += int(accumulated / int64(shrinkBytes))
	}
	if shrinkIterations > 0 && iteration > 1 {
		idx += (iteration - 1) / shrinkIterations
	}
	if idx > len(levels)-1 {
		idx = len(levels) - 1
	}
	return idx
}

// fitPrompt builds the prompt at levels[start] and steps down while it is
// larger than maxBytes. At the smallest level an oversized prompt is a
// context_overflow violation; it is never truncated.
func fitPrompt(stage string, levels []int, start, maxBytes int, build func(level int) (string, error)) (string, int, error) {
	if len(levels) == 0 {
		return "", 0, fmt.Errorf("%s: no context levels configured", stage)
	}
	if start < 0 {
		start = 0
	}
	var (
		prompt string
		err    error
	)
	for i := start; i < len(levels); i++ {
		prompt, err = build(levels[i])
		if err != nil {
			return "", 0, err
		}
		if len(prompt) <= maxBytes {
			return prompt, levels[i], nil
		}
	}
	return "", 0, &failure.InvariantViolation{
		Kind:   failure.KindContextOverflow,
		Detail: fmt.Sprintf("%s prompt is %d bytes at minimum context level %d, limit %d", stage, len(prompt), levels[len(levels)-1], maxBytes),
	}
}
