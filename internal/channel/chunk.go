package channel

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Per-platform message length limits, in characters.
const (
	telegramMaxMsgLen = 4096
	slackMaxMsgLen    = 4000
	discordMaxMsgLen  = 2000
)

const minChunkLimit = 32

// SplitMessage breaks text into pieces of at most limit characters. When more
// than one piece is needed each carries a "[i/n] " prefix, and the prefix
// counts toward the limit. Breaks prefer paragraph, then line, then sentence,
// then word boundaries, falling back to a hard cut. Separators stay with the
// preceding piece, so stripping the prefixes and concatenating reproduces text.
func SplitMessage(text string, limit int) []string {
	if limit < minChunkLimit {
		limit = minChunkLimit
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}

	// The label width depends on the chunk count; widen until it fits.
	for digits := 1; ; digits++ {
		labelLen := 2*digits + 4 // "[" d "/" d "] "
		pieces := splitRunes(runes, limit-labelLen)
		if len(pieces) < pow10(digits) {
			out := make([]string, len(pieces))
			for i, p := range pieces {
				out[i] = chunkLabel(i+1, len(pieces)) + p
			}
			return out
		}
	}
}

func chunkLabel(i, n int) string {
	return fmt.Sprintf("[%d/%d] ", i, n)
}

// StripChunkLabel removes a "[i/n] " prefix added by SplitMessage.
func StripChunkLabel(chunk string) string {
	if !strings.HasPrefix(chunk, "[") {
		return chunk
	}
	end := strings.Index(chunk, "] ")
	if end < 0 {
		return chunk
	}
	var i, n int
	if _, err := fmt.Sscanf(chunk[:end+1], "[%d/%d]", &i, &n); err != nil {
		return chunk
	}
	return chunk[end+2:]
}

func splitRunes(runes []rune, limit int) []string {
	var out []string
	for len(runes) > limit {
		cut := findNaturalBreak(runes, limit/2, limit)
		out = append(out, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		out = append(out, string(runes))
	}
	return out
}

// findNaturalBreak returns the cut index within (minIdx, maxIdx].
func findNaturalBreak(r []rune, minIdx, maxIdx int) int {
	if maxIdx > len(r) {
		maxIdx = len(r)
	}
	if minIdx >= maxIdx {
		return maxIdx
	}
	region := r[minIdx:maxIdx]

	// paragraph
	for i := len(region) - 2; i >= 0; i-- {
		if region[i] == '\n' && region[i+1] == '\n' {
			return minIdx + i + 2
		}
	}
	for i := len(region) - 1; i >= 0; i-- {
		if region[i] == '\n' {
			return minIdx + i + 1
		}
	}
	// sentence end followed by a space
	for i := len(region) - 2; i >= 0; i-- {
		switch region[i] {
		case '.', '!', '?':
			if region[i+1] == ' ' {
				return minIdx + i + 2
			}
		}
	}
	for i := len(region) - 1; i >= 0; i-- {
		if region[i] == ' ' {
			return minIdx + i + 1
		}
	}
	return maxIdx
}

func pow10(n int) int {
	p := 1
	for i := 0; i < n; i++ {
		p *= 10
	}
	return p
}

// sendChunks delivers chunks in order, pausing between them, and returns the
// id of the first message created.
func sendChunks(ctx context.Context, chunks []string, delay time.Duration, send func(ctx context.Context, i int, chunk string) (string, error)) (string, error) {
	var firstID string
	for i, c := range chunks {
		if i > 0 && delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return firstID, ctx.Err()
			}
		}
		id, err := send(ctx, i, c)
		if err != nil {
			return firstID, fmt.Errorf("chunk %d/%d: %w", i+1, len(chunks), err)
		}
		if i == 0 {
			firstID = id
		}
	}
	return firstID, nil
}
