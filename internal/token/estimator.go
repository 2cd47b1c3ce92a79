// Package token implements the heuristic token estimator used for all
// context accounting. Every ledger in the system (message stores, compression
// thresholds, inheritance budgets) uses these numbers; provider-reported
// usage is logged but never fed back into accounting.
package token

// MessageOverhead is the fixed per-message cost added on top of content
// tokens, covering role and framing.
const MessageOverhead = 4

// CharsPerToken is the plain-text ratio: four characters per token. CJK
// characters count as one token each.
const CharsPerToken = 4

// EstimateText returns the heuristic token count for text. CJK characters
// weigh 1.0 token, everything else 0.25; the sum is truncated toward zero.
func EstimateText(text string) int {
	// Accumulate in quarter tokens so the arithmetic stays exact.
	quarters := 0
	for _, r := range text {
		if isCJK(r) {
			quarters += 4
		} else {
			quarters++
		}
	}
	return quarters / 4
}

// EstimateMessage returns the cost of one conversation message: content
// tokens plus the per-message overhead.
func EstimateMessage(content string) int {
	return EstimateText(content) + MessageOverhead
}

// Truncate cuts text to maxTokens in 4-character units, appending "..." when
// anything was removed. Texts already within the character budget are
// returned unchanged.
func Truncate(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	runes := []rune(text)
	keep := maxTokens * CharsPerToken
	if len(runes) <= keep {
		return text
	}
	return string(runes[:keep]) + "..."
}

func isCJK(r rune) bool {
	switch {
	case r >= 0x3040 && r <= 0x309F: // hiragana
		return true
	case r >= 0x30A0 && r <= 0x30FF: // katakana
		return true
	case r >= 0x4E00 && r <= 0x9FFF: // CJK unified ideographs
		return true
	case r >= 0x3400 && r <= 0x4DBF: // CJK extension A
		return true
	}
	return false
}
