package aggregator

import "fmt"

// ErrInvalidReaction is returned when a kind-7 event's content isn't "+",
// "-", or a recognizable emoji (original_source's ProcessingError::InvalidReaction).
var ErrInvalidReaction = fmt.Errorf("aggregator: invalid reaction content")

var commonReactions = map[string]bool{
	"👍": true, "👎": true, "❤️": true, "😀": true,
	"😊": true, "😂": true, "🔥": true, "✨": true, "🎉": true, "👏": true,
}

// skinToneAndVariation are stripped by NormalizeReaction when
// AggregatorConfig.normalize_emoji is set, matching
// original_source's normalize_emoji_string.
var skinToneAndVariation = []rune{
	'\U0001F3FB', '\U0001F3FC', '\U0001F3FD', '\U0001F3FE', '\U0001F3FF', '️',
}

// NormalizeReaction validates and normalizes a kind-7 event's content (spec
// §4.5: "+"→👍, "-"→👎, emoji passthrough, optional skin-tone stripping).
func NormalizeReaction(content string, normalizeEmoji bool) (string, error) {
	switch content {
	case "+":
		return "👍", nil
	case "-":
		return "👎", nil
	}
	if !isValidEmoji(content) {
		return "", ErrInvalidReaction
	}
	if normalizeEmoji {
		return stripModifiers(content), nil
	}
	return content, nil
}

func isValidEmoji(s string) bool {
	if s == "" || len(s) > 50 {
		return false
	}
	if commonReactions[s] {
		return true
	}
	for _, r := range s {
		if isEmojiRune(r) {
			return true
		}
	}
	return false
}

func isEmojiRune(r rune) bool {
	switch {
	case r >= 0x1F600 && r <= 0x1F64F: // emoticons
		return true
	case r >= 0x1F300 && r <= 0x1F5FF: // misc symbols & pictographs
		return true
	case r >= 0x1F680 && r <= 0x1F6FF: // transport & map
		return true
	case r >= 0x1F1E0 && r <= 0x1F1FF: // regional indicators
		return true
	case r >= 0x2600 && r <= 0x26FF: // misc symbols
		return true
	case r >= 0x2700 && r <= 0x27BF: // dingbats
		return true
	case r >= 0xFE00 && r <= 0xFE0F: // variation selectors
		return true
	case r == 0x200D: // zero-width joiner
		return true
	case r == 0x20E3: // combining enclosing keycap
		return true
	default:
		return false
	}
}

func stripModifiers(s string) string {
	hasModifier := false
	for _, r := range s {
		for _, m := range skinToneAndVariation {
			if r == m {
				hasModifier = true
			}
		}
	}
	if !hasModifier {
		return s
	}
	out := make([]rune, 0, len(s))
	for _, r := range s {
		skip := false
		for _, m := range skinToneAndVariation {
			if r == m {
				skip = true
				break
			}
		}
		if !skip {
			out = append(out, r)
		}
	}
	return string(out)
}
