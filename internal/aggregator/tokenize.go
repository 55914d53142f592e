package aggregator

import (
	"regexp"
	"sort"
)

var (
	urlRe     = regexp.MustCompile(`https?://[^\s]+`)
	mentionRe = regexp.MustCompile(`nostr:(npub1[a-z0-9]+|nprofile1[a-z0-9]+)`)
)

type tokenSpan struct {
	start, end int
	kind       TokenKind
}

// Tokenize splits a message body into plain-text / URL / mention segments
// (spec §4.5: "Tokenize content (URL / mention / plain-text segments)").
// It does not attempt full markdown or NIP-27 mention-range parsing —
// URLs and bare nostr: URIs are the two structured segment kinds that
// matter for rendering a chat bubble.
func Tokenize(content string) []ContentToken {
	if content == "" {
		return nil
	}

	var spans []tokenSpan
	for _, loc := range urlRe.FindAllStringIndex(content, -1) {
		spans = append(spans, tokenSpan{loc[0], loc[1], TokenURL})
	}
	for _, loc := range mentionRe.FindAllStringIndex(content, -1) {
		spans = append(spans, tokenSpan{loc[0], loc[1], TokenMention})
	}
	if len(spans) == 0 {
		return []ContentToken{{Kind: TokenPlainText, Value: content}}
	}

	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })

	var tokens []ContentToken
	cursor := 0
	for _, s := range spans {
		if s.start < cursor {
			continue // overlapping match (e.g. mention inside a URL), skip
		}
		if s.start > cursor {
			if text := content[cursor:s.start]; text != "" {
				tokens = append(tokens, ContentToken{Kind: TokenPlainText, Value: text})
			}
		}
		tokens = append(tokens, ContentToken{Kind: s.kind, Value: content[s.start:s.end]})
		cursor = s.end
	}
	if cursor < len(content) {
		tokens = append(tokens, ContentToken{Kind: TokenPlainText, Value: content[cursor:]})
	}
	return tokens
}
