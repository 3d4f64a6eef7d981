package similarity

import (
	"encoding/json"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Keys whose subtrees are never embedded.
var attachmentKeys = map[string]bool{
	"attachment":  true,
	"attachments": true,
	"file":        true,
	"files":       true,
	"binary":      true,
	"blob":        true,
	"image":       true,
	"images":      true,
	"base64":      true,
	"data_base64": true,
	"bytes":       true,
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "that": true, "this": true,
	"from": true, "are": true, "was": true, "were": true, "has": true, "have": true,
	"not": true, "but": true, "you": true, "your": true, "into": true, "then": true,
	"than": true, "its": true, "our": true, "will": true, "can": true, "all": true,
}

const maxKeywords = 16

// Canonicalize projects JSON contexts onto the text that gets embedded. String
// values under the configured content fields are kept, in key order; when no
// blob has any of them, every textual leaf is used instead. Binary-looking
// values and attachment subtrees are skipped.
func Canonicalize(blobs [][]byte, fields []string, maxChars int) string {
	want := make(map[string]bool, len(fields))
	for _, f := range fields {
		want[strings.ToLower(f)] = true
	}

	var content, fallback []string
	for _, b := range blobs {
		var v any
		if err := json.Unmarshal(b, &v); err != nil {
			continue
		}
		walk(v, "", func(key, s string) {
			if looksBinary(s) {
				return
			}
			line := key + ": " + strings.Join(strings.Fields(s), " ")
			if want[key] {
				content = append(content, line)
			} else {
				fallback = append(fallback, line)
			}
		})
	}
	if len(content) == 0 {
		content = fallback
	}
	return truncate(strings.Join(content, "\n"), maxChars)
}

func walk(v any, key string, emit func(key, s string)) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			lk := strings.ToLower(k)
			if attachmentKeys[lk] {
				continue
			}
			walk(t[k], lk, emit)
		}
	case []any:
		for _, item := range t {
			walk(item, key, emit)
		}
	case string:
		if strings.TrimSpace(t) != "" {
			emit(key, t)
		}
	}
}

func looksBinary(s string) bool {
	if !utf8.ValidString(s) || strings.ContainsRune(s, 0) || strings.HasPrefix(s, "data:") {
		return true
	}
	if len(s) < 64 || strings.ContainsAny(s, " \n\t") {
		return false
	}
	encoded := 0
	for _, r := range s {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r) || r == '+' || r == '/' || r == '=' || r == '-' || r == '_') {
			encoded++
		}
	}
	return encoded == utf8.RuneCountInString(s)
}

func truncate(s string, maxChars int) string {
	if maxChars <= 0 || utf8.RuneCountInString(s) <= maxChars {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxChars])
}

// tokens splits text into lower-case words of at least three characters.
func tokens(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if utf8.RuneCountInString(f) >= 3 && !stopwords[f] {
			out = append(out, f)
		}
	}
	return out
}

// Keywords returns the most frequent words of text, most frequent first.
func Keywords(text string) []string {
	counts := make(map[string]int)
	for _, tok := range tokens(text) {
		counts[tok]++
	}
	words := make([]string, 0, len(counts))
	for w := range counts {
		words = append(words, w)
	}
	sort.Slice(words, func(i, j int) bool {
		if counts[words[i]] != counts[words[j]] {
			return counts[words[i]] > counts[words[j]]
		}
		return words[i] < words[j]
	})
	if len(words) > maxKeywords {
		words = words[:maxKeywords]
	}
	return words
}

func jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	set := make(map[string]bool, len(a))
	for _, w := range a {
		set[w] = true
	}
	inter, union := 0, len(set)
	seen := make(map[string]bool, len(b))
	for _, w := range b {
		if seen[w] {
			continue
		}
		seen[w] = true
		if set[w] {
			inter++
		} else {
			union++
		}
	}
	return float64(inter) / float64(union)
}
