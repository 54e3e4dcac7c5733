package companion

import (
	"strings"
	"unicode"
)

// NameExtractor finds a self-introduction such as "my name is X" using
// literal, case-sensitive markers tried in order.
type NameExtractor struct {
	markers []string
}

func NewNameExtractor(markers ...string) NameExtractor {
	out := make([]string, 0, len(markers))
	for _, m := range markers {
		if m != "" {
			out = append(out, m)
		}
	}
	return NameExtractor{markers: out}
}

func (e NameExtractor) Markers() []string {
	return append([]string(nil), e.markers...)
}

// Extract returns the token after the first marker found in text, up to the
// next whitespace. Whitespace right after the marker is skipped. A marker
// followed by nothing yields no name.
func (e NameExtractor) Extract(text string) (string, bool) {
	for _, marker := range e.markers {
		idx := strings.Index(text, marker)
		if idx < 0 {
			continue
		}
		rest := strings.TrimLeftFunc(text[idx+len(marker):], unicode.IsSpace)
		if end := strings.IndexFunc(rest, unicode.IsSpace); end >= 0 {
			rest = rest[:end]
		}
		if rest != "" {
			return rest, true
		}
	}
	return "", false
}
