package tagging

import (
	"strings"
)

// FilterSet selects tags by key using a comma-separated list of wildcard
// patterns, for example "env:*, owner". A pattern prefixed with '!'
// excludes keys that an earlier pattern included, so "*,!aws:*" selects
// every tag except the reserved ones.
type FilterSet struct {
	text    string
	include []pattern
	exclude []pattern
}

// NewFilterSet parses a comma-separated list of key patterns.
func NewFilterSet(patterns string) (*FilterSet, error) {
	fs := &FilterSet{text: strings.TrimSpace(patterns)}

	for _, item := range splitUnescaped(patterns, ',') {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}

		exclude := false
		if strings.HasPrefix(item, "!") {
			exclude = true
			item = strings.TrimSpace(item[1:])
		}

		p, err := parsePattern(item)
		if err != nil {
			return nil, err
		}
		if exclude {
			fs.exclude = append(fs.exclude, p)
		} else {
			fs.include = append(fs.include, p)
		}
	}

	return fs, nil
}

// PairsMatchingAnyFilter returns the subset of tags whose key matches at
// least one include pattern and no exclude pattern. The input map is not
// modified.
func (fs *FilterSet) PairsMatchingAnyFilter(tags map[string]string) map[string]string {
	out := make(map[string]string)
	if fs == nil {
		return out
	}
	for k, v := range tags {
		if fs.selects(k) {
			out[k] = v
		}
	}
	return out
}

// Empty reports whether the set has no include patterns.
func (fs *FilterSet) Empty() bool {
	return fs == nil || len(fs.include) == 0
}

// String returns the pattern list as configured.
func (fs *FilterSet) String() string {
	if fs == nil {
		return ""
	}
	return fs.text
}

func (fs *FilterSet) selects(key string) bool {
	for _, p := range fs.exclude {
		if p.match(key) {
			return false
		}
	}
	for _, p := range fs.include {
		if p.match(key) {
			return true
		}
	}
	return false
}

// splitUnescaped splits s on sep, ignoring separators preceded by a backslash.
// Escapes are kept in the output for the pattern parser.
func splitUnescaped(s string, sep rune) []string {
	var (
		parts   []string
		current strings.Builder
		escaped bool
	)
	for _, r := range s {
		switch {
		case escaped:
			current.WriteRune(r)
			escaped = false
		case r == '\\':
			current.WriteRune(r)
			escaped = true
		case r == sep:
			parts = append(parts, current.String())
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	return append(parts, current.String())
}
