package tagging

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
)

// patternChar is a single character of a key or value pattern. Escaped
// characters are always literal; an unescaped '*' is a wildcard.
type patternChar struct {
	r       rune
	escaped bool
}

// pattern matches a tag key or tag value. Literal patterns compare by
// equality, wildcard patterns are compiled with gobwas/glob.
type pattern struct {
	text     string
	literal  string
	wildcard bool
	g        glob.Glob
}

func newPattern(chars []patternChar) (pattern, error) {
	chars = trimPatternSpace(chars)

	var (
		text    strings.Builder
		literal strings.Builder
		globSrc strings.Builder
	)
	wildcard := false
	for _, c := range chars {
		if c.r == '*' && !c.escaped {
			wildcard = true
			text.WriteRune('*')
			globSrc.WriteRune('*')
			continue
		}
		if c.escaped && (c.r == '*' || isOperator(c.r) || c.r == '\\') {
			text.WriteRune('\\')
		}
		text.WriteRune(c.r)
		literal.WriteRune(c.r)
		globSrc.WriteString(glob.QuoteMeta(string(c.r)))
	}

	p := pattern{
		text:     text.String(),
		literal:  literal.String(),
		wildcard: wildcard,
	}
	if !wildcard {
		return p, nil
	}

	g, err := glob.Compile(globSrc.String())
	if err != nil {
		return pattern{}, fmt.Errorf("invalid wildcard pattern %q: %w", p.text, err)
	}
	p.g = g
	return p, nil
}

// parsePattern builds a pattern from free text, honouring backslash escapes.
func parsePattern(s string) (pattern, error) {
	chars := make([]patternChar, 0, len(s))
	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		if runes[i] == '\\' {
			if i+1 >= len(runes) {
				return pattern{}, fmt.Errorf("dangling escape in pattern %q", s)
			}
			i++
			chars = append(chars, patternChar{r: runes[i], escaped: true})
			continue
		}
		chars = append(chars, patternChar{r: runes[i]})
	}
	return newPattern(chars)
}

func (p pattern) match(s string) bool {
	if !p.wildcard {
		return p.literal == s
	}
	return p.g.Match(s)
}

func (p pattern) empty() bool {
	return p.text == ""
}

func trimPatternSpace(chars []patternChar) []patternChar {
	start, end := 0, len(chars)
	for start < end && !chars[start].escaped && isSpace(chars[start].r) {
		start++
	}
	for end > start && !chars[end-1].escaped && isSpace(chars[end-1].r) {
		end--
	}
	return chars[start:end]
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}
