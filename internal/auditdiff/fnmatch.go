package auditdiff

import (
	"regexp"
	"strings"
)

// globPattern is a shell-style pattern with fnmatch semantics: "*" and "?"
// also match "/", "[seq]" and "[!seq]" are character classes, and an
// unterminated "[" is literal. Matching is case-sensitive.
type globPattern struct {
	raw string
	re  *regexp.Regexp
}

func compileGlob(glob string) (*globPattern, error) {
	re, err := regexp.Compile(translateGlob(glob))
	if err != nil {
		return nil, err
	}
	return &globPattern{raw: glob, re: re}, nil
}

func (p *globPattern) match(path string) bool {
	return p.re.MatchString(path)
}

// Match reports whether path matches glob.
func Match(glob, path string) (bool, error) {
	p, err := compileGlob(glob)
	if err != nil {
		return false, err
	}
	return p.match(path), nil
}

func translateGlob(glob string) string {
	var b strings.Builder
	b.WriteString(`(?s)\A`)

	runes := []rune(glob)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		switch c {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		case '[':
			end, class := translateClass(runes, i+1)
			if end < 0 {
				b.WriteString(`\[`)
				continue
			}
			b.WriteString(class)
			i = end
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}

	b.WriteString(`\z`)
	return b.String()
}

// translateClass converts the bracket expression starting after "[" at
// start. It returns the index of the closing "]" or -1 if there is none.
func translateClass(runes []rune, start int) (int, string) {
	j := start
	if j < len(runes) && runes[j] == '!' {
		j++
	}
	if j < len(runes) && runes[j] == ']' {
		j++
	}
	for j < len(runes) && runes[j] != ']' {
		j++
	}
	if j >= len(runes) {
		return -1, ""
	}

	body := runes[start:j]
	var b strings.Builder
	b.WriteByte('[')
	if len(body) > 0 && body[0] == '!' {
		b.WriteByte('^')
		body = body[1:]
	}
	for _, r := range body {
		switch r {
		case '\\', '[', ']', '^':
			b.WriteByte('\\')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte(']')
	return j, b.String()
}
