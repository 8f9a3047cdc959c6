package transfer

import (
	"fmt"
	"strings"
)

// FormatList renders a list the way the CSV files have always carried list
// fields: ['a', 'b'].
func FormatList(items []string) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, s := range items {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(quote(s))
	}
	b.WriteByte(']')
	return b.String()
}

// quote uses single quotes unless the text holds a single quote and no
// double quote.
func quote(s string) string {
	q := byte('\'')
	if strings.ContainsRune(s, '\'') && !strings.ContainsRune(s, '"') {
		q = '"'
	}
	var b strings.Builder
	b.WriteByte(q)
	for _, r := range s {
		switch {
		case r == '\\':
			b.WriteString(`\\`)
		case r == rune(q):
			b.WriteByte('\\')
			b.WriteRune(r)
		case r == '\n':
			b.WriteString(`\n`)
		case r == '\r':
			b.WriteString(`\r`)
		case r == '\t':
			b.WriteString(`\t`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte(q)
	return b.String()
}

// ParseList reads a list literal written by FormatList. Both quote styles
// are accepted; an empty string is an empty list.
func ParseList(s string) ([]string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return []string{}, nil
	}
	if len(s) < 2 || s[0] != '[' || s[len(s)-1] != ']' {
		return nil, fmt.Errorf("list literal %q: missing brackets", s)
	}
	body := []rune(s[1 : len(s)-1])
	out := []string{}
	i := 0
	skipSpace := func() {
		for i < len(body) && (body[i] == ' ' || body[i] == '\t') {
			i++
		}
	}
	for {
		skipSpace()
		if i >= len(body) {
			return out, nil
		}
		q := body[i]
		if q != '\'' && q != '"' {
			return nil, fmt.Errorf("list literal %q: expected a quoted string at %d", s, i)
		}
		i++
		var elem strings.Builder
		closed := false
		for i < len(body) {
			r := body[i]
			i++
			if r == q {
				closed = true
				break
			}
			if r != '\\' || i >= len(body) {
				elem.WriteRune(r)
				continue
			}
			esc := body[i]
			i++
			switch esc {
			case 'n':
				elem.WriteRune('\n')
			case 'r':
				elem.WriteRune('\r')
			case 't':
				elem.WriteRune('\t')
			default:
				elem.WriteRune(esc)
			}
		}
		if !closed {
			return nil, fmt.Errorf("list literal %q: unterminated string", s)
		}
		out = append(out, elem.String())
		skipSpace()
		switch {
		case i >= len(body):
			return out, nil
		case body[i] == ',':
			i++
		default:
			return nil, fmt.Errorf("list literal %q: expected ',' at %d", s, i)
		}
	}
}
