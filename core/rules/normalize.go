package rules

import (
	"strings"
)

// Normalize rewrites rule text into the syntax of the expression evaluator:
//
//   - '@' becomes "sys_"
//   - a single '=' becomes "==", an escaped `\=` becomes a single '='
//   - '.' followed by an identifier becomes "?." (null safe member access)
//   - "<>" becomes "!=", the keywords AND, OR and LIKE become "&&", "||" and "contains"
//
// String literals are copied unchanged.
func Normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text) + 8)
	n := len(text)
	for i := 0; i < n; i++ {
		c := text[i]
		switch {
		case c == '"' || c == '\'':
			end := literalEnd(text, i)
			b.WriteString(text[i:end])
			i = end - 1
		case c == '@':
			b.WriteString(sysPrefix)
		case c == '\\' && byteAt(text, i+1) == '=':
			b.WriteByte('=')
			i++
		case c == '=':
			prev := prevByte(text, i)
			next := byteAt(text, i+1)
			if prev == '=' || prev == '!' || prev == '<' || prev == '>' || next == '=' {
				b.WriteByte(c)
			} else {
				b.WriteString("==")
			}
		case c == '<' && byteAt(text, i+1) == '>':
			b.WriteString("!=")
			i++
		case c == '.':
			if isIdentStart(byteAt(text, i+1)) && prevByte(text, i) != '?' {
				b.WriteString("?.")
			} else {
				b.WriteByte(c)
			}
		case isIdentStart(c) && !isIdentChar(prevByte(text, i)):
			end := i
			for end < n && isIdentChar(text[end]) {
				end++
			}
			word := text[i:end]
			keyword := strings.ToUpper(word)
			if prevByte(text, i) == '.' {
				keyword = ""
			}
			switch keyword {
			case "AND":
				b.WriteString("&&")
			case "OR":
				b.WriteString("||")
			case "LIKE":
				b.WriteString("contains")
			default:
				b.WriteString(word)
			}
			i = end - 1
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// literalEnd returns the index after the string literal starting at start
func literalEnd(text string, start int) int {
	quote := text[start]
	for i := start + 1; i < len(text); i++ {
		switch text[i] {
		case '\\':
			i++
		case quote:
			return i + 1
		}
	}
	return len(text)
}

func byteAt(text string, i int) byte {
	if i < 0 || i >= len(text) {
		return 0
	}
	return text[i]
}

func prevByte(text string, i int) byte {
	return byteAt(text, i-1)
}

func isIdentStart(c byte) bool {
	return c == '_' || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z')
}

func isIdentChar(c byte) bool {
	return isIdentStart(c) || ('0' <= c && c <= '9')
}
