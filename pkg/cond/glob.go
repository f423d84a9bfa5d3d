package cond

import (
	"strings"
	"unicode"
)

// HasMeta reports whether p contains shell pattern characters.
func HasMeta(p string) bool {
	return strings.ContainsAny(p, `*?[\`)
}

// Match reports whether s matches the shell pattern p as [[ s == p ]] and
// case arms do: "*" matches any run of characters including "/", "?" any
// one character, "[...]" a bracket expression with "!" or "^" negation,
// ranges and [:class:] names, and "\" quotes the next character. An
// unterminated "[" matches itself.
func Match(p, s string) bool {
	pat, str := []rune(p), []rune(s)
	pi, si := 0, 0
	star, starS := -1, 0
	for si < len(str) {
		if pi < len(pat) {
			switch pat[pi] {
			case '*':
				star, starS = pi, si
				pi++
				continue
			case '?':
				pi++
				si++
				continue
			case '[':
				if matched, next, ok := matchBracket(pat, pi, str[si]); ok {
					if matched {
						pi, si = next, si+1
						continue
					}
				} else if str[si] == '[' {
					pi++
					si++
					continue
				}
			case '\\':
				if pi+1 < len(pat) {
					if pat[pi+1] == str[si] {
						pi += 2
						si++
						continue
					}
				} else if str[si] == '\\' {
					pi++
					si++
					continue
				}
			default:
				if pat[pi] == str[si] {
					pi++
					si++
					continue
				}
			}
		}
		if star < 0 {
			return false
		}
		starS++
		pi, si = star+1, starS
	}
	for pi < len(pat) && pat[pi] == '*' {
		pi++
	}
	return pi == len(pat)
}

// matchBracket matches r against the bracket expression starting at
// pat[at] == '['. ok is false when the expression is not terminated.
func matchBracket(pat []rune, at int, r rune) (matched bool, next int, ok bool) {
	i := at + 1
	negate := false
	if i < len(pat) && (pat[i] == '!' || pat[i] == '^') {
		negate = true
		i++
	}
	first := true
	for i < len(pat) {
		if pat[i] == ']' && !first {
			return matched != negate, i + 1, true
		}
		first = false

		if pat[i] == '[' && i+1 < len(pat) && pat[i+1] == ':' {
			if end := indexRunes(pat, i+2, ":]"); end >= 0 {
				if classMatch(string(pat[i+2:end]), r) {
					matched = true
				}
				i = end + 2
				continue
			}
		}

		lo := pat[i]
		if lo == '\\' && i+1 < len(pat) {
			i++
			lo = pat[i]
		}
		i++
		hi := lo
		if i+1 < len(pat) && pat[i] == '-' && pat[i+1] != ']' {
			i++
			if pat[i] == '\\' && i+1 < len(pat) {
				i++
			}
			hi = pat[i]
			i++
		}
		if lo <= r && r <= hi {
			matched = true
		}
	}
	return false, 0, false
}

// indexRunes returns the rune index of sub in s at or after from, or -1.
func indexRunes(s []rune, from int, sub string) int {
	want := []rune(sub)
	for i := from; i+len(want) <= len(s); i++ {
		if string(s[i:i+len(want)]) == sub {
			return i
		}
	}
	return -1
}

func classMatch(name string, r rune) bool {
	switch name {
	case "alpha":
		return unicode.IsLetter(r)
	case "digit":
		return r >= '0' && r <= '9'
	case "alnum":
		return unicode.IsLetter(r) || unicode.IsDigit(r)
	case "upper":
		return unicode.IsUpper(r)
	case "lower":
		return unicode.IsLower(r)
	case "space":
		return unicode.IsSpace(r)
	case "blank":
		return r == ' ' || r == '\t'
	case "punct":
		return unicode.IsPunct(r) || unicode.IsSymbol(r)
	case "xdigit":
		return strings.ContainsRune("0123456789abcdefABCDEF", r)
	case "cntrl":
		return unicode.IsControl(r)
	case "print":
		return unicode.IsPrint(r)
	case "graph":
		return unicode.IsPrint(r) && r != ' '
	}
	return false
}
