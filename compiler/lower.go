package compiler

import (
	"strconv"
	"strings"
)

// isHLCall reports whether cmd invokes a user function (".name ...").
func isHLCall(cmd string) bool {
	t := strings.TrimSpace(cmd)
	if len(t) < 2 || t[0] != '.' {
		return false
	}
	c := t[1]
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '_'
}

// splitHLCall splits ".init $a $b" into ("init", "$a $b").
func splitHLCall(cmd string) (name, args string) {
	t := strings.TrimPrefix(strings.TrimSpace(cmd), ".")
	name, args, _ = strings.Cut(t, " ")
	return name, strings.TrimSpace(args)
}

// inlineKind classifies a single-line body that is not an HL call.
type inlineKind int

const (
	inlineExec inlineKind = iota
	inlineExit
	inlineOut
)

// shellInline maps the hacker-lang shorthands allowed in branch and loop
// bodies: "log x" prints, "end [n]" exits, "out v" binds the return value
// and a leading ">" marks a plain command.
func shellInline(cmd string) (inlineKind, string, int32) {
	t := strings.TrimSpace(cmd)
	if r, ok := strings.CutPrefix(t, "log "); ok {
		return inlineExec, "echo " + r, 0
	}
	if t == "end" {
		return inlineExit, "", 0
	}
	if r, ok := strings.CutPrefix(t, "end "); ok {
		code, err := strconv.ParseInt(strings.TrimSpace(r), 10, 32)
		if err != nil {
			code = 0
		}
		return inlineExit, "", int32(code)
	}
	if r, ok := strings.CutPrefix(t, "out "); ok {
		return inlineOut, r, 0
	}
	if r, ok := strings.CutPrefix(t, ">"); ok {
		return inlineExec, strings.TrimSpace(r), 0
	}
	return inlineExec, t, 0
}

// shellStage renders one pipe stage as shell text.
func shellStage(stage string) string {
	kind, s, code := shellInline(stage)
	switch kind {
	case inlineExit:
		return "exit " + strconv.Itoa(int(code))
	case inlineOut:
		return "echo " + s
	}
	return s
}

// wordSep terminates each queued word of a for loop. The unit separator
// cannot appear in a literal list and is not trimmed as white space.
const wordSep = "\x1f"

// staticWords splits a for-in list into words when the list is a plain
// literal. Lists with expansions, globs or quoting are left to the shell.
func staticWords(list string) ([]string, bool) {
	if strings.ContainsAny(list, "$`*?[{\"'\\~") {
		return nil, false
	}
	words := strings.Fields(list)
	if len(words) == 0 {
		return nil, false
	}
	return words, true
}
