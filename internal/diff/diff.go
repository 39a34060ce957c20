// Package diff compares two drafts line by line. Alignment uses the
// Ratcliff/Obershelp matcher from go-difflib, so results match the classic
// SequenceMatcher behaviour: reasonable rather than minimal edit scripts,
// longest contiguous matches first.
package diff

import (
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

type Tag string

const (
	TagEqual   Tag = "equal"
	TagInsert  Tag = "insert"
	TagDelete  Tag = "delete"
	TagReplace Tag = "replace"
)

// Opcode maps old[I1:I2] onto new[J1:J2].
type Opcode struct {
	Tag Tag `json:"tag"`
	I1  int `json:"i1"`
	I2  int `json:"i2"`
	J1  int `json:"j1"`
	J2  int `json:"j2"`
}

type Stats struct {
	LinesAdded      int     `json:"linesAdded"`
	LinesRemoved    int     `json:"linesRemoved"`
	LinesChanged    int     `json:"linesChanged"`
	SimilarityRatio float64 `json:"similarityRatio"`
}

// SplitLines breaks text on every line boundary. A trailing boundary does
// not start an extra empty line, and "\r\n" counts as one boundary.
func SplitLines(text string) []string {
	lines := make([]string, 0, strings.Count(text, "\n")+1)
	start := 0
	for i := 0; i < len(text); {
		r, size := decodeBoundary(text[i:])
		if size == 0 {
			i++
			continue
		}
		lines = append(lines, text[start:i])
		if r == '\r' && i+1 < len(text) && text[i+1] == '\n' {
			size = 2
		}
		i += size
		start = i
	}
	if start < len(text) {
		lines = append(lines, text[start:])
	}
	return lines
}

// decodeBoundary reports the width of the line boundary at the start of s,
// or 0 when s does not start with one.
func decodeBoundary(s string) (rune, int) {
	switch s[0] {
	case '\n', '\r', '\v', '\f', 0x1c, 0x1d, 0x1e:
		return rune(s[0]), 1
	case 0xc2:
		if len(s) > 1 && s[1] == 0x85 {
			return 0x85, 2
		}
	case 0xe2:
		if len(s) > 2 && s[1] == 0x80 && (s[2] == 0xa8 || s[2] == 0xa9) {
			return rune(0x2000) | rune(s[2]-0x80), 3
		}
	}
	return 0, 0
}

func matcher(oldText, newText string) (*difflib.SequenceMatcher, []string, []string) {
	a, b := SplitLines(oldText), SplitLines(newText)
	return difflib.NewMatcher(a, b), a, b
}

// Opcodes aligns the lines of oldText and newText.
func Opcodes(oldText, newText string) []Opcode {
	m, _, _ := matcher(oldText, newText)
	return convert(m.GetOpCodes())
}

func convert(codes []difflib.OpCode) []Opcode {
	out := make([]Opcode, 0, len(codes))
	for _, c := range codes {
		out = append(out, Opcode{Tag: tagOf(c.Tag), I1: c.I1, I2: c.I2, J1: c.J1, J2: c.J2})
	}
	return out
}

func tagOf(b byte) Tag {
	switch b {
	case 'i':
		return TagInsert
	case 'd':
		return TagDelete
	case 'r':
		return TagReplace
	default:
		return TagEqual
	}
}

// ChangeStats counts added and removed lines. A replace run counts on both
// sides.
func ChangeStats(oldText, newText string) Stats {
	m, _, _ := matcher(oldText, newText)
	var stats Stats
	for _, op := range convert(m.GetOpCodes()) {
		switch op.Tag {
		case TagDelete:
			stats.LinesRemoved += op.I2 - op.I1
		case TagInsert:
			stats.LinesAdded += op.J2 - op.J1
		case TagReplace:
			stats.LinesRemoved += op.I2 - op.I1
			stats.LinesAdded += op.J2 - op.J1
		}
	}
	stats.LinesChanged = stats.LinesAdded + stats.LinesRemoved
	stats.SimilarityRatio = m.Ratio()
	return stats
}

// Unified renders a unified diff. Identical inputs produce an empty string.
func Unified(oldText, newText, fromLabel, toLabel string, context int) (string, error) {
	if context < 0 {
		context = 3
	}
	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        withNewlines(SplitLines(oldText)),
		B:        withNewlines(SplitLines(newText)),
		FromFile: fromLabel,
		ToFile:   toLabel,
		Context:  context,
	})
}

func withNewlines(lines []string) []string {
	out := make([]string, len(lines))
	for i, line := range lines {
		out[i] = line + "\n"
	}
	return out
}
