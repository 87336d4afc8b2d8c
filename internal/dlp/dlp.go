// Package dlp scores text for leaked C source code.
//
// The score is the weighted sum of matches of a fixed table of line-oriented
// patterns (preprocessor directives, declarations, punctuation habits of C),
// divided by the number of non-blank lines. Text scoring at or above the
// threshold is classified as source code.
package dlp

import (
	"regexp"
	"strings"
)

// DefaultThreshold is the normalized score at which text counts as code.
const DefaultThreshold = 0.8

type key struct {
	re    *regexp.Regexp
	score float64
}

var keys = buildKeys()

func buildKeys() []key {
	table := []struct {
		expr  string
		score float64
	}{
		// preprocessor
		{`^[ \t]*# ?include ?[<"].*[>"] *$`, 100},
		{`^[ \t]*# ?define`, 40},

		// statements and declarations
		{`^[ \t]*for ?\(`, 10},
		{`^[ \t]*for ?\( ? int`, 50},
		{`^[ \t]*if ?\(`, 2},
		{`^[ \t]*else]`, 2},
		{`^[ \t]*return `, 2},
		{`^[ \t]*struct `, 20},
		{`^[ \t]*inline `, 30},
		{`^[ \t]*typedef `, 50},
		{`^[ \t]*(int|void) main\(\)`, 50},
		{`^[ \t]*(int|void) main\(void\)`, 100},
		{`^[ \t]*(int|void) main\(int argc, char \*\*argv\)`, 200},

		// syntax
		{`;$`, 0.5},
		{`\);$`, 2},
		{`^[ \t]*{$`, 5},
		{`^[ \t]*}$`, 5},
		{`\) ?{$`, 5},
		{`\(int .*\) ?{$`, 30},
		{`^[ \t]*void.*\(\)$`, 30},
		{`^[ \t]*void.*\(\) ?{$`, 100},

		// comments
		{`^[ \t]*//`, 5},
		{`^[ \t]*/\*`, 5},
		{`^[ \t]*/\*\*`, 5},
		{`^[ \t]\*\*/`, 5},

		// operators and library calls
		{`[ \t\(]i ?= ?0`, 10},
		{` <= `, 1},
		{` >= `, 1},
		{` == `, 3},
		{` \+= `, 3},
		{` -= `, 3},
		{`\(\)`, 1},
		{`[ =][mc]alloc ?\(`, 100},
		{`printf\(?`, 50},
		{`scanf\(?`, 50},
		{`\(".*%d.*"\)`, 10},
	}

	dataTypes := []string{
		"signed char", "unsigned char",
		"short int", " signed short", " signed short int",
		"unsigned short", "unsigned short",
		"int", "signed", " signed int", "unsigned", " unsigned int",
		"long int", " signed long", " signed long int",
		"unsigned long", " unsigned long int",
		"long long", "long long", " signed long long", "signed long long int",
		"unsigned long long", " unsigned long long int", "long double",
	}

	out := make([]key, 0, len(table)+len(dataTypes))
	for _, t := range table {
		out = append(out, key{re: regexp.MustCompile(`(?m)` + t.expr), score: t.score})
	}
	for _, dt := range dataTypes {
		out = append(out, key{re: regexp.MustCompile(`(?m)^` + regexp.QuoteMeta(dt) + `[ [*]`), score: 10})
	}
	return out
}

// Classifier decides whether text looks like C source code.
type Classifier struct {
	// Threshold is the normalized score at or above which text is code.
	Threshold float64
	// SanitizeNewline also treats the two-character sequence `\n` as a
	// line break, which catches source pasted into JSON or form fields.
	SanitizeNewline bool
}

// New returns a Classifier with the default threshold and newline
// sanitizing enabled.
func New() *Classifier {
	return &Classifier{Threshold: DefaultThreshold, SanitizeNewline: true}
}

// Score returns the normalized score of text and whether it had any
// non-blank lines at all.
func (c *Classifier) Score(text string) (float64, bool) {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	if c.SanitizeNewline {
		text = strings.ReplaceAll(text, `\n`, "\n")
	}

	lines := 0
	for _, l := range strings.Split(text, "\n") {
		if strings.TrimSpace(l) != "" {
			lines++
		}
	}
	if lines == 0 {
		return 0, false
	}

	var total float64
	for _, k := range keys {
		total += float64(len(k.re.FindAllStringIndex(text, -1))) * k.score
	}
	return total / float64(lines), true
}

// Classify reports whether text should be treated as leaked source code.
func (c *Classifier) Classify(text string) bool {
	score, ok := c.Score(text)
	return ok && score >= c.Threshold
}
