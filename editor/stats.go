package editor

import (
	"strings"
	"unicode"
)

// WordsPerMinute is the reading speed used for reading-time estimates.
const WordsPerMinute = 200

// Heading is a table-of-contents entry.
type Heading struct {
	Level  int    `json:"level"`
	Text   string `json:"text"`
	Anchor string `json:"anchor"`
}

// Stats summarises a document.
type Stats struct {
	Words          int       `json:"words"`
	ReadingMinutes int       `json:"reading_minutes"`
	Images         int       `json:"images"`
	Headings       []Heading `json:"headings"`
}

// Analyze counts words, images, and headings in body. Anchors match the
// ids Render assigns.
func Analyze(body string) Stats {
	st := Stats{Headings: []Heading{}}
	anchors := anchorSet{}
	inCode := false
	for _, raw := range strings.Split(body, "\n") {
		line := strings.TrimRight(raw, "\r")
		if strings.HasPrefix(line, "```") {
			inCode = !inCode
			continue
		}
		if inCode {
			st.Words += countWords(line)
			continue
		}
		if level, text := headingLevel(line); level > 0 {
			st.Headings = append(st.Headings, Heading{Level: level, Text: text, Anchor: anchors.next(text)})
		}
		st.Images += len(reImageNode.FindAllStringIndex(line, -1))
		line = reImageNode.ReplaceAllString(line, "")
		line = reLink.ReplaceAllString(line, "$1")
		st.Words += countWords(line)
	}
	st.ReadingMinutes = ReadingMinutes(st.Words)
	return st
}

// ReadingMinutes converts a word count to whole minutes, never less than 1.
func ReadingMinutes(words int) int {
	m := (words + WordsPerMinute - 1) / WordsPerMinute
	if m < 1 {
		return 1
	}
	return m
}

// countWords counts whitespace-separated tokens that hold at least one
// letter or digit, so markup like "-", "|" or "**" is not counted.
func countWords(line string) int {
	n := 0
	for _, f := range strings.Fields(line) {
		if strings.IndexFunc(f, func(r rune) bool { return unicode.IsLetter(r) || unicode.IsDigit(r) }) >= 0 {
			n++
		}
	}
	return n
}
