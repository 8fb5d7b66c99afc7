// Package editor implements the markup written by the admin rich-text
// editor: rendering to HTML (also as a templ component), the image node
// with alignment and paired dimensions, and document statistics used for
// reading time and the table of contents.
package editor

import (
	"bytes"
	"context"
	"html"
	"io"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/a-h/templ"
)

var (
	reBold             = regexp.MustCompile(`\*\*(.+?)\*\*`)
	reBoldUnderscore   = regexp.MustCompile(`__(.+?)__`)
	reItalic           = regexp.MustCompile(`\*([^*]+)\*`)
	reItalicUnderscore = regexp.MustCompile(`_([^_]+)_`)
	reStrike           = regexp.MustCompile(`~~(.+?)~~`)
	reInlineCode       = regexp.MustCompile("`([^`]+)`")
	reLink             = regexp.MustCompile(`\[(.*?)\]\((.*?)\)(\^)?`)
	reOrderedList      = regexp.MustCompile(`^(\d+)\.\s`)
)

// Component returns a templ.Component that renders body as HTML.
func Component(body string) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		var buf bytes.Buffer
		Render(&buf, body)
		_, err := w.Write(buf.Bytes())
		return err
	})
}

// HTML renders body through Component and returns the markup as a string.
func HTML(body string) string {
	var buf bytes.Buffer
	if err := Component(body).Render(context.Background(), &buf); err != nil {
		return ""
	}
	return buf.String()
}

type block int

const (
	blockNone block = iota
	blockPara
	blockList
	blockOrdered
	blockQuote
	blockTable
	blockCode
)

type renderer struct {
	buf       *bytes.Buffer
	open      block
	codeLang  bool
	tableBody bool
	images    int
	anchors   anchorSet
}

// close ends whatever block is open.
func (r *renderer) close() {
	switch r.open {
	case blockPara:
		r.buf.WriteString("</p>")
	case blockList:
		r.buf.WriteString("</ul>")
	case blockOrdered:
		r.buf.WriteString("</ol>")
	case blockQuote:
		r.buf.WriteString("</blockquote>")
	case blockTable:
		if r.tableBody {
			r.buf.WriteString("</tbody>")
		}
		r.buf.WriteString("</table>")
		r.tableBody = false
	case blockCode:
		r.buf.WriteString("</code></pre>")
		if r.codeLang {
			r.buf.WriteString("</div>")
			r.codeLang = false
		}
	}
	r.open = blockNone
}

// enter switches to block b and reports whether it was newly opened.
func (r *renderer) enter(b block) bool {
	if r.open == b {
		return false
	}
	r.close()
	r.open = b
	return true
}

func (r *renderer) inline(s string) string {
	return FormatInline(s, &r.images)
}

// Render writes the HTML representation of body to buf.
func Render(buf *bytes.Buffer, body string) {
	r := &renderer{buf: buf, anchors: anchorSet{}}
	for _, raw := range strings.Split(body, "\n") {
		r.line(strings.TrimRight(raw, "\r"))
	}
	r.close()
}

func (r *renderer) line(line string) {
	if strings.HasPrefix(line, "```") {
		if r.open == blockCode {
			r.close()
			return
		}
		r.enter(blockCode)
		lang := html.EscapeString(strings.TrimSpace(line[3:]))
		if lang != "" {
			r.codeLang = true
			r.buf.WriteString(`<div class="code-block-wrapper"><span class="code-lang code-lang-` + lang + `">` + lang + `</span>`)
			r.buf.WriteString(`<pre class="code-block"><code class="language-` + lang + `">`)
		} else {
			r.buf.WriteString(`<pre class="code-block"><code>`)
		}
		return
	}
	if r.open == blockCode {
		r.buf.WriteString(html.EscapeString(line))
		r.buf.WriteByte('\n')
		return
	}
	if strings.TrimSpace(line) == "" {
		r.close()
		return
	}

	if level, text := headingLevel(line); level > 0 {
		r.close()
		tag := "h" + strconv.Itoa(level)
		r.buf.WriteString("<" + tag + ` id="` + r.anchors.next(text) + `">`)
		r.buf.WriteString(r.inline(text))
		r.buf.WriteString("</" + tag + ">")
		return
	}

	switch {
	case strings.HasPrefix(line, "---"):
		r.close()
		r.buf.WriteString("<hr/>")
	case strings.HasPrefix(line, "|"):
		r.tableRow(line)
	case strings.HasPrefix(line, "- ") || strings.HasPrefix(line, "* "):
		if r.enter(blockList) {
			r.buf.WriteString("<ul>")
		}
		r.buf.WriteString("<li>" + r.inline(strings.TrimSpace(line[2:])) + "</li>")
	case reOrderedList.MatchString(line):
		if r.enter(blockOrdered) {
			r.buf.WriteString("<ol>")
		}
		item := reOrderedList.ReplaceAllString(line, "")
		r.buf.WriteString("<li>" + r.inline(strings.TrimSpace(item)) + "</li>")
	case strings.HasPrefix(line, "> "):
		if r.enter(blockQuote) {
			r.buf.WriteString("<blockquote>")
		} else {
			r.buf.WriteString("<br/>")
		}
		r.buf.WriteString(r.inline(strings.TrimSpace(line[2:])))
	default:
		if r.enter(blockPara) {
			r.buf.WriteString("<p>")
		} else {
			r.buf.WriteByte('\n')
		}
		r.buf.WriteString(r.inline(strings.TrimSpace(line)))
	}
}

func (r *renderer) tableRow(line string) {
	if r.enter(blockTable) {
		r.buf.WriteString("<table><thead><tr>")
		for _, cell := range parseTableCells(line) {
			r.buf.WriteString("<th>" + r.inline(cell) + "</th>")
		}
		r.buf.WriteString("</tr></thead>")
		return
	}
	if !r.tableBody {
		r.buf.WriteString("<tbody>")
		r.tableBody = true
	}
	if isTableSeparator(line) {
		return
	}
	r.buf.WriteString("<tr>")
	for _, cell := range parseTableCells(line) {
		r.buf.WriteString("<td>" + r.inline(cell) + "</td>")
	}
	r.buf.WriteString("</tr>")
}

// headingLevel returns the level (1-6) and text of an ATX heading line,
// or 0 when line is not a heading.
func headingLevel(line string) (int, string) {
	level := 0
	for level < len(line) && level < 6 && line[level] == '#' {
		level++
	}
	if level == 0 || level >= len(line) || line[level] != ' ' {
		return 0, ""
	}
	return level, strings.TrimSpace(line[level+1:])
}

func parseTableCells(line string) []string {
	line = strings.Trim(strings.TrimSpace(line), "|")
	parts := strings.Split(line, "|")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}

func isTableSeparator(line string) bool {
	line = strings.Trim(strings.TrimSpace(line), "|")
	for _, cell := range strings.Split(line, "|") {
		cleaned := strings.NewReplacer("-", "", ":", "", " ", "").Replace(cell)
		if cleaned != "" {
			return false
		}
	}
	return true
}

// anchorSet hands out unique heading ids within one document.
type anchorSet map[string]int

func (a anchorSet) next(text string) string {
	base := anchorID(text)
	if base == "" {
		base = "section"
	}
	a[base]++
	if n := a[base]; n > 1 {
		return base + "-" + strconv.Itoa(n)
	}
	return base
}

func anchorID(text string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(text) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case b.Len() > 0 && !dash:
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimRight(b.String(), "-")
}

// ApplyOutsideTags applies fn only to text segments outside HTML tags,
// so that formatting regexes never touch URLs inside href attributes.
func ApplyOutsideTags(s string, fn func(string) string) string {
	var buf strings.Builder
	for len(s) > 0 {
		lt := strings.Index(s, "<")
		if lt < 0 {
			buf.WriteString(fn(s))
			break
		}
		if lt > 0 {
			buf.WriteString(fn(s[:lt]))
		}
		gt := strings.Index(s[lt:], ">")
		if gt < 0 {
			buf.WriteString(s[lt:])
			break
		}
		buf.WriteString(s[lt : lt+gt+1])
		s = s[lt+gt+1:]
	}
	return buf.String()
}

// FormatInline applies inline formatting (image nodes, links, code, bold,
// italic, strikethrough) to s. imageCount tracks images across a document
// so only the first one is fetched with high priority.
func FormatInline(s string, imageCount *int) string {
	escaped := html.EscapeString(s)
	escaped = reImageNode.ReplaceAllStringFunc(escaped, func(m string) string {
		node, ok := parseImageMatch(reImageNode.FindStringSubmatch(m))
		if !ok {
			return node.Alt
		}
		*imageCount++
		return node.html(*imageCount == 1)
	})
	escaped = reLink.ReplaceAllStringFunc(escaped, func(m string) string {
		match := reLink.FindStringSubmatch(m)
		href := SafeURL(match[2])
		if href == "" {
			return match[1]
		}
		if match[3] == "^" {
			return `<a href="` + href + `" target="_blank" rel="noopener noreferrer">` + match[1] + `</a>`
		}
		return `<a href="` + href + `">` + match[1] + `</a>`
	})
	// Pull inline code out first so emphasis never applies inside backticks.
	var codeSpans []string
	escaped = reInlineCode.ReplaceAllStringFunc(escaped, func(m string) string {
		match := reInlineCode.FindStringSubmatch(m)
		placeholder := "\x00IC" + strconv.Itoa(len(codeSpans)) + "\x00"
		codeSpans = append(codeSpans, "<code>"+match[1]+"</code>")
		return placeholder
	})
	escaped = ApplyOutsideTags(escaped, func(seg string) string {
		seg = reBold.ReplaceAllString(seg, "<strong>$1</strong>")
		seg = reBoldUnderscore.ReplaceAllString(seg, "<strong>$1</strong>")
		seg = reItalic.ReplaceAllString(seg, "<em>$1</em>")
		seg = reItalicUnderscore.ReplaceAllString(seg, "<em>$1</em>")
		seg = reStrike.ReplaceAllString(seg, "<del>$1</del>")
		return seg
	})
	for i, code := range codeSpans {
		escaped = strings.Replace(escaped, "\x00IC"+strconv.Itoa(i)+"\x00", code, 1)
	}
	return escaped
}

// SafeURL validates a URL for use in an HTML attribute and returns it
// escaped, or "" when the scheme is not allowed.
func SafeURL(raw string) string {
	val := strings.TrimSpace(html.UnescapeString(raw))
	if val == "" {
		return ""
	}
	parsed, err := url.Parse(val)
	if err != nil {
		return ""
	}
	if parsed.Scheme == "" {
		// Relative references are fine; protocol-relative ones are not.
		if parsed.Host != "" || strings.HasPrefix(val, "//") {
			return ""
		}
		return html.EscapeString(val)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "http", "https", "mailto", "tel":
		return html.EscapeString(val)
	default:
		return ""
	}
}
