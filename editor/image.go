package editor

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Image node markup: ![alt](src){align|width|height}. The brace suffix is
// optional, and so is each part inside it.
var reImageNode = regexp.MustCompile(`!\[(.*?)\]\((.*?)\)(?:\{([^|}]*)(?:\|([^|}]*))?(?:\|([^|}]*))?\})?`)

// Alignments an image node may carry.
const (
	AlignLeft   = "left"
	AlignCenter = "center"
	AlignRight  = "right"
	AlignFull   = "full"
)

// Dimensions above this are treated as garbage and dropped.
const maxImageDimension = 8000

// ImageNode is an inline image as the editor stores it.
type ImageNode struct {
	Alt    string `json:"alt"`
	Src    string `json:"src"`
	Align  string `json:"align"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
}

// NormalizeAlign maps unknown alignments to center.
func NormalizeAlign(align string) string {
	switch align {
	case AlignLeft, AlignRight, AlignFull, AlignCenter:
		return align
	default:
		return AlignCenter
	}
}

// String formats n back into editor markup.
func (n ImageNode) String() string {
	align := NormalizeAlign(n.Align)
	if n.Width > 0 && n.Height > 0 {
		return fmt.Sprintf("![%s](%s){%s|%d|%d}", n.Alt, n.Src, align, n.Width, n.Height)
	}
	return fmt.Sprintf("![%s](%s){%s}", n.Alt, n.Src, align)
}

// parseImageMatch builds a node from reImageNode submatches of HTML-escaped
// text. ok is false when the source URL is rejected.
func parseImageMatch(match []string) (ImageNode, bool) {
	n := ImageNode{Alt: match[1], Align: NormalizeAlign(strings.ToLower(strings.TrimSpace(match[3])))}
	w, errW := strconv.Atoi(strings.TrimSpace(match[4]))
	h, errH := strconv.Atoi(strings.TrimSpace(match[5]))
	if errW == nil && errH == nil && w > 0 && h > 0 && w <= maxImageDimension && h <= maxImageDimension {
		n.Width, n.Height = w, h
	}
	n.Src = SafeURL(match[2])
	return n, n.Src != ""
}

// ParseImages returns every image node in body, in order. Nodes with a
// rejected source are skipped.
func ParseImages(body string) []ImageNode {
	var nodes []ImageNode
	for _, match := range reImageNode.FindAllStringSubmatch(body, -1) {
		if n, ok := parseImageMatch(match); ok {
			n.Src = match[2]
			nodes = append(nodes, n)
		}
	}
	return nodes
}

func (n ImageNode) html(first bool) string {
	attrs := `class="img img-` + n.Align + `"`
	if n.Width > 0 && n.Height > 0 {
		attrs += ` width="` + strconv.Itoa(n.Width) + `" height="` + strconv.Itoa(n.Height) + `"`
	}
	if first {
		attrs += ` fetchpriority="high"`
	} else {
		attrs += ` loading="lazy"`
	}
	return `<img ` + attrs + ` alt="` + n.Alt + `" src="` + n.Src + `" decoding="async"/>`
}

// Size is a pair of pixel dimensions that always change together.
type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Resize scales s to width w keeping the aspect ratio. A degenerate size
// or width is returned unchanged.
func (s Size) Resize(w int) Size {
	if s.Width <= 0 || s.Height <= 0 || w <= 0 {
		return s
	}
	h := int(math.Round(float64(s.Height) * float64(w) / float64(s.Width)))
	if h < 1 {
		h = 1
	}
	return Size{Width: w, Height: h}
}

// Fit scales s down, never up, so that it fits within maxW x maxH.
// A zero bound is ignored.
func (s Size) Fit(maxW, maxH int) Size {
	if s.Width <= 0 || s.Height <= 0 {
		return s
	}
	out := s
	if maxW > 0 && out.Width > maxW {
		out = out.Resize(maxW)
	}
	if maxH > 0 && out.Height > maxH {
		w := int(math.Round(float64(out.Width) * float64(maxH) / float64(out.Height)))
		if w < 1 {
			w = 1
		}
		out = Size{Width: w, Height: maxH}
	}
	return out
}
