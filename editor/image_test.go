package editor

import "testing"

func TestSizeResizeKeepsAspect(t *testing.T) {
	tests := []struct {
		in   Size
		w    int
		want Size
	}{
		{Size{1600, 900}, 800, Size{800, 450}},
		{Size{1000, 333}, 500, Size{500, 167}},
		{Size{3000, 1}, 10, Size{10, 1}},
		{Size{0, 100}, 50, Size{0, 100}},
		{Size{100, 100}, 0, Size{100, 100}},
	}
	for _, tt := range tests {
		if got := tt.in.Resize(tt.w); got != tt.want {
			t.Errorf("%+v.Resize(%d) = %+v, want %+v", tt.in, tt.w, got, tt.want)
		}
	}
}

func TestSizeFit(t *testing.T) {
	tests := []struct {
		in         Size
		maxW, maxH int
		want       Size
	}{
		{Size{4000, 3000}, 1600, 0, Size{1600, 1200}},
		{Size{800, 1200}, 0, 600, Size{400, 600}},
		{Size{100, 50}, 1600, 1600, Size{100, 50}},
		{Size{2000, 4000}, 1000, 1000, Size{500, 1000}},
	}
	for _, tt := range tests {
		if got := tt.in.Fit(tt.maxW, tt.maxH); got != tt.want {
			t.Errorf("%+v.Fit(%d, %d) = %+v, want %+v", tt.in, tt.maxW, tt.maxH, got, tt.want)
		}
	}
}

func TestImageNodeString(t *testing.T) {
	tests := []struct {
		node ImageNode
		want string
	}{
		{ImageNode{Alt: "a", Src: "/x.jpg", Align: "right", Width: 10, Height: 20}, "![a](/x.jpg){right|10|20}"},
		{ImageNode{Alt: "a", Src: "/x.jpg", Align: "weird", Width: 10}, "![a](/x.jpg){center}"},
	}
	for _, tt := range tests {
		if got := tt.node.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestParseImages(t *testing.T) {
	nodes := ParseImages("![a](/x.jpg){right|10|20} and ![b](javascript:x) and ![c](/y.png){full|0|5}")
	if len(nodes) != 2 {
		t.Fatalf("ParseImages returned %d nodes, want 2: %+v", len(nodes), nodes)
	}
	if nodes[0] != (ImageNode{Alt: "a", Src: "/x.jpg", Align: AlignRight, Width: 10, Height: 20}) {
		t.Errorf("nodes[0] = %+v", nodes[0])
	}
	if nodes[1].Width != 0 || nodes[1].Height != 0 || nodes[1].Align != AlignFull {
		t.Errorf("zero dimension should drop the pair: %+v", nodes[1])
	}
}
