package main

import (
	"fmt"
	"image/color"
	"testing"

	"github.com/npequeux/rinux-sub001/kernel/mm"
)

type fakeFrames []uint32

func (f fakeFrames) VisitFrames(visitor func(frame mm.Frame, refs uint32) bool) {
	for i, refs := range f {
		if !visitor(mm.Frame(i), refs) {
			return
		}
	}
}

func TestRender(t *testing.T) {
	frames := fakeFrames{0, 1, 2, 0, 1, 3, 0}
	img := render(frames, 4)

	bounds := img.Bounds()
	pitch := cellSize + cellGap
	if exp := 2*margin + 2*pitch + legendHeight; bounds.Dy() != exp {
		t.Fatalf("expected image height %d; got %d", exp, bounds.Dy())
	}

	for i, refs := range frames {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			x := margin + (i%4)*pitch + cellSize/2
			y := margin + (i/4)*pitch + cellSize/2

			r, g, b, _ := img.At(x, y).RGBA()
			got := color.RGBA{R: uint8(r >> 8), G: uint8(g >> 8), B: uint8(b >> 8), A: 0xff}
			if exp := frameColor(refs); got != exp {
				t.Fatalf("expected cell color %v; got %v", exp, got)
			}
		})
	}
}

func TestParseCmdLine(t *testing.T) {
	kv := parseCmdLine("mm.paging=sv39  quiet mm.stack_max=0x8000")

	exp := map[string]string{"mm.paging": "sv39", "quiet": "quiet", "mm.stack_max": "0x8000"}
	if len(kv) != len(exp) {
		t.Fatalf("expected %d options; got %v", len(exp), kv)
	}
	for k, v := range exp {
		if kv[k] != v {
			t.Errorf("expected %s=%s; got %q", k, v, kv[k])
		}
	}
}
