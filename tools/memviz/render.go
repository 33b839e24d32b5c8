package main

import (
	"fmt"
	"image"
	"image/color"

	gg "github.com/fogleman/gg"
	"golang.org/x/image/font/basicfont"

	"github.com/npequeux/rinux-sub001/kernel/mm"
)

const (
	cellSize     = 6
	cellGap      = 1
	legendHeight = 40
	margin       = 8
)

var (
	colorBackground = color.RGBA{R: 0x20, G: 0x20, B: 0x20, A: 0xff}
	colorFree       = color.RGBA{R: 0x50, G: 0x50, B: 0x50, A: 0xff}
	colorOwned      = color.RGBA{R: 0x3c, G: 0xb3, B: 0x71, A: 0xff}
	colorShared     = color.RGBA{R: 0xff, G: 0x8c, B: 0x00, A: 0xff}
	colorText       = color.RGBA{R: 0xee, G: 0xee, B: 0xee, A: 0xff}
)

// frameVisitor is implemented by frame allocators that can enumerate their
// frames along with the reference count of each one.
type frameVisitor interface {
	VisitFrames(visitor func(frame mm.Frame, refs uint32) bool)
}

// frameColor returns the cell color for a frame with the given reference
// count.
func frameColor(refs uint32) color.RGBA {
	switch {
	case refs == 0:
		return colorFree
	case refs == 1:
		return colorOwned
	default:
		return colorShared
	}
}

// render draws one cell per frame, cols cells per row, followed by a legend
// with the frame counters.
func render(frames frameVisitor, cols int) image.Image {
	var (
		refs                []uint32
		free, owned, shared int
	)

	frames.VisitFrames(func(_ mm.Frame, count uint32) bool {
		refs = append(refs, count)
		switch {
		case count == 0:
			free++
		case count == 1:
			owned++
		default:
			shared++
		}
		return true
	})

	if cols < 1 {
		cols = 1
	}
	rows := (len(refs) + cols - 1) / cols
	pitch := cellSize + cellGap

	width := 2*margin + cols*pitch
	if width < 320 {
		width = 320
	}
	height := 2*margin + rows*pitch + legendHeight

	dc := gg.NewContext(width, height)
	dc.SetColor(colorBackground)
	dc.Clear()

	for i, count := range refs {
		x := float64(margin + (i%cols)*pitch)
		y := float64(margin + (i/cols)*pitch)
		dc.SetColor(frameColor(count))
		dc.DrawRectangle(x, y, cellSize, cellSize)
		dc.Fill()
	}

	dc.SetFontFace(basicfont.Face7x13)
	legendY := float64(margin + rows*pitch + 16)
	legend := []struct {
		c     color.RGBA
		label string
	}{
		{colorFree, fmt.Sprintf("free %d", free)},
		{colorOwned, fmt.Sprintf("owned %d", owned)},
		{colorShared, fmt.Sprintf("shared %d", shared)},
	}

	x := float64(margin)
	for _, entry := range legend {
		dc.SetColor(entry.c)
		dc.DrawRectangle(x, legendY-cellSize-2, cellSize+2, cellSize+2)
		dc.Fill()

		dc.SetColor(colorText)
		dc.DrawString(entry.label, x+cellSize+6, legendY)
		w, _ := dc.MeasureString(entry.label)
		x += w + cellSize + 20
	}

	return dc.Image()
}
