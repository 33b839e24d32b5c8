package kfmt

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
)

func TestPrefixWriter(t *testing.T) {
	specs := []struct {
		input string
		exp   string
	}{
		{
			"",
			"",
		},
		{
			"\n",
			"[vmm] \n",
		},
		{
			"no line break anywhere",
			"[vmm] no line break anywhere",
		},
		{
			"line feed at the end\n",
			"[vmm] line feed at the end\n",
		},
		{
			"\nmapped 4 pages\nunmapped 2 pages\nflushed",
			"[vmm] \n[vmm] mapped 4 pages\n[vmm] unmapped 2 pages\n[vmm] flushed",
		},
	}

	var buf bytes.Buffer

	for specIndex, spec := range specs {
		t.Run(fmt.Sprint(specIndex), func(t *testing.T) {
			buf.Reset()
			w := PrefixWriter{Sink: &buf, Prefix: []byte("[vmm] ")}

			wrote, err := w.Write([]byte(spec.input))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if wrote != len(spec.input) {
				t.Fatalf("expected writer to write %d bytes; wrote %d", len(spec.input), wrote)
			}

			if got := buf.String(); got != spec.exp {
				t.Fatalf("expected output:\n%q\ngot:\n%q", spec.exp, got)
			}
		})
	}
}

func TestPrefixWriterAcrossWrites(t *testing.T) {
	var buf bytes.Buffer
	w := PrefixWriter{Sink: &buf, Prefix: []byte("> ")}

	w.Write([]byte("first "))
	w.Write([]byte("half\nsecond"))

	if exp, got := "> first half\n> second", buf.String(); got != exp {
		t.Fatalf("expected %q; got %q", exp, got)
	}
}

type failingWriter struct{}

func (failingWriter) Write(_ []byte) (int, error) { return 0, errors.New("write failed") }

func TestPrefixWriterErrors(t *testing.T) {
	w := PrefixWriter{Sink: failingWriter{}, Prefix: []byte("> ")}
	if _, err := w.Write([]byte("data")); err == nil {
		t.Fatal("expected sink error to be propagated")
	}
}

func TestNewPrefixWriter(t *testing.T) {
	defer SetOutputSink(nil)

	// Drain anything earlier tests left in the early print buffer.
	SetOutputSink(&bytes.Buffer{})
	SetOutputSink(nil)

	w := NewPrefixWriter("[pmm] ")
	Fprintf(w, "early %d\n", 1)

	var buf bytes.Buffer
	SetOutputSink(&buf)
	Fprintf(w, "late %s\n", "entry")

	if exp, got := "[pmm] early 1\n[pmm] late entry\n", buf.String(); got != exp {
		t.Fatalf("expected %q; got %q", exp, got)
	}
}
