// Package kfmt implements the kernel's formatted output. Formatting never
// allocates so it can be used from allocator and fault-handling code paths.
package kfmt

import (
	"io"

	"github.com/npequeux/rinux-sub001/kernel/sync"
)

// maxBufSize defines the buffer size for formatting numbers.
const maxBufSize = 32

var (
	errMissingArg   = []byte("(MISSING)")
	errWrongArgType = []byte("%!(WRONGTYPE)")
	errNoVerb       = []byte("%!(NOVERB)")
	errExtraArg     = []byte("%!(EXTRA)")
	trueValue       = []byte("true")
	falseValue      = []byte("false")

	// printLock serializes access to the shared scratch buffers below.
	printLock sync.Spinlock
	numBuf    [maxBufSize]byte
	charBuf   [1]byte

	// earlyPrintBuffer stores Printf output until an output sink is set.
	earlyPrintBuffer ringBuffer

	// outputSink is where Printf sends its output. If nil, output goes to
	// earlyPrintBuffer.
	outputSink io.Writer
)

// SetOutputSink sets the default target for calls to Printf to w and replays
// any output accumulated in the early print buffer.
func SetOutputSink(w io.Writer) {
	printLock.Acquire()
	defer printLock.Release()

	outputSink = w
	if w != nil {
		_, _ = io.Copy(w, &earlyPrintBuffer)
	}
}

// GetOutputSink returns the current target for calls to Printf.
func GetOutputSink() io.Writer {
	printLock.Acquire()
	defer printLock.Release()
	return outputSink
}

// Printf formats according to a format specifier and writes to the active
// output sink. The following verbs are supported:
//
//	%s  string or []byte
//	%d  base 10 integer
//	%x  base 16 integer, lower-case letters
//	%o  base 8 integer
//	%t  bool
//
// An optional decimal width may precede the verb. Strings and base-10
// integers are left-padded with spaces; base 8 and 16 integers are
// left-padded with zeroes.
//
// Arguments are matched against the built-in string, integer and bool types
// only; io.Stringer and friends are not consulted.
func Printf(format string, args ...interface{}) {
	printLock.Acquire()
	fprintf(outputSink, format, args)
	printLock.Release()
}

// Fprintf behaves exactly like Printf but it writes the formatted output to
// the specified io.Writer.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	printLock.Acquire()
	fprintf(w, format, args)
	printLock.Release()
}

func fprintf(w io.Writer, format string, args []interface{}) {
	var (
		argIndex int
		width    int
	)

	for i := 0; i < len(format); i++ {
		if format[i] != '%' {
			writeByte(w, format[i])
			continue
		}

		width = 0
		for i++; i < len(format) && format[i] >= '0' && format[i] <= '9'; i++ {
			width = width*10 + int(format[i]-'0')
		}

		if i == len(format) {
			write(w, errNoVerb)
			break
		}

		verb := format[i]
		switch verb {
		case '%':
			writeByte(w, '%')
			continue
		case 'd', 'x', 'o', 's', 't':
		default:
			write(w, errNoVerb)
			continue
		}

		if argIndex >= len(args) {
			write(w, errMissingArg)
			continue
		}

		arg := args[argIndex]
		argIndex++

		switch verb {
		case 'd':
			fmtInt(w, arg, 10, width)
		case 'x':
			fmtInt(w, arg, 16, width)
		case 'o':
			fmtInt(w, arg, 8, width)
		case 's':
			fmtString(w, arg, width)
		case 't':
			fmtBool(w, arg)
		}
	}

	for ; argIndex < len(args); argIndex++ {
		write(w, errExtraArg)
	}
}

func fmtBool(w io.Writer, v interface{}) {
	b, ok := v.(bool)
	switch {
	case !ok:
		write(w, errWrongArgType)
	case b:
		write(w, trueValue)
	default:
		write(w, falseValue)
	}
}

func fmtString(w io.Writer, v interface{}, width int) {
	switch s := v.(type) {
	case string:
		pad(w, ' ', width-len(s))
		for i := 0; i < len(s); i++ {
			writeByte(w, s[i])
		}
	case []byte:
		pad(w, ' ', width-len(s))
		write(w, s)
	default:
		write(w, errWrongArgType)
	}
}

func pad(w io.Writer, ch byte, count int) {
	for ; count > 0; count-- {
		writeByte(w, ch)
	}
}

// fmtInt renders v in the requested base into numBuf, right to left, and
// writes the result. All built-in integer types are supported.
func fmtInt(w io.Writer, v interface{}, base uint64, width int) {
	var (
		mag      uint64
		negative bool
	)

	switch n := v.(type) {
	case uint8:
		mag = uint64(n)
	case uint16:
		mag = uint64(n)
	case uint32:
		mag = uint64(n)
	case uint64:
		mag = n
	case uint:
		mag = uint64(n)
	case uintptr:
		mag = uint64(n)
	case int8:
		mag, negative = abs(int64(n))
	case int16:
		mag, negative = abs(int64(n))
	case int32:
		mag, negative = abs(int64(n))
	case int64:
		mag, negative = abs(n)
	case int:
		mag, negative = abs(int64(n))
	default:
		write(w, errWrongArgType)
		return
	}

	if width > maxBufSize-1 {
		width = maxBufSize - 1
	}

	padCh := byte('0')
	if base == 10 {
		padCh = ' '
	}

	pos := maxBufSize
	for {
		pos--
		digit := mag % base
		if digit < 10 {
			numBuf[pos] = byte(digit) + '0'
		} else {
			numBuf[pos] = byte(digit-10) + 'a'
		}
		if mag /= base; mag == 0 {
			break
		}
	}

	if negative && padCh == ' ' {
		pos--
		numBuf[pos] = '-'
	}

	for maxBufSize-pos < width && pos > 1 {
		pos--
		numBuf[pos] = padCh
	}

	if negative && padCh != ' ' {
		pos--
		numBuf[pos] = '-'
	}

	write(w, numBuf[pos:])
}

func abs(v int64) (uint64, bool) {
	if v < 0 {
		return uint64(-v), true
	}
	return uint64(v), false
}

func writeByte(w io.Writer, b byte) {
	charBuf[0] = b
	write(w, charBuf[:])
}

func write(w io.Writer, p []byte) {
	if w != nil {
		_, _ = w.Write(p)
		return
	}
	_, _ = earlyPrintBuffer.Write(p)
}
