// Package kfmt implements an allocation-free subset of fmt for use by kernel
// code that runs before (or without) the Go allocator.
package kfmt

import (
	"io"
	"unsafe"
)

// numBufSize is the size of the scratch buffer used for formatting numbers.
// Requested padding is clamped to numBufSize-1 bytes.
const numBufSize = 32

var (
	errMissingArg   = []byte("(MISSING)")
	errWrongArgType = []byte("%!(WRONGTYPE)")
	errNoVerb       = []byte("%!(NOVERB)")
	errExtraArg     = []byte("%!(EXTRA)")
	trueValue       = []byte("true")
	falseValue      = []byte("false")

	numBuf [numBufSize + 1]byte

	// oneByte is a shared buffer for passing single characters to doWrite.
	oneByte [1]byte

	// earlyBuffer captures output produced before an output sink is
	// attached.
	earlyBuffer ringBuffer

	// outputSink receives the output of Printf. While nil, output is
	// captured by earlyBuffer.
	outputSink io.Writer
)

// SetOutputSink sets the default target for calls to Printf to w and flushes
// any output captured while no sink was attached into it.
func SetOutputSink(w io.Writer) {
	outputSink = w
	if w != nil {
		io.Copy(w, &earlyBuffer)
	}
}

// GetOutputSink returns the currently attached output sink. A nil return
// value means that output is being captured by the early ring buffer.
func GetOutputSink() io.Writer {
	return outputSink
}

// Printf formats according to a format specifier and writes to the active
// output sink. It supports the following verbs:
//
//	%s  string or []byte
//	%d  integer, base 10 (space padded)
//	%x  integer, base 16 with lower-case letters (zero padded)
//	%o  integer, base 8 (zero padded)
//	%t  bool
//	%%  a literal percent sign
//
// An optional decimal width may precede the verb. Printf never allocates and
// does not look for fmt.Stringer implementations since it may run before the
// Go itables are set up.
func Printf(format string, args ...interface{}) {
	Fprintf(outputSink, format, args...)
}

// Fprintf behaves like Printf but writes to w.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	var (
		argIndex int
		width    int
		i        int
		fmtLen   = len(format)
	)

	for i < fmtLen {
		if format[i] != '%' {
			writeByte(w, format[i])
			i++
			continue
		}

		// Consume the optional width and locate the verb
		width = 0
		for i++; i < fmtLen && format[i] >= '0' && format[i] <= '9'; i++ {
			width = width*10 + int(format[i]-'0')
		}

		if i == fmtLen {
			doWrite(w, errNoVerb)
			break
		}

		switch verb := format[i]; verb {
		case '%':
			writeByte(w, '%')
		case 'd', 'x', 'o', 's', 't':
			if argIndex >= len(args) {
				doWrite(w, errMissingArg)
				break
			}

			fmtArg(w, verb, args[argIndex], width)
			argIndex++
		default:
			doWrite(w, errNoVerb)
		}
		i++
	}

	for ; argIndex < len(args); argIndex++ {
		doWrite(w, errExtraArg)
	}
}

func fmtArg(w io.Writer, verb byte, arg interface{}, width int) {
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

func fmtBool(w io.Writer, v interface{}) {
	b, ok := v.(bool)
	switch {
	case !ok:
		doWrite(w, errWrongArgType)
	case b:
		doWrite(w, trueValue)
	default:
		doWrite(w, falseValue)
	}
}

// fmtString writes a string or []byte value left-padded with spaces up to
// width bytes.
func fmtString(w io.Writer, v interface{}, width int) {
	switch str := v.(type) {
	case string:
		writeRepeat(w, ' ', width-len(str))
		// Converting str to a []byte would allocate.
		for i := 0; i < len(str); i++ {
			writeByte(w, str[i])
		}
	case []byte:
		writeRepeat(w, ' ', width-len(str))
		doWrite(w, str)
	default:
		doWrite(w, errWrongArgType)
	}
}

// fmtInt writes any built-in integer in base 8, 10 or 16. Base 10 output is
// left-padded with spaces and the other bases with zeroes.
func fmtInt(w io.Writer, v interface{}, base uint64, width int) {
	var (
		mag  uint64
		neg  bool
		pad  = byte('0')
		size int
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
		mag, neg = abs(int64(n))
	case int16:
		mag, neg = abs(int64(n))
	case int32:
		mag, neg = abs(int64(n))
	case int64:
		mag, neg = abs(n)
	case int:
		mag, neg = abs(int64(n))
	default:
		doWrite(w, errWrongArgType)
		return
	}

	if base == 10 {
		pad = ' '
	}

	if width >= numBufSize {
		width = numBufSize - 1
	}

	// Digits are emitted least-significant first and reversed at the end.
	for {
		digit := byte(mag % base)
		if digit < 10 {
			numBuf[size] = '0' + digit
		} else {
			numBuf[size] = 'a' + digit - 10
		}
		size++

		if mag /= base; mag == 0 {
			break
		}
	}

	switch {
	case neg && pad == ' ':
		// The sign goes right before the most significant digit
		numBuf[size] = '-'
		size++
		for ; size < width; size++ {
			numBuf[size] = pad
		}
	case neg:
		// Zero padding goes between the sign and the digits
		for ; size < width-1; size++ {
			numBuf[size] = pad
		}
		numBuf[size] = '-'
		size++
	default:
		for ; size < width; size++ {
			numBuf[size] = pad
		}
	}

	for l, r := 0, size-1; l < r; l, r = l+1, r-1 {
		numBuf[l], numBuf[r] = numBuf[r], numBuf[l]
	}

	doWrite(w, numBuf[:size])
}

func abs(v int64) (uint64, bool) {
	if v < 0 {
		return uint64(-v), true
	}
	return uint64(v), false
}

func writeRepeat(w io.Writer, ch byte, count int) {
	for ; count > 0; count-- {
		writeByte(w, ch)
	}
}

func writeByte(w io.Writer, ch byte) {
	oneByte[0] = ch
	doWrite(w, oneByte[:])
}

// doWrite hides p from escape analysis. The compiler cannot prove that p does
// not escape through the io.Writer interface call and would otherwise make
// every Printf call allocate.
func doWrite(w io.Writer, p []byte) {
	doRealWrite(w, noEscape(unsafe.Pointer(&p)))
}

func doRealWrite(w io.Writer, bufPtr unsafe.Pointer) {
	p := *(*[]byte)(bufPtr)
	if w != nil {
		w.Write(p)
		return
	}

	earlyBuffer.Write(p)
}

// noEscape hides a pointer from escape analysis; same as noescape in
// runtime/stubs.go.
//
//go:nosplit
func noEscape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}
