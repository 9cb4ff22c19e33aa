// Package kprint is a minimal formatted-print facility over the HAL's
// single-byte output (spec.md §4 table's "platform putc"). The kernel never
// reimplements fmt's formatting itself — Writer just adapts hal.HAL.PutC to
// io.Writer so fmt.Fprintf can do the actual work, the same way the teacher
// corpus always reaches for fmt/log directly rather than hand-rolling a
// formatter.
package kprint

import (
	"fmt"

	"github.com/ThbzZxx/zkRTOS/hal"
)

// Writer adapts a hal.HAL's PutC to io.Writer, one byte at a time.
type Writer struct {
	h hal.HAL
}

// New wraps h for use with fmt.Fprint/Fprintf/Fprintln.
func New(h hal.HAL) *Writer { return &Writer{h: h} }

// Write implements io.Writer by writing each byte through PutC. It always
// consumes the whole buffer and never errors — PutC has no failure mode to
// report (spec.md §6 treats the platform putc as a fire-and-forget sink).
func (w *Writer) Write(p []byte) (int, error) {
	for _, b := range p {
		w.h.PutC(b)
	}
	return len(p), nil
}

// Printf formats according to format and writes the result through the
// HAL's putc.
func (w *Writer) Printf(format string, args ...any) {
	fmt.Fprintf(w, format, args...)
}

// Println writes args, space-separated, followed by a newline.
func (w *Writer) Println(args ...any) {
	fmt.Fprintln(w, args...)
}
