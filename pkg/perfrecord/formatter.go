package perfrecord

import (
	"bufio"
	"fmt"
	"io"
)

// TextFormatter renders each Record as a header line followed by one
// indented line per frame, exactly per spec §4.8.
//
//	<tgid> <cpu> <cmdline>
//	    0x<ip> <symbol>(<dso_path>)
//	    ...
type TextFormatter struct {
	w *bufio.Writer
}

// NewTextFormatter wraps w for buffered line-at-a-time writes.
func NewTextFormatter(w io.Writer) *TextFormatter {
	return &TextFormatter{w: bufio.NewWriter(w)}
}

// Emit writes one record and flushes it, satisfying consumer.Emitter.
func (f *TextFormatter) Emit(r Record) error {
	if _, err := fmt.Fprintf(f.w, "%d %d %s\n", r.Tgid, r.CPU, r.Cmdline); err != nil {
		return fmt.Errorf("perfrecord: write header: %w", err)
	}
	for _, frame := range r.Frames {
		if _, err := fmt.Fprintf(f.w, "    %s\n", frame); err != nil {
			return fmt.Errorf("perfrecord: write frame: %w", err)
		}
	}
	return f.w.Flush()
}
