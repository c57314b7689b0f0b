package perfrecord

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// FoldedFormatter renders each Record as one flamegraph-compatible folded
// stack line: "cmdline;frame1;frame2;...;frameN count" — semicolon
// separated frames from outermost to innermost, a space, then the
// occurrence count. [EXPANDED] supplemented output, additive alongside
// the spec-mandated TextFormatter.
type FoldedFormatter struct {
	w *bufio.Writer
}

// NewFoldedFormatter wraps w for buffered line-at-a-time writes.
func NewFoldedFormatter(w io.Writer) *FoldedFormatter {
	return &FoldedFormatter{w: bufio.NewWriter(w)}
}

// Emit writes one folded-stack line and flushes it, satisfying
// consumer.Emitter.
func (f *FoldedFormatter) Emit(r Record) error {
	names := make([]string, 0, len(r.Frames)+1)
	names = append(names, r.Cmdline)
	// r.Frames runs innermost to outermost (kernel, then user), so walk it
	// backwards to emit outermost first.
	for i := len(r.Frames) - 1; i >= 0; i-- {
		names = append(names, r.Frames[i].SymbolName)
	}

	if _, err := fmt.Fprintf(f.w, "%s %d\n", strings.Join(names, ";"), r.Count); err != nil {
		return fmt.Errorf("perfrecord: write folded stack: %w", err)
	}
	return f.w.Flush()
}
