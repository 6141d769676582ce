package debugger

import (
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-isatty"

	"sentra/internal/peephole"
)

// NewOptimizerTrace returns a peephole.Trace that prints one line per
// trace event (the event name and block ID) to w — a hook a caller can
// pass straight into peephole.Optimize. Output is ANSI-dimmed when w is
// a terminal, plain otherwise, so redirecting `sentra debug --trace-opt`
// into a file or pipe never leaves escape codes in the log.
func NewOptimizerTrace(w io.Writer) peephole.Trace {
	dim, reset := "", ""
	if f, ok := w.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		dim, reset = "\x1b[2m", "\x1b[0m"
	}
	return func(event string, blockID peephole.BlockID) {
		fmt.Fprintf(w, "%s[opt] %s applied to block %d%s\n", dim, event, blockID, reset)
	}
}
