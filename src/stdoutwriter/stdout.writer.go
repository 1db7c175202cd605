package stdoutwriter

import (
	"strings"

	"github.com/pterm/pterm"
)

// Logger writes log records to the terminal.
type Logger struct{}

func (l Logger) Write(p []byte) (n int, err error) {
	pterm.Println(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}
