// Package annotate emits CI workflow commands (::error::, ::warning::,
// ::notice::) and step outputs.
package annotate

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// Annotator writes workflow commands to w and step outputs to the file named
// by OutputFile (usually $GITHUB_OUTPUT). An empty OutputFile disables outputs.
type Annotator struct {
	mu         sync.Mutex
	w          io.Writer
	OutputFile string
}

// New returns an annotator writing to w.
func New(w io.Writer, outputFile string) *Annotator {
	return &Annotator{w: w, OutputFile: outputFile}
}

// FromEnv returns an annotator on stdout using $GITHUB_OUTPUT.
func FromEnv() *Annotator {
	return New(os.Stdout, os.Getenv("GITHUB_OUTPUT"))
}

// Discard returns an annotator that writes nothing.
func Discard() *Annotator {
	return New(io.Discard, "")
}

func (a *Annotator) Error(format string, args ...any)   { a.command("error", format, args...) }
func (a *Annotator) Warning(format string, args ...any) { a.command("warning", format, args...) }
func (a *Annotator) Notice(format string, args ...any)  { a.command("notice", format, args...) }

func (a *Annotator) command(kind, format string, args ...any) {
	if a == nil {
		return
	}
	msg := escape(fmt.Sprintf(format, args...))
	a.mu.Lock()
	defer a.mu.Unlock()
	fmt.Fprintf(a.w, "::%s::%s\n", kind, msg)
}

// SetOutput appends key=value to the step output file.
func (a *Annotator) SetOutput(key, value string) error {
	if a == nil || a.OutputFile == "" {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	f, err := os.OpenFile(a.OutputFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open step output file: %w", err)
	}
	defer f.Close()
	if _, err := fmt.Fprintf(f, "%s=%s\n", key, value); err != nil {
		return fmt.Errorf("write step output: %w", err)
	}
	return nil
}

// escape applies the workflow command data encoding so multi-line messages
// stay one annotation.
func escape(s string) string {
	r := strings.NewReplacer("%", "%25", "\r", "%0D", "\n", "%0A")
	return r.Replace(s)
}
