// Package cli provides terminal output helpers for reusectl: status lines,
// a spinner for slow backend calls, and shell completion scripts.
package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Color codes for terminal output
const (
	ColorReset  = "\033[0m"
	ColorRed    = "\033[31m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorBlue   = "\033[34m"
	ColorCyan   = "\033[36m"
	ColorBold   = "\033[1m"
)

// Printer writes status lines, colored when the writer is a terminal.
type Printer struct {
	w        io.Writer
	colorize bool
}

// NewPrinter returns a Printer on w. Color is enabled only for a terminal.
func NewPrinter(w io.Writer) *Printer {
	return &Printer{w: w, colorize: isTerminal(w)}
}

// Writer returns the underlying writer.
func (p *Printer) Writer() io.Writer { return p.w }

// Colorize returns text wrapped in color when enabled.
func (p *Printer) Colorize(text, color string) string {
	if !p.colorize {
		return text
	}
	return color + text + ColorReset
}

// Success prints a success line.
func (p *Printer) Success(format string, args ...any) {
	p.line("✓", ColorGreen, format, args...)
}

// Error prints an error line.
func (p *Printer) Error(format string, args ...any) {
	p.line("✗", ColorRed, format, args...)
}

// Warning prints a warning line.
func (p *Printer) Warning(format string, args ...any) {
	p.line("⚠", ColorYellow, format, args...)
}

// Info prints an informational line.
func (p *Printer) Info(format string, args ...any) {
	p.line("ℹ", ColorBlue, format, args...)
}

func (p *Printer) line(mark, color, format string, args ...any) {
	fmt.Fprintf(p.w, "%s %s\n", p.Colorize(mark, color), fmt.Sprintf(format, args...))
}

// Spinner animates a single status line while a call is in flight. It only
// draws on a terminal.
type Spinner struct {
	frames  []string
	current int
	prefix  string
	printer *Printer

	mu     sync.Mutex
	active bool
	done   chan struct{}
}

// Spinner returns a stopped spinner labelled prefix.
func (p *Printer) Spinner(prefix string) *Spinner {
	return &Spinner{
		frames:  []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"},
		prefix:  prefix,
		printer: p,
	}
}

// Start begins animating. It is a no-op off a terminal or when running.
func (s *Spinner) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active || !s.printer.colorize {
		return
	}
	s.active = true
	s.done = make(chan struct{})
	done := s.done

	go func() {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				s.mu.Lock()
				fmt.Fprintf(s.printer.w, "\r%s %s", s.printer.Colorize(s.frames[s.current], ColorCyan), s.prefix)
				s.current = (s.current + 1) % len(s.frames)
				s.mu.Unlock()
			}
		}
	}()
}

// Stop clears the line and stops animating.
func (s *Spinner) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return
	}
	s.active = false
	close(s.done)
	fmt.Fprint(s.printer.w, "\r"+strings.Repeat(" ", len(s.prefix)+4)+"\r")
}

// Success stops the spinner and prints a success line.
func (s *Spinner) Success(format string, args ...any) {
	s.Stop()
	s.printer.Success(format, args...)
}

// Error stops the spinner and prints an error line.
func (s *Spinner) Error(format string, args ...any) {
	s.Stop()
	s.printer.Error(format, args...)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
