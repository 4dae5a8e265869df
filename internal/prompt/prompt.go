// Package prompt reads interactive input for one-shot CLI commands.
package prompt

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// Prompter reads user input. Prompt text goes to out (stderr by default, so
// piped stdout stays clean).
type Prompter struct {
	in    *bufio.Reader
	out   io.Writer
	stdin bool // in wraps os.Stdin, so hidden reads are possible
}

// New returns a Prompter on os.Stdin / os.Stderr.
func New() *Prompter {
	return &Prompter{in: bufio.NewReader(os.Stdin), out: os.Stderr, stdin: true}
}

// NewWith returns a Prompter on arbitrary streams. Hidden input is not
// available there; Secret degrades to a plain line read.
func NewWith(in io.Reader, out io.Writer) *Prompter {
	return &Prompter{in: bufio.NewReader(in), out: out}
}

// Line prints message and reads one line. A final line without a trailing
// newline still counts.
func (p *Prompter) Line(message string) (string, error) {
	if _, err := fmt.Fprint(p.out, message); err != nil {
		return "", err
	}
	line, err := p.in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// Secret prints message and reads a line with echo disabled when stdin is a
// terminal. Piped input falls back to Line so scripts can feed values.
func (p *Prompter) Secret(message string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !p.stdin || !term.IsTerminal(fd) {
		return p.Line(message)
	}

	if _, err := fmt.Fprint(p.out, message); err != nil {
		return "", err
	}
	value, err := term.ReadPassword(fd)
	fmt.Fprintln(p.out)
	if err != nil {
		return "", fmt.Errorf("read hidden input: %w", err)
	}
	return strings.TrimSpace(string(value)), nil
}
