// Package prompt implements the terminal question helpers behind the setup
// wizard.
package prompt

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"
)

// Prompter asks questions on a terminal and reads the answers.
type Prompter struct {
	In      io.Reader
	Out     io.Writer
	scanner *bufio.Scanner
}

// Default returns a Prompter bound to stdin/stdout.
func Default() *Prompter {
	return &Prompter{In: os.Stdin, Out: os.Stdout}
}

func (p *Prompter) line() string {
	if p.scanner == nil {
		p.scanner = bufio.NewScanner(p.In)
	}
	if p.scanner.Scan() {
		return strings.TrimSpace(p.scanner.Text())
	}
	return ""
}

// Ask prints a question and reads one line. An empty answer returns def.
func (p *Prompter) Ask(question, def string) string {
	if def != "" {
		fmt.Fprintf(p.Out, "%s [%s]: ", question, def)
	} else {
		fmt.Fprintf(p.Out, "%s: ", question)
	}
	if answer := p.line(); answer != "" {
		return answer
	}
	return def
}

// AskSecret reads a line without echoing when stdin is a terminal. Piped
// input falls back to a plain read so tests and scripts still work.
func (p *Prompter) AskSecret(question string) string {
	fmt.Fprintf(p.Out, "%s: ", question)
	if f, ok := p.In.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(p.Out)
		if err == nil {
			return strings.TrimSpace(string(b))
		}
	}
	return p.line()
}

// AskInt keeps asking until it reads a positive integer.
func (p *Prompter) AskInt(question string, def int) int {
	for {
		answer := p.Ask(question, strconv.Itoa(def))
		if n, err := strconv.Atoi(answer); err == nil && n > 0 {
			return n
		}
		fmt.Fprintln(p.Out, "  Please enter a positive number.")
	}
}

// Select shows a numbered option list and returns the chosen value.
func (p *Prompter) Select(question string, options []string, defaultIdx int) string {
	fmt.Fprintln(p.Out, question)
	for i, opt := range options {
		marker := "  "
		if i == defaultIdx {
			marker = "> "
		}
		fmt.Fprintf(p.Out, "%s%d) %s\n", marker, i+1, opt)
	}
	for {
		answer := p.Ask("Choice", strconv.Itoa(defaultIdx+1))
		if n, err := strconv.Atoi(answer); err == nil && n >= 1 && n <= len(options) {
			return options[n-1]
		}
		fmt.Fprintf(p.Out, "  Please enter a number between 1 and %d.\n", len(options))
	}
}

// Confirm asks a yes/no question.
func (p *Prompter) Confirm(question string, defaultYes bool) bool {
	hint := "y/N"
	if defaultYes {
		hint = "Y/n"
	}
	answer := p.Ask(fmt.Sprintf("%s [%s]", question, hint), "")
	if answer == "" {
		return defaultYes
	}
	return strings.HasPrefix(strings.ToLower(answer), "y")
}
