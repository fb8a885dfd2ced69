package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
)

// console reads operator input line by line and implements the
// dashboard's Confirmer and the wizard's Dialog on top of it
type console struct {
	out   io.Writer
	lines chan string
}

func newConsole(in io.Reader, out io.Writer) *console {
	c := &console{out: out, lines: make(chan string)}
	go func() {
		defer close(c.lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			c.lines <- sc.Text()
		}
	}()
	return c
}

// next returns the next input line; ok is false on EOF or ctx cancel
func (c *console) next(ctx context.Context) (string, bool) {
	select {
	case <-ctx.Done():
		return "", false
	case line, ok := <-c.lines:
		return strings.TrimSpace(line), ok
	}
}

func (c *console) printf(format string, args ...any) {
	fmt.Fprintf(c.out, format, args...)
}

// Confirm asks a yes/no question; anything but s/si/y/yes declines
func (c *console) Confirm(ctx context.Context, prompt string) bool {
	c.printf("%s [s/N] ", prompt)
	answer, ok := c.next(ctx)
	if !ok {
		return false
	}
	switch strings.ToLower(answer) {
	case "s", "si", "sí", "y", "yes":
		return true
	default:
		return false
	}
}

// Alert prints a message
func (c *console) Alert(ctx context.Context, msg string) {
	c.printf("%s\n", msg)
}
