package operator

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Console prompts on an output stream and waits for Enter on an input stream.
type Console struct {
	in  io.Reader
	out io.Writer

	once  sync.Once
	lines chan string
	err   error
}

// NewConsole returns a Console reading confirmations from in.
func NewConsole(in io.Reader, out io.Writer) *Console {
	return &Console{in: in, out: out}
}

// Await prints the prompt and returns once a line is read. Input is consumed
// by a single background reader so a cancelled wait never loses a later line.
func (c *Console) Await(ctx context.Context, prompt Prompt) error {
	if c.in == nil || c.out == nil {
		return errors.New("console requires input and output streams")
	}
	c.once.Do(c.start)

	if prompt.Title != "" {
		fmt.Fprintf(c.out, "\n== %s ==\n", prompt.Title)
	}
	fmt.Fprintln(c.out, prompt.Message)
	fmt.Fprint(c.out, "Press Enter when done: ")

	select {
	case <-ctx.Done():
		fmt.Fprintln(c.out)
		return ctx.Err()
	case _, ok := <-c.lines:
		if !ok {
			if c.err != nil {
				return fmt.Errorf("read confirmation: %w", c.err)
			}
			return fmt.Errorf("read confirmation: %w", io.ErrUnexpectedEOF)
		}
		return nil
	}
}

func (c *Console) start() {
	c.lines = make(chan string)
	go func() {
		defer close(c.lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			c.lines <- scanner.Text()
		}
		c.err = scanner.Err()
	}()
}
