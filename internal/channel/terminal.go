package channel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/stellarlinkco/warden/internal/permission"
)

// TerminalApprover asks the person at the terminal. Lines are read by a
// single background reader so an abandoned question never swallows the
// answer to the next one.
type TerminalApprover struct {
	in  io.Reader
	out io.Writer

	once  sync.Once
	mu    sync.Mutex
	lines chan string
}

func NewTerminalApprover(in io.Reader, out io.Writer) *TerminalApprover {
	return &TerminalApprover{in: in, out: out}
}

func (a *TerminalApprover) start() {
	a.lines = make(chan string)
	go func() {
		defer close(a.lines)
		sc := bufio.NewScanner(a.in)
		for sc.Scan() {
			a.lines <- sc.Text()
		}
	}()
}

// Ask implements permission.Asker. Questions are serialized.
func (a *TerminalApprover) Ask(ctx context.Context, req permission.AskRequest) (permission.Answer, error) {
	a.once.Do(a.start)
	a.mu.Lock()
	defer a.mu.Unlock()

	fmt.Fprintf(a.out, "\nApprove tool call %s", req.Summary())
	if !req.Deadline.IsZero() {
		fmt.Fprintf(a.out, " (expires in %s)", time.Until(req.Deadline).Round(time.Second))
	}
	fmt.Fprint(a.out, "? [y/N] ")

	select {
	case line, ok := <-a.lines:
		if !ok {
			return permission.Answer{}, io.ErrUnexpectedEOF
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return permission.Answer{Approved: true, Approver: "terminal", Reason: "approved at terminal"}, nil
		}
		return permission.Answer{Approver: "terminal", Reason: "denied at terminal"}, nil
	case <-ctx.Done():
		fmt.Fprintln(a.out, "timed out")
		return permission.Answer{}, ctx.Err()
	}
}
