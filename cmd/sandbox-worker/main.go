// Command sandbox-worker runs untrusted task snippets read as JSON lines on
// stdin and writes one JSON result line per task to stdout. Logs go to
// stderr.
//
// Exit status is 0 when stdin is exhausted, 1 on a startup or output
// failure, and 3 when a task could not be interrupted.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/cryguy/sandbox"
)

const (
	exitOK     = 0
	exitFatal  = 1
	exitWedged = 3
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	cancel()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	cmd := newRootCmd(stdin, stdout, stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	code := exitCode(ctx, err)
	if code != exitOK {
		fmt.Fprintln(stderr, "sandbox-worker:", err)
	}
	return code
}

func exitCode(ctx context.Context, err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, sandbox.ErrWorkerWedged):
		return exitWedged
	case ctx.Err() != nil:
		// Stopped by a signal between or during reads.
		return exitOK
	default:
		return exitFatal
	}
}
