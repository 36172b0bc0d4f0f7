package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/danshapiro/decisiongraph/internal/adapter"
	"github.com/danshapiro/decisiongraph/internal/contract"
)

// version is set at build time via -ldflags.
var version = "dev"

// Exit codes. Input problems are distinguished from Engine failures so
// scripts can tell a bad graph from an outage.
const (
	exitOK        = 0
	exitFailure   = 1
	exitBadInput  = 2
	exitEngine    = 3
	exitCancelled = 130
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := NewRootCommand()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	fmt.Fprintln(stderr, "error:", err)
	return exitCode(err)
}

func exitCode(err error) int {
	if errors.Is(err, adapter.ErrCancelled) || errors.Is(err, context.Canceled) {
		return exitCancelled
	}
	var e *contract.Error
	if !errors.As(err, &e) {
		return exitFailure
	}
	switch e.Code {
	case contract.CodeBadInput, contract.CodeLimitExceeded:
		return exitBadInput
	}
	return exitEngine
}
