package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// consoleApprover asks the operator on stdin to confirm a pairing passkey.
type consoleApprover struct {
	in     io.Reader
	out    io.Writer
	logger *zap.Logger

	// prompts are serialized so answers cannot be attributed to the wrong device.
	mu        sync.Mutex
	startOnce sync.Once
	lines     chan string
}

func newConsoleApprover(logger *zap.Logger) *consoleApprover {
	return &consoleApprover{
		in:     os.Stdin,
		out:    os.Stdout,
		logger: logger.Named("approval"),
		lines:  make(chan string),
	}
}

// RequestApproval prints the passkey and waits for y/n until ctx ends.
func (a *consoleApprover) RequestApproval(ctx context.Context, deviceName, passkey string) (bool, error) {
	a.startOnce.Do(func() { go a.readLines() })

	a.mu.Lock()
	defer a.mu.Unlock()

	fmt.Fprintf(a.out, "\nPairing request from %q\nPasskey: %s\nAccept? [y/N]: ", deviceName, passkey)
	for {
		select {
		case line, ok := <-a.lines:
			if !ok {
				return false, io.EOF
			}
			switch strings.ToLower(strings.TrimSpace(line)) {
			case "y", "yes":
				return true, nil
			case "", "n", "no":
				return false, nil
			default:
				fmt.Fprint(a.out, "Please answer y or n: ")
			}
		case <-ctx.Done():
			fmt.Fprintln(a.out, "\nPairing request timed out.")
			a.logger.Info("pairing approval timed out", zap.String("device_name", deviceName))
			return false, ctx.Err()
		}
	}
}

func (a *consoleApprover) readLines() {
	scanner := bufio.NewScanner(a.in)
	for scanner.Scan() {
		a.lines <- scanner.Text()
	}
	close(a.lines)
}
