package transport

import (
	"bytes"
	"context"
	"time"
)

// bufWriter is a minimal io.Writer accumulating bytes, used in place of
// bytes.Buffer directly so ssh.Session.Stdout/Stderr can share one type
// with command.Local's combined-output buffering idiom.
type bufWriter struct {
	bytes.Buffer
}

// runWithOptionalTimeout runs fn, applying a deadline derived from
// timeoutSeconds when it is positive.
func runWithOptionalTimeout(ctx context.Context, timeoutSeconds int64, fn func(context.Context) error) error {
	if timeoutSeconds <= 0 {
		return fn(ctx)
	}
	runCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutSeconds)*time.Second)
	defer cancel()
	return fn(runCtx)
}
