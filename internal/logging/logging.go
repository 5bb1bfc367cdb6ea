// Package logging configures the clue logger carried on every context handed
// to the core services.
package logging

import (
	"context"
	"io"
	"os"

	"goa.design/clue/log"
)

type Options struct {
	Debug  bool
	JSON   bool
	Output io.Writer
}

// Context returns ctx decorated with a clue logger. Terminal output gets the
// colored terminal format unless JSON is requested.
func Context(ctx context.Context, opts Options) context.Context {
	output := opts.Output
	if output == nil {
		output = os.Stderr
	}
	format := log.FormatText
	switch {
	case opts.JSON:
		format = log.FormatJSON
	case output == os.Stderr && log.IsTerminal():
		format = log.FormatTerminal
	}
	logOpts := []log.LogOption{log.WithFormat(format), log.WithOutput(output)}
	if opts.Debug {
		logOpts = append(logOpts, log.WithDebug())
	}
	return log.Context(ctx, logOpts...)
}

// KV converts alternating key/value arguments into clue fielders, prefixed
// with the message.
func KV(msg string, keyvals ...any) []log.Fielder {
	fielders := []log.Fielder{log.KV{K: "msg", V: msg}}
	for i := 0; i < len(keyvals); i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		var value any
		if i+1 < len(keyvals) {
			value = keyvals[i+1]
		}
		fielders = append(fielders, log.KV{K: key, V: value})
	}
	return fielders
}

func Info(ctx context.Context, msg string, keyvals ...any) {
	log.Info(ctx, KV(msg, keyvals...)...)
}

func Debug(ctx context.Context, msg string, keyvals ...any) {
	log.Debug(ctx, KV(msg, keyvals...)...)
}

func Warn(ctx context.Context, msg string, keyvals ...any) {
	log.Warn(ctx, KV(msg, keyvals...)...)
}

func Error(ctx context.Context, err error, msg string, keyvals ...any) {
	log.Error(ctx, err, KV(msg, keyvals...)...)
}
