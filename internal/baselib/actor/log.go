package actor

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/btcsuite/btclog/v2"
)

// log is the package-wide subsystem logger. It defaults to a disabled
// logger so the package is silent until a hosting application wires up a
// real backend via UseLogger, the same pattern lnd subsystems use.
var log atomic.Pointer[btclog.Logger]

func init() {
	disabled := btclog.Disabled
	log.Store(&disabled)
}

// UseLogger routes the actor package's logging through the supplied
// btclog.Logger. Call this once during application startup before any
// ActorSystem is created; it is safe to call concurrently with running
// actors but log lines emitted mid-swap may use either logger.
func UseLogger(logger btclog.Logger) {
	log.Store(&logger)
}

func logger() btclog.Logger {
	return *log.Load()
}

// traceID pulls a short correlation token out of ctx for structured log
// lines, falling back to "-" when the context carries none. Forked and
// remote dispatch stash the envelope's correlation ID here so a single
// request can be grepped across a parent and its worker's log output.
func traceID(ctx context.Context) string {
	if v := ctx.Value(ctxKeyCorrelation); v != nil {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return "-"
}

// kvString renders alternating key/value pairs the way btclog's structured
// helpers expect a single formatted suffix, e.g. "actor_id=a1 topic=hello".
func kvString(kv []any) string {
	if len(kv) == 0 {
		return ""
	}
	var b strings.Builder
	for i := 0; i+1 < len(kv); i += 2 {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%v=%v", kv[i], kv[i+1])
	}
	return b.String()
}

func logLine(ctx context.Context, msg string, kv []any) string {
	suffix := kvString(kv)
	if suffix == "" {
		return fmt.Sprintf("[trace=%s] %s", traceID(ctx), msg)
	}
	return fmt.Sprintf("[trace=%s] %s %s", traceID(ctx), msg, suffix)
}

// TraceS logs a structured trace-level line, context first, then message,
// then alternating key/value pairs.
func TraceS(ctx context.Context, msg string, kv ...any) {
	logger().Trace(logLine(ctx, msg, kv))
}

// DebugS logs a structured debug-level line.
func DebugS(ctx context.Context, msg string, kv ...any) {
	logger().Debug(logLine(ctx, msg, kv))
}

// InfoS logs a structured info-level line.
func InfoS(ctx context.Context, msg string, kv ...any) {
	logger().Info(logLine(ctx, msg, kv))
}

// WarnS logs a structured warn-level line. The error, when non-nil, is
// appended to the key/value suffix under the "err" key.
func WarnS(ctx context.Context, msg string, err error, kv ...any) {
	if err != nil {
		kv = append(kv, "err", err)
	}
	logger().Warn(logLine(ctx, msg, kv))
}

// ErrorS logs a structured error-level line.
func ErrorS(ctx context.Context, msg string, err error, kv ...any) {
	if err != nil {
		kv = append(kv, "err", err)
	}
	logger().Error(logLine(ctx, msg, kv))
}

type ctxKey int

const ctxKeyCorrelation ctxKey = iota

// withCorrelation stashes a correlation token (an envelope ID) in ctx so
// nested log lines for the same request can be grepped together.
func withCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyCorrelation, id)
}
