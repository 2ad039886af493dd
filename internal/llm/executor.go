package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/joelkehle/trialsense/internal/metrics"
)

var statusCodeRe = regexp.MustCompile(`(?:status(?:\s+code)?[:=\s]+)(\d{3})`)

type failureClass int

const (
	failureNone failureClass = iota
	failureTimeout
	failureRateLimit
	failureServer
	failureClient
)

func (c failureClass) String() string {
	switch c {
	case failureTimeout:
		return "timeout"
	case failureRateLimit:
		return "rate_limit"
	case failureServer:
		return "server"
	case failureClient:
		return "client"
	default:
		return "none"
	}
}

type ExecutorConfig struct {
	// Timeout bounds each attempt. A timed out attempt counts as a failed call.
	Timeout     time.Duration
	MaxAttempts int
	Backoff     func(attempt int) time.Duration
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics
}

// Executor wraps an oracle with per-attempt timeouts and transport retries.
// It never inspects the returned text; callers own parsing and degradation.
type Executor struct {
	caller  Caller
	cfg     ExecutorConfig
	log     zerolog.Logger
	metrics *metrics.Metrics
}

func NewExecutor(caller Caller, cfg ExecutorConfig) *Executor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 90 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff == nil {
		cfg.Backoff = backoffDelay
	}
	return &Executor{caller: caller, cfg: cfg, log: cfg.Logger, metrics: cfg.Metrics}
}

func (e *Executor) ModelName() string {
	if e == nil || e.caller == nil {
		return DefaultModel
	}
	return e.caller.ModelName()
}

func (e *Executor) Generate(ctx context.Context, op, prompt string) (string, error) {
	return run(ctx, e, op, func(ctx context.Context) (string, error) {
		return e.caller.Generate(ctx, prompt)
	})
}

func (e *Executor) GenerateWithImage(ctx context.Context, op, prompt string, image Image) (string, error) {
	vc, ok := e.caller.(VisionCaller)
	if !ok {
		return "", fmt.Errorf("%s: oracle %s does not accept images", op, e.ModelName())
	}
	return run(ctx, e, op, func(ctx context.Context) (string, error) {
		return vc.GenerateWithImage(ctx, prompt, image)
	})
}

func (e *Executor) Search(ctx context.Context, op, prompt string) (SearchResult, error) {
	sc, ok := e.caller.(SearchCaller)
	if !ok {
		return SearchResult{}, fmt.Errorf("%s: oracle %s does not support web search", op, e.ModelName())
	}
	return run(ctx, e, op, func(ctx context.Context) (SearchResult, error) {
		return sc.Search(ctx, prompt)
	})
}

func run[T any](ctx context.Context, e *Executor, op string, call func(context.Context) (T, error)) (T, error) {
	var zero T
	start := time.Now()
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		attemptStart := time.Now()
		e.log.Debug().Str("op", op).Int("attempt", attempt).Msg("llm_attempt_start")

		attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
		out, err := call(attemptCtx)
		cancel()
		if err == nil {
			e.log.Debug().Str("op", op).Int("attempt", attempt).Int64("elapsed_ms", time.Since(attemptStart).Milliseconds()).Msg("llm_attempt_success")
			e.metrics.ObserveOracle(op, "ok", time.Since(start))
			return out, nil
		}
		if ctx.Err() != nil {
			e.metrics.ObserveOracle(op, "canceled", time.Since(start))
			return zero, fmt.Errorf("%s: %w", op, ctx.Err())
		}

		class := classifyTransportError(err)
		e.log.Warn().Err(err).Str("op", op).Int("attempt", attempt).Stringer("class", class).
			Int64("elapsed_ms", time.Since(attemptStart).Milliseconds()).Msg("llm_attempt_transport_error")
		if (class == failureTimeout || class == failureRateLimit || class == failureServer) && attempt < e.cfg.MaxAttempts {
			if err := sleepCtx(ctx, e.cfg.Backoff(attempt)); err != nil {
				e.metrics.ObserveOracle(op, "canceled", time.Since(start))
				return zero, fmt.Errorf("%s: %w", op, err)
			}
			continue
		}
		e.metrics.ObserveOracle(op, class.String(), time.Since(start))
		return zero, fmt.Errorf("%s transport failure: %w", op, err)
	}
	return zero, fmt.Errorf("%s failed after retries", op)
}

func classifyTransportError(err error) failureClass {
	if err == nil {
		return failureNone
	}
	msg := strings.ToLower(err.Error())
	if errors.Is(err, context.DeadlineExceeded) {
		return failureTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return failureTimeout
	}
	if m := statusCodeRe.FindStringSubmatch(msg); len(m) == 2 {
		switch {
		case m[1] == "429":
			return failureRateLimit
		case strings.HasPrefix(m[1], "5"):
			return failureServer
		case strings.HasPrefix(m[1], "4"):
			return failureClient
		}
	}
	switch {
	case strings.Contains(msg, "rate limit"):
		return failureRateLimit
	case strings.Contains(msg, "server error"), strings.Contains(msg, "overloaded"):
		return failureServer
	default:
		return failureServer
	}
}

func backoffDelay(attempt int) time.Duration {
	switch attempt {
	case 1:
		return 1 * time.Second
	case 2:
		return 2 * time.Second
	default:
		return 4 * time.Second
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
