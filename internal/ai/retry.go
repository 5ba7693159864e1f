package ai

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	appErr "github.com/xxxsen/earnrag/internal/pkg/errors"
)

type RetryConfig struct {
	MaxAttempts int
	Backoff     time.Duration
	Timeout     time.Duration
	// RatePerSec limits provider calls; zero disables limiting.
	RatePerSec float64
}

type retryEmbedder struct {
	next    IEmbedder
	cfg     RetryConfig
	limiter *rate.Limiter
}

// WrapRetry bounds every embedding call with a per-attempt timeout, a fixed
// number of attempts with exponential backoff, and an optional rate limit.
// Failures after the last attempt are reported as ErrProvider.
func WrapRetry(e IEmbedder, cfg RetryConfig) IEmbedder {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	r := &retryEmbedder{next: e, cfg: cfg}
	if cfg.RatePerSec > 0 {
		burst := int(cfg.RatePerSec)
		if burst < 1 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	return r
}

func (r *retryEmbedder) Embed(ctx context.Context, text string) (*Embedding, error) {
	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		res, err := r.attempt(ctx, text)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if ctx.Err() != nil || errors.Is(err, ErrUnavailable) || appErr.IsConfiguration(err) {
			break
		}
		if attempt == r.cfg.MaxAttempts {
			break
		}
		wait := r.cfg.Backoff << (attempt - 1)
		logutil.GetLogger(ctx).Warn("embedding attempt failed, retrying",
			zap.String("model", r.next.ModelName()),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, fmt.Errorf("%w: %s: %v", appErr.ErrProvider, r.next.ModelName(), ctx.Err())
			case <-timer.C:
			}
		}
	}
	if appErr.IsConfiguration(lastErr) {
		return nil, lastErr
	}
	return nil, fmt.Errorf("%w: %s: %w", appErr.ErrProvider, r.next.ModelName(), lastErr)
}

func (r *retryEmbedder) attempt(ctx context.Context, text string) (*Embedding, error) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}
	res, err := r.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if res == nil || len(res.Vector) == 0 {
		return nil, fmt.Errorf("empty embedding")
	}
	return res, nil
}

func (r *retryEmbedder) ModelName() string {
	return r.next.ModelName()
}

type timeoutGenerator struct {
	next    IGenerator
	timeout time.Duration
}

// WrapTimeout bounds a generator call and reports failures as ErrProvider.
func WrapTimeout(g IGenerator, timeout time.Duration) IGenerator {
	return &timeoutGenerator{next: g, timeout: timeout}
}

func (t *timeoutGenerator) Generate(ctx context.Context, req *GenerateRequest) (string, error) {
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}
	res, err := t.next.Generate(ctx, req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", appErr.ErrProvider, err)
	}
	if res == "" {
		return "", fmt.Errorf("%w: empty ai response", appErr.ErrProvider)
	}
	return res, nil
}
