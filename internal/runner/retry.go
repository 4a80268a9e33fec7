package runner

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"llmproxy/internal/logging"
	"llmproxy/internal/models"
	"llmproxy/internal/provider"
)

const (
	retryInitialInterval = 500 * time.Millisecond
	retryMaxInterval     = 10 * time.Second
	retryMaxElapsedTime  = 2 * time.Minute
)

// Retrying wraps a provider and retries transient failures with exponential
// backoff. Adapters never retry on their own; this is the opt-in caller side.
type Retrying struct {
	next       provider.Provider
	retries    uint64
	newBackOff func() backoff.BackOff
}

// NewRetrying retries failed completions up to retries times.
func NewRetrying(p provider.Provider, retries int) *Retrying {
	if retries < 0 {
		retries = 0
	}
	return &Retrying{
		next:       p,
		retries:    uint64(retries),
		newBackOff: newExponentialBackOff,
	}
}

func newExponentialBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInitialInterval
	b.MaxInterval = retryMaxInterval
	b.MaxElapsedTime = retryMaxElapsedTime
	b.RandomizationFactor = 0.5
	b.Multiplier = 2.0
	b.Reset()
	return b
}

func (r *Retrying) Name() string {
	return r.next.Name()
}

func (r *Retrying) Completion(ctx context.Context, req models.CompletionRequest) (*models.CompletionResponse, error) {
	operation := func() (*models.CompletionResponse, error) {
		resp, err := r.next.Completion(ctx, req)
		if err != nil && !Retryable(err) {
			return nil, backoff.Permanent(err)
		}
		return resp, err
	}

	notify := func(err error, wait time.Duration) {
		logging.Warn().
			Err(err).
			Str("provider", r.next.Name()).
			Dur("retry_in", wait).
			Msg("completion failed, retrying")
	}

	b := backoff.WithContext(backoff.WithMaxRetries(r.newBackOff(), r.retries), ctx)
	resp, err := backoff.RetryNotifyWithData(operation, b, notify)
	if err != nil {
		return nil, r.keepTaxonomy(err)
	}
	return resp, nil
}

// keepTaxonomy reports a context that ended between attempts as a
// *provider.NetworkError, the same way an adapter reports it mid-request.
func (r *Retrying) keepTaxonomy(err error) error {
	if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var netErr *provider.NetworkError
	if errors.As(err, &netErr) {
		return err
	}
	return &provider.NetworkError{Provider: r.next.Name(), Err: err}
}

// Retryable reports whether err is worth another attempt: transport failures
// that are not caused by cancellation, rate limiting and upstream 5xx.
func Retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr *provider.NetworkError
	if errors.As(err, &netErr) {
		return true
	}

	var provErr *provider.ProviderError
	if errors.As(err, &provErr) {
		return provErr.StatusCode == http.StatusTooManyRequests || provErr.StatusCode >= http.StatusInternalServerError
	}

	return false
}
