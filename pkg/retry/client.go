package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/opsautomator/opsautomator/pkg/engine"
	"github.com/opsautomator/opsautomator/pkg/telemetry"
)

// Client retries the calls of one service on transient errors. A Client is
// safe for concurrent use; every call has its own backoff state.
type Client struct {
	service        string
	policy         Policy
	methods        map[string]bool
	transientCodes map[string]bool

	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger retries are reported to.
func WithLogger(l *telemetry.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l.NewComponentLogger("retry").WithField("service", c.service)
		}
	}
}

// WithMetrics sets the metrics retries and failures are recorded in.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithTracer sets the tracer provider calls are traced with.
func WithTracer(t *telemetry.Tracer) Option {
	return func(c *Client) {
		c.tracer = t
	}
}

// WithMethods restricts retries to the named methods, replacing the
// policy's list.
func WithMethods(methods ...string) Option {
	return func(c *Client) {
		c.methods = toSet(methods)
	}
}

// New creates a client for service. Unset policy fields take their
// defaults.
func New(service string, policy Policy, opts ...Option) *Client {
	policy = policy.WithDefaults()
	c := &Client{
		service:        service,
		policy:         policy,
		methods:        toSet(policy.Methods),
		transientCodes: toSet(policy.TransientCodes),
		logger:         telemetry.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Service returns the service name of the client.
func (c *Client) Service() string {
	return c.service
}

// Policy returns the effective policy.
func (c *Client) Policy() Policy {
	return c.policy
}

// Retries reports whether calls through method are retried.
func (c *Client) Retries(method string) bool {
	return len(c.methods) == 0 || c.methods[method]
}

// Do calls fn through Call and discards the result.
func (c *Client) Do(ctx context.Context, method string, fn func(context.Context) error) error {
	_, err := Call(ctx, c, method, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Call runs fn, retrying transient failures with exponential backoff when
// method is retried by c. Errors are returned classified:
//   - non-transient errors on their first occurrence
//   - a permanent RETRIES_EXHAUSTED error wrapping the last transient error
//     once attempts or elapsed time run out
//   - a transient error when ctx ends while waiting
func Call[T any](ctx context.Context, c *Client, method string, fn func(context.Context) (T, error)) (T, error) {
	ctx, span := c.tracer.StartProviderSpan(ctx, c.service, method)

	if !c.Retries(method) {
		res, err := fn(ctx)
		if err != nil {
			c.metrics.RecordProviderError(c.service, method)
			err = Classify(c.service, method, err)
		}
		telemetry.EndSpan(span, err)
		return res, err
	}

	attempts := 0
	transient := false
	operation := func() (T, error) {
		attempts++
		res, err := fn(ctx)
		if err == nil {
			return res, nil
		}
		transient = c.isTransient(err)
		if !transient {
			return res, backoff.Permanent(err)
		}
		return res, err
	}
	notify := func(err error, next time.Duration) {
		c.metrics.RecordProviderRetry(c.service, method)
		c.logger.WithError(err).Debugf("%s failed on attempt %d, retrying in %s", method, attempts, next)
	}

	res, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(c.policy.newBackOff()),
		backoff.WithMaxTries(uint(c.policy.MaxAttempts)),
		backoff.WithMaxElapsedTime(c.policy.MaxElapsed),
		backoff.WithNotify(notify),
	)
	if err == nil {
		telemetry.EndSpan(span, nil)
		return res, nil
	}

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Unwrap()
	}

	c.metrics.RecordProviderError(c.service, method)
	switch {
	case ctx.Err() != nil:
		err = engine.NewTransientError(fmt.Sprintf("%s.%s interrupted after %d attempts", c.service, method, attempts), err).
			WithOperation(c.service + "." + method)
	case transient:
		c.logger.WithError(err).Warnf("%s failed after %d attempts", method, attempts)
		err = engine.NewPermanentError(fmt.Sprintf("%s.%s retries exhausted", c.service, method), err).
			WithCode(engine.ErrCodeRetriesExhausted).
			WithOperation(c.service+"."+method).
			WithDetail("attempts", attempts)
	default:
		err = Classify(c.service, method, err)
	}
	telemetry.EndSpan(span, err)
	return res, err
}

func toSet(values []string) map[string]bool {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}
