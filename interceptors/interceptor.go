package interceptors

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/glimte/mmate-dispatch/contracts"
)

// Handler handles one typed request
type Handler interface {
	Handle(ctx context.Context, request contracts.Request) error
}

// HandlerFunc is a function adapter for Handler
type HandlerFunc func(ctx context.Context, request contracts.Request) error

// Handle implements Handler
func (f HandlerFunc) Handle(ctx context.Context, request contracts.Request) error {
	return f(ctx, request)
}

// Interceptor wraps request handling
type Interceptor interface {
	// Intercept processes a request and calls the next handler in the chain
	Intercept(ctx context.Context, request contracts.Request, next Handler) error

	// Name returns the interceptor name for logging and debugging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, request contracts.Request, next Handler) error
}

// NewInterceptorFunc creates a new function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, request contracts.Request, next Handler) error) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, request contracts.Request, next Handler) error {
	return i.fn(ctx, request, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// InterceptorChain runs interceptors in the order they were added
type InterceptorChain struct {
	interceptors []Interceptor
}

// NewInterceptorChain creates a chain
func NewInterceptorChain(interceptors ...Interceptor) *InterceptorChain {
	return &InterceptorChain{interceptors: interceptors}
}

// Add appends an interceptor to the chain
func (c *InterceptorChain) Add(interceptor Interceptor) *InterceptorChain {
	c.interceptors = append(c.interceptors, interceptor)
	return c
}

// Len returns the number of interceptors
func (c *InterceptorChain) Len() int {
	return len(c.interceptors)
}

// Wrap returns final wrapped by every interceptor; the first added runs outermost
func (c *InterceptorChain) Wrap(final Handler) Handler {
	handler := final
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor := c.interceptors[i]
		next := handler
		handler = HandlerFunc(func(ctx context.Context, request contracts.Request) error {
			return interceptor.Intercept(ctx, request, next)
		})
	}
	return handler
}

// Execute runs request through the chain and final
func (c *InterceptorChain) Execute(ctx context.Context, request contracts.Request, final Handler) error {
	return c.Wrap(final).Handle(ctx, request)
}

// LoggingInterceptor logs request processing
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a new logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, request contracts.Request, next Handler) error {
	start := time.Now()
	requestType := contracts.RequestTypeName(request)

	i.logger.DebugContext(ctx, "handling request",
		"requestId", request.GetID(),
		"requestType", requestType,
	)

	err := next.Handle(ctx, request)
	duration := time.Since(start)

	switch {
	case err == nil:
		i.logger.DebugContext(ctx, "request handled",
			"requestId", request.GetID(),
			"requestType", requestType,
			"duration", duration,
		)
	case contracts.IsDeferMessage(err):
		i.logger.InfoContext(ctx, "request deferred",
			"requestId", request.GetID(),
			"requestType", requestType,
			"reason", err,
		)
	default:
		i.logger.ErrorContext(ctx, "request handling failed",
			"requestId", request.GetID(),
			"requestType", requestType,
			"duration", duration,
			"error", err,
		)
	}
	return err
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// MetricsCollector receives handler metrics
type MetricsCollector interface {
	IncrementRequestCount(requestType string)
	RecordHandlingTime(requestType string, duration time.Duration)
	IncrementErrorCount(requestType string, errorType string)
}

// MetricsInterceptor collects metrics about request handling
type MetricsInterceptor struct {
	collector MetricsCollector
}

// NewMetricsInterceptor creates a new metrics interceptor
func NewMetricsInterceptor(collector MetricsCollector) *MetricsInterceptor {
	return &MetricsInterceptor{collector: collector}
}

// Intercept implements Interceptor
func (i *MetricsInterceptor) Intercept(ctx context.Context, request contracts.Request, next Handler) error {
	start := time.Now()
	requestType := contracts.RequestTypeName(request)

	i.collector.IncrementRequestCount(requestType)
	err := next.Handle(ctx, request)
	i.collector.RecordHandlingTime(requestType, time.Since(start))

	if err != nil {
		i.collector.IncrementErrorCount(requestType, errorType(err))
	}
	return err
}

// Name implements Interceptor
func (i *MetricsInterceptor) Name() string {
	return "MetricsInterceptor"
}

func errorType(err error) string {
	switch {
	case contracts.IsDeferMessage(err):
		return "deferred"
	case contracts.IsChannelFailure(err):
		return "channel_failure"
	case contracts.IsConfigurationError(err):
		return "configuration"
	default:
		return "handler_error"
	}
}

// RecoveryInterceptor turns a handler panic into an error
type RecoveryInterceptor struct {
	logger *slog.Logger
}

// NewRecoveryInterceptor creates a new recovery interceptor
func NewRecoveryInterceptor(logger *slog.Logger) *RecoveryInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecoveryInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *RecoveryInterceptor) Intercept(ctx context.Context, request contracts.Request, next Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			i.logger.ErrorContext(ctx, "handler panicked",
				"requestId", request.GetID(),
				"requestType", contracts.RequestTypeName(request),
				"panic", r,
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return next.Handle(ctx, request)
}

// Name implements Interceptor
func (i *RecoveryInterceptor) Name() string {
	return "RecoveryInterceptor"
}

// Validator checks a request before it is handled
type Validator interface {
	Validate(ctx context.Context, request contracts.Request) error
}

// ValidationInterceptor rejects invalid requests
type ValidationInterceptor struct {
	validator Validator
}

// NewValidationInterceptor creates a new validation interceptor
func NewValidationInterceptor(validator Validator) *ValidationInterceptor {
	return &ValidationInterceptor{validator: validator}
}

// Intercept implements Interceptor
func (i *ValidationInterceptor) Intercept(ctx context.Context, request contracts.Request, next Handler) error {
	if err := i.validator.Validate(ctx, request); err != nil {
		return fmt.Errorf("request validation failed: %w", err)
	}
	return next.Handle(ctx, request)
}

// Name implements Interceptor
func (i *ValidationInterceptor) Name() string {
	return "ValidationInterceptor"
}

// TimeoutInterceptor bounds the handler's context
type TimeoutInterceptor struct {
	timeout time.Duration
}

// NewTimeoutInterceptor creates a new timeout interceptor
func NewTimeoutInterceptor(timeout time.Duration) *TimeoutInterceptor {
	return &TimeoutInterceptor{timeout: timeout}
}

// Intercept implements Interceptor. The handler sees a context with a
// deadline; it is expected to honour it.
func (i *TimeoutInterceptor) Intercept(ctx context.Context, request contracts.Request, next Handler) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()
	return next.Handle(timeoutCtx, request)
}

// Name implements Interceptor
func (i *TimeoutInterceptor) Name() string {
	return "TimeoutInterceptor"
}

// ChainBuilder builds the usual chain
type ChainBuilder struct {
	chain  *InterceptorChain
	logger *slog.Logger
}

// NewChainBuilder creates a new builder
func NewChainBuilder(logger *slog.Logger) *ChainBuilder {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChainBuilder{chain: NewInterceptorChain(), logger: logger}
}

// WithRecovery adds the recovery interceptor
func (b *ChainBuilder) WithRecovery() *ChainBuilder {
	b.chain.Add(NewRecoveryInterceptor(b.logger))
	return b
}

// WithLogging adds the logging interceptor
func (b *ChainBuilder) WithLogging() *ChainBuilder {
	b.chain.Add(NewLoggingInterceptor(b.logger))
	return b
}

// WithMetrics adds the metrics interceptor
func (b *ChainBuilder) WithMetrics(collector MetricsCollector) *ChainBuilder {
	b.chain.Add(NewMetricsInterceptor(collector))
	return b
}

// WithValidation adds the validation interceptor
func (b *ChainBuilder) WithValidation(validator Validator) *ChainBuilder {
	b.chain.Add(NewValidationInterceptor(validator))
	return b
}

// WithTimeout adds the timeout interceptor
func (b *ChainBuilder) WithTimeout(timeout time.Duration) *ChainBuilder {
	b.chain.Add(NewTimeoutInterceptor(timeout))
	return b
}

// WithCustom adds a custom interceptor
func (b *ChainBuilder) WithCustom(interceptor Interceptor) *ChainBuilder {
	b.chain.Add(interceptor)
	return b
}

// Build returns the built chain
func (b *ChainBuilder) Build() *InterceptorChain {
	return b.chain
}
