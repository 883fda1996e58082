package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/alitto/pond"

	"github.com/glimte/mmate-dispatch/contracts"
	"github.com/glimte/mmate-dispatch/interceptors"
)

const (
	defaultMaxWorkers = 64
	defaultQueueSize  = 1024
)

// Handler handles one request type
type Handler = interceptors.Handler

// HandlerFunc is a function adapter for Handler
type HandlerFunc = interceptors.HandlerFunc

// CommandProcessor routes typed requests to registered handlers
type CommandProcessor struct {
	handlers map[string][]Handler
	mu       sync.RWMutex
	chain    *interceptors.InterceptorChain
	pool     *pond.WorkerPool
	logger   *slog.Logger
}

// Option configures the CommandProcessor
type Option func(*processorConfig)

type processorConfig struct {
	logger     *slog.Logger
	chain      *interceptors.InterceptorChain
	maxWorkers int
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *processorConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithInterceptors sets the chain every handler runs in
func WithInterceptors(chain *interceptors.InterceptorChain) Option {
	return func(c *processorConfig) {
		c.chain = chain
	}
}

// WithMaxConcurrency bounds the workers used to fan events out to handlers
func WithMaxConcurrency(n int) Option {
	return func(c *processorConfig) {
		if n > 0 {
			c.maxWorkers = n
		}
	}
}

// New creates a command processor. Without WithInterceptors handlers run
// behind the recovery and logging interceptors.
func New(options ...Option) *CommandProcessor {
	cfg := processorConfig{
		logger:     slog.Default(),
		maxWorkers: defaultMaxWorkers,
	}
	for _, opt := range options {
		opt(&cfg)
	}
	if cfg.chain == nil {
		cfg.chain = interceptors.NewChainBuilder(cfg.logger).WithRecovery().WithLogging().Build()
	}

	return &CommandProcessor{
		handlers: make(map[string][]Handler),
		chain:    cfg.chain,
		pool:     pond.New(cfg.maxWorkers, defaultQueueSize),
		logger:   cfg.logger,
	}
}

// Register adds a handler for requestType
func (p *CommandProcessor) Register(requestType string, handler Handler) error {
	if requestType == "" {
		return contracts.NewConfigurationError("processor", "request type cannot be empty")
	}
	if handler == nil {
		return contracts.NewConfigurationError("processor", "handler for %s cannot be nil", requestType)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.handlers[requestType] = append(p.handlers[requestType], handler)

	p.logger.Info("registered request handler",
		"requestType", requestType,
		"handlers", len(p.handlers[requestType]),
	)
	return nil
}

// Handle registers fn for the request type R, named after R's struct
func Handle[R contracts.Request](p *CommandProcessor, fn func(ctx context.Context, request R) error) error {
	requestType := contracts.TypeNameOf[R]()
	return p.Register(requestType, HandlerFunc(func(ctx context.Context, request contracts.Request) error {
		typed, ok := request.(R)
		if !ok {
			return contracts.NewConfigurationError("processor", "handler for %s received %T", requestType, request)
		}
		return fn(ctx, typed)
	}))
}

// Send delivers a command to its single handler
func (p *CommandProcessor) Send(ctx context.Context, request contracts.Request) error {
	if request == nil {
		return contracts.NewConfigurationError("processor", "request cannot be nil")
	}

	requestType := contracts.RequestTypeName(request)
	handlers := p.handlersFor(requestType)

	switch len(handlers) {
	case 0:
		return contracts.NewConfigurationError("processor", "no handler registered for %s", requestType)
	case 1:
		return p.chain.Execute(ctx, request, handlers[0])
	default:
		return contracts.NewConfigurationError("processor", "%d handlers registered for command %s, expected one", len(handlers), requestType)
	}
}

// Publish delivers an event to every handler concurrently. Having no
// handler is not an error. Handler errors are joined.
func (p *CommandProcessor) Publish(ctx context.Context, request contracts.Request) error {
	if request == nil {
		return contracts.NewConfigurationError("processor", "request cannot be nil")
	}

	requestType := contracts.RequestTypeName(request)
	handlers := p.handlersFor(requestType)

	switch len(handlers) {
	case 0:
		p.logger.DebugContext(ctx, "no handlers for event", "requestType", requestType)
		return nil
	case 1:
		return p.chain.Execute(ctx, request, handlers[0])
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	group := p.pool.Group()
	for _, handler := range handlers {
		handler := handler
		group.Submit(func() {
			if err := p.chain.Execute(ctx, request, handler); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		})
	}
	group.Wait()

	if len(errs) > 0 {
		return fmt.Errorf("%d of %d handlers failed for %s: %w", len(errs), len(handlers), requestType, errors.Join(errs...))
	}
	return nil
}

func (p *CommandProcessor) handlersFor(requestType string) []Handler {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Handler(nil), p.handlers[requestType]...)
}

// Handlers returns the number of handlers registered for requestType
func (p *CommandProcessor) Handlers(requestType string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.handlers[requestType])
}

// Types returns every request type with a handler
func (p *CommandProcessor) Types() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	types := make([]string, 0, len(p.handlers))
	for requestType := range p.handlers {
		types = append(types, requestType)
	}
	sort.Strings(types)
	return types
}

// Close waits for running event handlers and releases the worker pool
func (p *CommandProcessor) Close() {
	p.pool.StopAndWait()
}
