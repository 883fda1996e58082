package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/glimte/mmate-dispatch/contracts"
	"github.com/glimte/mmate-dispatch/internal/reliability"
)

const maxChannelFailureDelay = 30 * time.Second

// Pump is the loop a Performer runs
type Pump interface {
	Run(ctx context.Context) error
}

// PumpOption configures a message pump
type PumpOption func(*pumpConfig)

type pumpConfig struct {
	name                     string
	timeout                  time.Duration
	requeueCount             int
	requeueDelay             time.Duration
	unacceptableMessageLimit int
	channelFailureDelay      time.Duration
	emptyChannelDelay        time.Duration
	logger                   *slog.Logger
	metrics                  MetricsCollector
}

func defaultPumpConfig() pumpConfig {
	return pumpConfig{
		timeout:             time.Second,
		requeueCount:        -1,
		channelFailureDelay: time.Second,
		logger:              slog.Default(),
		metrics:             NoOpMetricsCollector{},
	}
}

// WithPumpName sets the name used in logs and metrics
func WithPumpName(name string) PumpOption {
	return func(c *pumpConfig) {
		c.name = name
	}
}

// WithTimeout sets the receive timeout
func WithTimeout(timeout time.Duration) PumpOption {
	return func(c *pumpConfig) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithPumpRequeueCount sets the requeue bound: -1 unlimited, 0 never
func WithPumpRequeueCount(count int) PumpOption {
	return func(c *pumpConfig) {
		c.requeueCount = count
	}
}

// WithPumpRequeueDelay sets the delay passed to the channel on requeue
func WithPumpRequeueDelay(delay time.Duration) PumpOption {
	return func(c *pumpConfig) {
		c.requeueDelay = delay
	}
}

// WithPumpUnacceptableMessageLimit stops the pump after limit unacceptable messages; 0 disables it
func WithPumpUnacceptableMessageLimit(limit int) PumpOption {
	return func(c *pumpConfig) {
		c.unacceptableMessageLimit = limit
	}
}

// WithPumpChannelFailureDelay sets the first backoff delay after a transport failure
func WithPumpChannelFailureDelay(delay time.Duration) PumpOption {
	return func(c *pumpConfig) {
		c.channelFailureDelay = delay
	}
}

// WithPumpEmptyChannelDelay sets the pause after an empty receive
func WithPumpEmptyChannelDelay(delay time.Duration) PumpOption {
	return func(c *pumpConfig) {
		c.emptyChannelDelay = delay
	}
}

// WithPumpLogger sets the logger
func WithPumpLogger(logger *slog.Logger) PumpOption {
	return func(c *pumpConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithPumpMetrics sets the metrics collector
func WithPumpMetrics(metrics MetricsCollector) PumpOption {
	return func(c *pumpConfig) {
		if metrics != nil {
			c.metrics = metrics
		}
	}
}

// pumpOptionsFor maps a connection onto pump options
func pumpOptionsFor(conn Connection) []PumpOption {
	return []PumpOption{
		WithPumpName(conn.Name),
		WithTimeout(conn.TimeOut),
		WithPumpRequeueCount(conn.RequeueCount),
		WithPumpRequeueDelay(conn.RequeueDelay),
		WithPumpUnacceptableMessageLimit(conn.UnacceptableMessageLimit),
		WithPumpChannelFailureDelay(conn.ChannelFailureDelay),
		WithPumpEmptyChannelDelay(conn.EmptyChannelDelay),
	}
}

// pumpChannel is the context-aware view of a channel both pump variants run on
type pumpChannel interface {
	receive(ctx context.Context, timeout time.Duration) (*contracts.Message, error)
	acknowledge(ctx context.Context, msg *contracts.Message) error
	reject(ctx context.Context, msg *contracts.Message) error
	requeue(ctx context.Context, msg *contracts.Message, delay time.Duration) error
	close() error
}

type syncPumpChannel struct{ ch Channel }

func (s syncPumpChannel) receive(_ context.Context, timeout time.Duration) (*contracts.Message, error) {
	return s.ch.Receive(timeout)
}
func (s syncPumpChannel) acknowledge(_ context.Context, msg *contracts.Message) error {
	return s.ch.Acknowledge(msg)
}
func (s syncPumpChannel) reject(_ context.Context, msg *contracts.Message) error {
	return s.ch.Reject(msg)
}
func (s syncPumpChannel) requeue(_ context.Context, msg *contracts.Message, delay time.Duration) error {
	return s.ch.Requeue(msg, delay)
}
func (s syncPumpChannel) close() error { return s.ch.Close() }

type asyncPumpChannel struct{ ch AsyncChannel }

func (a asyncPumpChannel) receive(ctx context.Context, timeout time.Duration) (*contracts.Message, error) {
	return a.ch.ReceiveContext(ctx, timeout)
}
func (a asyncPumpChannel) acknowledge(ctx context.Context, msg *contracts.Message) error {
	return a.ch.AcknowledgeContext(ctx, msg)
}
func (a asyncPumpChannel) reject(ctx context.Context, msg *contracts.Message) error {
	return a.ch.RejectContext(ctx, msg)
}
func (a asyncPumpChannel) requeue(ctx context.Context, msg *contracts.Message, delay time.Duration) error {
	return a.ch.RequeueContext(ctx, msg, delay)
}
func (a asyncPumpChannel) close() error { return a.ch.Close() }

// pumpCore holds the message loop shared by MessagePump and AsyncMessagePump
type pumpCore struct {
	cfg        pumpConfig
	channel    pumpChannel
	translator Translator
	processor  CommandProcessor
	backoff    *reliability.Backoff
	// cancellable is set by the async variant; the loop then ends as soon as ctx is done
	cancellable bool

	unacceptable atomic.Int64
	processed    atomic.Int64
	running      atomic.Bool
}

func newPumpCore(channel pumpChannel, translator Translator, processor CommandProcessor, options []PumpOption) *pumpCore {
	cfg := defaultPumpConfig()
	for _, opt := range options {
		opt(&cfg)
	}

	policy := reliability.NewExponentialBackoff(cfg.channelFailureDelay, maxChannelFailureDelay, 2)
	return &pumpCore{
		cfg:        cfg,
		channel:    channel,
		translator: translator,
		processor:  processor,
		backoff:    reliability.NewBackoff(policy),
	}
}

// UnacceptableCount returns the number of unacceptable messages seen in the current run
func (p *pumpCore) UnacceptableCount() int {
	return int(p.unacceptable.Load())
}

// Processed returns the number of messages handed to the processor
func (p *pumpCore) Processed() int {
	return int(p.processed.Load())
}

// Name returns the connection name the pump serves
func (p *pumpCore) Name() string {
	return p.cfg.name
}

func (p *pumpCore) run(ctx context.Context) error {
	if p.translator == nil || p.processor == nil {
		return contracts.NewConfigurationError("pump", "%s needs a translator and a command processor", p.cfg.name)
	}
	if !p.running.CompareAndSwap(false, true) {
		return contracts.NewConfigurationError("pump", "%s is already running", p.cfg.name)
	}
	defer p.running.Store(false)

	p.unacceptable.Store(0)
	p.backoff.Reset()

	logger := p.cfg.logger.With("connection", p.cfg.name)
	logger.Debug("message pump started")

	for {
		if p.cancellable && ctx.Err() != nil {
			p.dispose(logger)
			logger.Debug("message pump cancelled")
			return nil
		}

		msg, err := p.channel.receive(ctx, p.cfg.timeout)
		if err != nil {
			if ctx.Err() != nil {
				p.dispose(logger)
				logger.Debug("message pump cancelled during receive failure", "error", err)
				return nil
			}
			p.channelFailure(ctx, logger, "receive", err)
			continue
		}
		p.backoff.Reset()

		if msg.IsEmpty() {
			if p.cfg.emptyChannelDelay > 0 {
				p.sleep(ctx, p.cfg.emptyChannelDelay)
			}
			continue
		}

		msgLogger := logger.With("messageId", msg.Header.ID, "messageType", msg.Header.MessageType.String())

		if msg.Header.MessageType == contracts.MessageTypeQuit {
			p.dispose(logger)
			logger.Debug("message pump received quit")
			return nil
		}

		if msg.Header.MessageType == contracts.MessageTypeUnacceptable {
			if err := p.unacceptableMessage(ctx, msgLogger, msg, nil); err != nil {
				return err
			}
			continue
		}

		request, err := p.translator.Translate(msg)
		if err != nil {
			if err := p.unacceptableMessage(ctx, msgLogger, msg, err); err != nil {
				return err
			}
			continue
		}

		if err := p.handle(ctx, msgLogger, msg, request); err != nil {
			return err
		}
	}
}

// handle dispatches one translated message and settles it on the channel.
// A non-nil return ends the pump.
func (p *pumpCore) handle(ctx context.Context, logger *slog.Logger, msg *contracts.Message, request contracts.Request) error {
	start := time.Now()
	dispatchCtx := context.WithoutCancel(ctx)

	var err error
	switch msg.Header.MessageType {
	case contracts.MessageTypeCommand:
		err = p.dispatch(dispatchCtx, p.processor.Send, request)
	case contracts.MessageTypeEvent:
		err = p.dispatch(dispatchCtx, p.processor.Publish, request)
	default:
		return p.unacceptableMessage(ctx, logger, msg, fmt.Errorf("cannot dispatch message type %s", msg.Header.MessageType))
	}
	p.processed.Add(1)
	elapsed := time.Since(start)

	var cfgErr *contracts.ConfigurationError
	switch {
	case err == nil:
		p.settle(dispatchCtx, logger, "acknowledge", p.channel.acknowledge, msg)
		p.cfg.metrics.RecordMessage(p.cfg.name, OutcomeAcknowledged, elapsed)

	case errors.Is(err, contracts.ErrDeferMessage):
		msg.Header.UpdateHandledCount()
		if msg.HandledCountReached(p.cfg.requeueCount) {
			logger.Warn("message exceeded requeue count, dropping",
				"handledCount", msg.Header.HandledCount,
				"requeueCount", p.cfg.requeueCount)
			p.settle(dispatchCtx, logger, "acknowledge", p.channel.acknowledge, msg)
			p.cfg.metrics.RecordMessage(p.cfg.name, OutcomeDropped, elapsed)
			return nil
		}
		msg.Header.Delay = p.cfg.requeueDelay
		logger.Debug("requeueing deferred message",
			"handledCount", msg.Header.HandledCount,
			"delay", p.cfg.requeueDelay)
		if rqErr := p.channel.requeue(dispatchCtx, msg, p.cfg.requeueDelay); rqErr != nil {
			logger.Error("failed to requeue message", "error", rqErr)
		}
		p.cfg.metrics.RecordMessage(p.cfg.name, OutcomeRequeued, elapsed)

	case errors.Is(err, contracts.ErrChannelFailure):
		p.cfg.metrics.RecordMessage(p.cfg.name, OutcomeChannelFailure, elapsed)
		p.channelFailure(ctx, logger, "dispatch", err)

	case errors.As(err, &cfgErr):
		logger.Error("configuration error while dispatching, stopping pump", "error", err)
		p.settle(dispatchCtx, logger, "reject", p.channel.reject, msg)
		p.cfg.metrics.RecordMessage(p.cfg.name, OutcomeRejected, elapsed)
		p.dispose(logger)
		return err

	default:
		logger.Error("failed to process message", "error", err)
		p.settle(dispatchCtx, logger, "acknowledge", p.channel.acknowledge, msg)
		p.cfg.metrics.RecordMessage(p.cfg.name, OutcomeFailed, elapsed)
	}
	return nil
}

func (p *pumpCore) dispatch(ctx context.Context, fn func(context.Context, contracts.Request) error, request contracts.Request) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panicked: %v", r)
		}
	}()
	return fn(ctx, request)
}

// unacceptableMessage acknowledges msg and stops the pump once the limit is reached
func (p *pumpCore) unacceptableMessage(ctx context.Context, logger *slog.Logger, msg *contracts.Message, cause error) error {
	count := p.unacceptable.Add(1)
	if cause != nil {
		logger.Warn("unacceptable message", "error", cause, "unacceptableCount", count)
	} else {
		logger.Warn("unacceptable message", "unacceptableCount", count)
	}

	p.settle(context.WithoutCancel(ctx), logger, "acknowledge", p.channel.acknowledge, msg)
	p.cfg.metrics.RecordMessage(p.cfg.name, OutcomeUnacceptable, 0)

	limit := p.cfg.unacceptableMessageLimit
	if limit > 0 && count >= int64(limit) {
		logger.Error("unacceptable message limit reached, stopping pump", "limit", limit)
		p.dispose(logger)
		return fmt.Errorf("%s: %d unacceptable messages: %w", p.cfg.name, count, contracts.ErrUnacceptableMessageLimit)
	}
	return nil
}

func (p *pumpCore) settle(ctx context.Context, logger *slog.Logger, op string, fn func(context.Context, *contracts.Message) error, msg *contracts.Message) {
	if err := fn(ctx, msg); err != nil {
		logger.Error("failed to settle message", "op", op, "error", err)
	}
}

func (p *pumpCore) channelFailure(ctx context.Context, logger *slog.Logger, op string, err error) {
	p.cfg.metrics.RecordChannelFailure(p.cfg.name)
	delay := p.backoff.Next()
	if errors.Is(err, contracts.ErrChannelFailure) {
		logger.Warn("channel failure, backing off", "op", op, "error", err, "delay", delay)
	} else {
		logger.Error("unexpected channel error, backing off", "op", op, "error", err, "delay", delay)
	}
	p.sleep(ctx, delay)
}

func (p *pumpCore) sleep(ctx context.Context, d time.Duration) {
	_ = reliability.Sleep(ctx, d)
}

func (p *pumpCore) dispose(logger *slog.Logger) {
	if err := p.channel.close(); err != nil {
		logger.Warn("failed to close channel", "error", err)
	}
}
