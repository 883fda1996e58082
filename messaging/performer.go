package messaging

import (
	"context"
	"fmt"
	"sync"

	"github.com/glimte/mmate-dispatch/contracts"
)

// Completion reports the end of one performer run
type Completion struct {
	done chan struct{}
	err  error
}

func newCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

func (c *Completion) complete(err error) {
	c.err = err
	close(c.done)
}

// Done is closed when the pump returned
func (c *Completion) Done() <-chan struct{} {
	return c.done
}

// Err returns the pump's result once Done is closed, nil before
func (c *Completion) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Completed reports whether the run has ended
func (c *Completion) Completed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the run ends or ctx is done
func (c *Completion) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Performer runs one pump on its own goroutine and stops it cooperatively
// through the pump's channel.
type Performer struct {
	mu         sync.Mutex
	channel    Stopper
	pump       Pump
	completion *Completion
	cancel     context.CancelFunc
	stopOnce   *sync.Once
	closer     func() error
}

// NewPerformer pairs a channel with the pump that reads it
func NewPerformer(channel Stopper, pump Pump) *Performer {
	return &Performer{channel: channel, pump: pump}
}

// Run starts the pump and returns immediately. Calling Run while the pump is
// running returns the live completion.
func (p *Performer) Run(ctx context.Context) *Completion {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.completion != nil && !p.completion.Completed() {
		return p.completion
	}

	runCtx, cancel := context.WithCancel(ctx)
	completion := newCompletion()
	p.completion = completion
	p.cancel = cancel
	p.stopOnce = &sync.Once{}

	pump := p.pump
	go func() {
		defer cancel()
		completion.complete(runPump(runCtx, pump))
	}()

	return completion
}

func runPump(ctx context.Context, pump Pump) (err error) {
	if pump == nil {
		return contracts.NewConfigurationError("performer", "no pump bound")
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("message pump panicked: %v", r)
		}
	}()
	return pump.Run(ctx)
}

// Stop asks the running pump to end. It does not wait; use the completion.
func (p *Performer) Stop() {
	p.mu.Lock()
	once, cancel, channel := p.stopOnce, p.cancel, p.channel
	p.mu.Unlock()

	if once == nil {
		return
	}
	once.Do(func() {
		if channel != nil {
			channel.Stop()
		}
		cancel()
	})
}

// Rebind swaps the channel and pump of an idle performer
func (p *Performer) Rebind(channel Stopper, pump Pump) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.completion != nil && !p.completion.Completed() {
		return contracts.NewConfigurationError("performer", "cannot rebind a running performer")
	}
	p.channel = channel
	p.pump = pump
	return nil
}

// Running reports whether the pump goroutine is live
func (p *Performer) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.completion != nil && !p.completion.Completed()
}

// Completion returns the handle of the latest run, nil if never run
func (p *Performer) Completion() *Completion {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.completion
}

// closeChannel releases the channel of a performer that never ran
func (p *Performer) closeChannel() {
	p.mu.Lock()
	closer := p.closer
	p.mu.Unlock()
	if closer != nil {
		_ = closer()
	}
}
