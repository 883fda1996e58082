package messaging

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/glimte/mmate-dispatch/contracts"
)

// fakeChannel is an in-memory Channel and AsyncChannel
type fakeChannel struct {
	mu          sync.Mutex
	name        string
	queue       []*contracts.Message
	acked       []*contracts.Message
	rejected    []*contracts.Message
	requeued    []*contracts.Message
	delays      []time.Duration
	events      []string
	receiveErrs []error
	ackErr      error
	stopped     bool
	closeCount  int
	notify      chan struct{}
}

func newFakeChannel(name string, msgs ...*contracts.Message) *fakeChannel {
	return &fakeChannel{
		name:   name,
		queue:  msgs,
		notify: make(chan struct{}, 1),
	}
}

func (c *fakeChannel) signal() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *fakeChannel) Name() string { return c.name }

func (c *fakeChannel) Stop() {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
	c.signal()
}

func (c *fakeChannel) Enqueue(msgs ...*contracts.Message) {
	c.mu.Lock()
	c.queue = append(c.queue, msgs...)
	c.mu.Unlock()
	c.signal()
}

func (c *fakeChannel) next() (*contracts.Message, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.receiveErrs) > 0 {
		c.events = append(c.events, "recv")
		err := c.receiveErrs[0]
		c.receiveErrs = c.receiveErrs[1:]
		return nil, true, err
	}
	if c.stopped {
		c.events = append(c.events, "recv")
		return contracts.NewQuitMessage(), true, nil
	}
	if len(c.queue) > 0 {
		c.events = append(c.events, "recv")
		msg := c.queue[0]
		c.queue = c.queue[1:]
		return msg, true, nil
	}
	return nil, false, nil
}

func (c *fakeChannel) Receive(timeout time.Duration) (*contracts.Message, error) {
	return c.ReceiveContext(context.Background(), timeout)
}

func (c *fakeChannel) ReceiveContext(ctx context.Context, timeout time.Duration) (*contracts.Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		if msg, ok, err := c.next(); ok {
			return msg, err
		}
		select {
		case <-c.notify:
		case <-timer.C:
			return contracts.NewEmptyMessage(), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *fakeChannel) Acknowledge(msg *contracts.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acked = append(c.acked, msg)
	c.events = append(c.events, "ack")
	return c.ackErr
}

func (c *fakeChannel) AcknowledgeContext(_ context.Context, msg *contracts.Message) error {
	return c.Acknowledge(msg)
}

func (c *fakeChannel) Reject(msg *contracts.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rejected = append(c.rejected, msg)
	c.events = append(c.events, "reject")
	return nil
}

func (c *fakeChannel) RejectContext(_ context.Context, msg *contracts.Message) error {
	return c.Reject(msg)
}

func (c *fakeChannel) Requeue(msg *contracts.Message, delay time.Duration) error {
	c.mu.Lock()
	c.requeued = append(c.requeued, msg)
	c.delays = append(c.delays, delay)
	c.events = append(c.events, "requeue")
	c.queue = append(c.queue, msg.Clone())
	c.mu.Unlock()
	c.signal()
	return nil
}

func (c *fakeChannel) RequeueContext(_ context.Context, msg *contracts.Message, delay time.Duration) error {
	return c.Requeue(msg, delay)
}

func (c *fakeChannel) Purge() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue = nil
	return nil
}

func (c *fakeChannel) PurgeContext(context.Context) error { return c.Purge() }

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCount++
	return nil
}

func (c *fakeChannel) counts() (acked, rejected, requeued, queued int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.acked), len(c.rejected), len(c.requeued), len(c.queue)
}

// history returns the receives and settlements in the order they happened
func (c *fakeChannel) history() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.events...)
}

func (c *fakeChannel) closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCount > 0
}

// fakeFactory hands out fake channels and remembers them per connection
type fakeFactory struct {
	mu       sync.Mutex
	channels map[string][]*fakeChannel
	seed     func(conn Connection) []*contracts.Message
	err      error
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{channels: make(map[string][]*fakeChannel)}
}

func (f *fakeFactory) create(conn Connection) (*fakeChannel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	ch := newFakeChannel(conn.ChannelName)
	if f.seed != nil {
		ch.queue = f.seed(conn)
	}
	f.channels[conn.Name] = append(f.channels[conn.Name], ch)
	return ch, nil
}

func (f *fakeFactory) CreateSyncChannel(conn Connection) (Channel, error) {
	return f.create(conn)
}

func (f *fakeFactory) CreateAsyncChannel(conn Connection) (AsyncChannel, error) {
	return f.create(conn)
}

func (f *fakeFactory) channelsFor(name string) []*fakeChannel {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeChannel(nil), f.channels[name]...)
}

// testOrder is the request the test translator produces
type testOrder struct {
	contracts.BaseCommand
	Value string
}

var errBadPayload = errors.New("bad payload")

func testTranslator() Translator {
	return TranslatorFunc(func(msg *contracts.Message) (contracts.Request, error) {
		if strings.HasPrefix(msg.Body.Value(), "bad") {
			return nil, errBadPayload
		}
		return &testOrder{BaseCommand: contracts.NewBaseCommand(), Value: msg.Body.Value()}, nil
	})
}

type fakeMappers map[string]Translator

func (m fakeMappers) Translator(requestType string) (Translator, error) {
	t, ok := m[requestType]
	if !ok {
		return nil, contracts.NewConfigurationError("mappers", "unknown request type %s", requestType)
	}
	return t, nil
}

// recordingProcessor records every dispatch and answers with handle
type recordingProcessor struct {
	mu        sync.Mutex
	sent      []string
	published []string
	handle    func(order *testOrder) error
}

func (p *recordingProcessor) dispatch(list *[]string, request contracts.Request) error {
	order := request.(*testOrder)
	p.mu.Lock()
	*list = append(*list, order.Value)
	handle := p.handle
	p.mu.Unlock()
	if handle != nil {
		return handle(order)
	}
	return nil
}

func (p *recordingProcessor) Send(_ context.Context, request contracts.Request) error {
	return p.dispatch(&p.sent, request)
}

func (p *recordingProcessor) Publish(_ context.Context, request contracts.Request) error {
	return p.dispatch(&p.published, request)
}

func (p *recordingProcessor) Sent() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.sent...)
}

func (p *recordingProcessor) Published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.published...)
}

func command(value string) *contracts.Message {
	return contracts.NewMessage("orders", contracts.MessageTypeCommand, contracts.NewMessageBody(value))
}

func event(value string) *contracts.Message {
	return contracts.NewMessage("orders", contracts.MessageTypeEvent, contracts.NewMessageBody(value))
}
