package bus

import (
	"container/list"
	"context"
	"sync"
)

// MessageBus is an in-process, typed FIFO pair between front-ends and the
// engine. It does not persist messages and applies no backpressure of its
// own — that's the Agent Loop's job (bounded global concurrency + per-session
// tails).
type MessageBus struct {
	inMu   sync.Mutex
	inCond *sync.Cond
	in     *list.List

	outMu   sync.Mutex
	outCond *sync.Cond
	out     *list.List

	closed bool
}

// New creates an empty MessageBus.
func New() *MessageBus {
	b := &MessageBus{in: list.New(), out: list.New()}
	b.inCond = sync.NewCond(&b.inMu)
	b.outCond = sync.NewCond(&b.outMu)
	return b
}

// PublishInbound enqueues an inbound message and wakes one waiting consumer.
func (b *MessageBus) PublishInbound(m InboundMessage) {
	b.inMu.Lock()
	b.in.PushBack(m)
	b.inMu.Unlock()
	b.inCond.Signal()
}

// PublishOutbound enqueues an outbound message and wakes one waiting consumer.
func (b *MessageBus) PublishOutbound(m OutboundMessage) {
	b.outMu.Lock()
	b.out.PushBack(m)
	b.outMu.Unlock()
	b.outCond.Signal()
}

// ConsumeInbound blocks until a message is available or ctx is done.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	v, ok := consume(ctx, &b.inMu, b.inCond, b.in, &b.closed)
	if !ok {
		return InboundMessage{}, false
	}
	return v.(InboundMessage), true
}

// ConsumeOutbound blocks until a message is available or ctx is done.
func (b *MessageBus) ConsumeOutbound(ctx context.Context) (OutboundMessage, bool) {
	v, ok := consume(ctx, &b.outMu, b.outCond, b.out, &b.closed)
	if !ok {
		return OutboundMessage{}, false
	}
	return v.(OutboundMessage), true
}

// consume blocks until l has an element, the bus is closed, or ctx is done,
// and pops the front element; ConsumeInbound/ConsumeOutbound type-assert it.
func consume(ctx context.Context, mu *sync.Mutex, cond *sync.Cond, l *list.List, closed *bool) (any, bool) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			mu.Lock()
			cond.Broadcast()
			mu.Unlock()
		case <-done:
		}
	}()
	defer close(done)

	mu.Lock()
	defer mu.Unlock()
	for l.Len() == 0 {
		if *closed {
			return nil, false
		}
		select {
		case <-ctx.Done():
			return nil, false
		default:
		}
		cond.Wait()
		select {
		case <-ctx.Done():
			return nil, false
		default:
		}
	}
	front := l.Front()
	l.Remove(front)
	return front.Value, true
}

// Close wakes all blocked consumers and makes future Consume* calls return
// immediately with ok=false once queues drain.
func (b *MessageBus) Close() {
	b.inMu.Lock()
	b.closed = true
	b.inMu.Unlock()
	b.inCond.Broadcast()

	b.outMu.Lock()
	b.closed = true
	b.outMu.Unlock()
	b.outCond.Broadcast()
}
