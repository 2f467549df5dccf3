package jupyter

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"pkt.systems/kernelq/core"
	"pkt.systems/kernelq/schema"
	"pkt.systems/pslog"
)

const (
	defaultEventBuffer = 1024
	readLimit          = 32 * 1024 * 1024
)

// channels multiplexes the shell and iopub channels of one kernel over a
// websocket. Shell replies are routed to waiters by parent msg_id; iopub
// messages are decoded into a bounded event buffer.
type channels struct {
	conn    *websocket.Conn
	session string
	logger  pslog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending map[string]chan Message
	closed  bool

	events *eventBuffer
	done   chan struct{}
}

// dialChannels connects to the channels endpoint. The connection outlives
// ctx; ctx only bounds the handshake.
func dialChannels(ctx context.Context, client *Client, kernelID string, eventBuffer int, logger pslog.Logger) (*channels, error) {
	sessionID := uuid.NewString()
	conn, _, err := websocket.Dial(ctx, client.ChannelsURL(kernelID, sessionID), &websocket.DialOptions{
		HTTPHeader: client.AuthHeader(),
		HTTPClient: client.http,
	})
	if err != nil {
		return nil, wrapTransportError("connect", err)
	}
	conn.SetReadLimit(readLimit)
	if eventBuffer <= 0 {
		eventBuffer = defaultEventBuffer
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ch := &channels{
		conn:    conn,
		session: sessionID,
		logger:  logger,
		ctx:     runCtx,
		cancel:  cancel,
		pending: make(map[string]chan Message),
		events:  newEventBuffer(eventBuffer, logger),
		done:    make(chan struct{}),
	}
	go ch.readLoop()
	return ch, nil
}

// Send writes a shell request and returns its msg_id.
func (c *channels) Send(ctx context.Context, msgType string, content any) (string, error) {
	msg, err := NewMessage(ChannelShell, msgType, c.session, content)
	if err != nil {
		return "", core.NewBackendError(core.BackendErrorProtocol, msgType, err)
	}
	if err := c.write(ctx, msg); err != nil {
		return "", err
	}
	return msg.Header.MsgID, nil
}

// Request writes a shell request and waits for its reply.
func (c *channels) Request(ctx context.Context, msgType string, content any) (Message, error) {
	msg, err := NewMessage(ChannelShell, msgType, c.session, content)
	if err != nil {
		return Message{}, core.NewBackendError(core.BackendErrorProtocol, msgType, err)
	}
	reply := make(chan Message, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Message{}, core.NewBackendError(core.BackendErrorClosed, msgType, io.EOF)
	}
	c.pending[msg.Header.MsgID] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, msg.Header.MsgID)
		c.mu.Unlock()
	}()

	if err := c.write(ctx, msg); err != nil {
		return Message{}, err
	}
	select {
	case out := <-reply:
		return out, nil
	case <-c.done:
		return Message{}, core.NewBackendError(core.BackendErrorClosed, msgType, io.EOF)
	case <-ctx.Done():
		return Message{}, wrapTransportError(msgType, ctx.Err())
	}
}

func (c *channels) write(ctx context.Context, msg Message) error {
	select {
	case <-c.done:
		return core.NewBackendError(core.BackendErrorClosed, msg.Header.MsgType, io.EOF)
	default:
	}
	if err := wsjson.Write(ctx, c.conn, msg); err != nil {
		if websocket.CloseStatus(err) != -1 {
			return core.NewBackendError(core.BackendErrorClosed, msg.Header.MsgType, err)
		}
		return wrapTransportError(msg.Header.MsgType, err)
	}
	return nil
}

// Events returns the iopub event stream.
func (c *channels) Events() core.EventStream {
	return c.events
}

// Close closes the websocket and the event stream.
func (c *channels) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	err := c.conn.Close(websocket.StatusNormalClosure, "")
	c.cancel()
	<-c.done
	if err != nil && websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (c *channels) readLoop() {
	defer close(c.done)
	defer c.events.Close()
	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			c.mu.Lock()
			closing := c.closed
			c.closed = true
			c.mu.Unlock()
			if !closing {
				c.logger.Warn("jupyter channels read failed", "err", err)
			}
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("jupyter channels frame dropped", "err", err)
			continue
		}
		c.route(msg)
	}
}

func (c *channels) route(msg Message) {
	switch msg.Channel {
	case ChannelShell, ChannelControl:
		c.mu.Lock()
		reply, ok := c.pending[msg.ParentHeader.MsgID]
		c.mu.Unlock()
		if ok {
			select {
			case reply <- msg:
			default:
			}
			return
		}
		c.logger.Trace("jupyter shell reply unrouted", "msg_type", msg.Header.MsgType, "parent", msg.ParentHeader.MsgID)
		if msg.Header.MsgType == MsgExecuteReply {
			c.publish(msg)
		}
	case ChannelIOPub:
		c.publish(msg)
	default:
		c.logger.Trace("jupyter channel ignored", "channel", msg.Channel, "msg_type", msg.Header.MsgType)
	}
}

func (c *channels) publish(msg Message) {
	ev, err := DecodeEvent(msg)
	if err != nil {
		c.events.Fail(core.NewBackendError(core.BackendErrorProtocol, "decode", err))
		return
	}
	c.events.Push(ev)
}

// eventBuffer is a bounded FIFO of kernel events. When full the oldest
// event is dropped.
type eventBuffer struct {
	mu     sync.Mutex
	items  []schema.KernelEvent
	errs   []error
	limit  int
	closed bool
	notify chan struct{}
	logger pslog.Logger
}

func newEventBuffer(limit int, logger pslog.Logger) *eventBuffer {
	return &eventBuffer{limit: limit, notify: make(chan struct{}, 1), logger: logger}
}

func (b *eventBuffer) Push(ev schema.KernelEvent) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if len(b.items) >= b.limit {
		dropped := b.items[0]
		b.items = b.items[1:]
		b.logger.Warn("jupyter event buffer full", "dropped", dropped.MsgType, "limit", b.limit)
	}
	b.items = append(b.items, ev)
	b.mu.Unlock()
	b.signal()
}

// Fail queues a non-fatal read error for the consumer.
func (b *eventBuffer) Fail(err error) {
	b.mu.Lock()
	if !b.closed {
		b.errs = append(b.errs, err)
	}
	b.mu.Unlock()
	b.signal()
}

func (b *eventBuffer) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.signal()
}

func (b *eventBuffer) signal() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// Next implements core.EventStream. Buffered events are delivered before
// io.EOF is reported for a closed stream.
func (b *eventBuffer) Next(ctx context.Context) (schema.KernelEvent, error) {
	for {
		b.mu.Lock()
		if len(b.errs) > 0 {
			err := b.errs[0]
			b.errs = b.errs[1:]
			b.mu.Unlock()
			return schema.KernelEvent{}, err
		}
		if len(b.items) > 0 {
			ev := b.items[0]
			b.items = b.items[1:]
			b.mu.Unlock()
			return ev, nil
		}
		if b.closed {
			b.mu.Unlock()
			return schema.KernelEvent{}, io.EOF
		}
		b.mu.Unlock()
		select {
		case <-b.notify:
		case <-ctx.Done():
			return schema.KernelEvent{}, ctx.Err()
		}
	}
}

func (b *eventBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}
