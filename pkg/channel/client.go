package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dennishilgert/stockade/pkg/logger"
)

var ErrConnectionClosed = errors.New("channel connection closed")

type deadliner interface {
	SetDeadline(t time.Time) error
}

// Client sends requests and notifications over a single connection. Requests
// are serialized: the next request is written only after the previous one
// received its response.
type Client struct {
	conn   io.ReadWriteCloser
	log    logger.Logger
	nextID atomic.Uint64

	reqLock   sync.Mutex
	writeLock sync.Mutex
	closed    atomic.Bool
}

// NewClient creates a new Client on top of conn.
func NewClient(conn io.ReadWriteCloser) *Client {
	return &Client{
		conn: conn,
		log:  log.WithFields(map[string]any{"side": "client"}),
	}
}

// SendRequest writes a request and blocks until the response with the same
// id arrives. Responses carrying other ids are skipped.
func (c *Client) SendRequest(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if c.closed.Load() {
		return nil, ErrConnectionClosed
	}

	c.reqLock.Lock()
	defer c.reqLock.Unlock()

	id := strconv.FormatUint(c.nextID.Add(1), 10)
	req, err := NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	stop := c.watch(ctx)
	defer stop()

	if err := c.write(req); err != nil {
		return nil, c.contextError(ctx, err)
	}
	for {
		msg, err := ReadMessage(c.conn)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("%w while waiting for response %s", ErrConnectionClosed, id)
			}
			return nil, c.contextError(ctx, err)
		}
		if msg.Kind != KindResponse {
			c.log.Debugf("skipping %s message while waiting for response %s", msg.Kind, id)
			continue
		}
		if msg.ID != id {
			c.log.Warnf("skipping response %s while waiting for response %s", msg.ID, id)
			continue
		}
		if msg.Error != nil {
			return nil, msg.Error
		}
		return msg.Result, nil
	}
}

// SendNotification writes a notification and returns without waiting.
func (c *Client) SendNotification(ctx context.Context, method string, params any) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	msg, err := NewNotification(method, params)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.write(msg)
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) write(msg *Message) error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	return WriteMessage(c.conn, msg)
}

// watch interrupts blocked reads and writes once the context is done, when
// the connection supports deadlines.
func (c *Client) watch(ctx context.Context) func() {
	d, ok := c.conn.(deadliner)
	if !ok {
		return func() {}
	}
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		select {
		case <-ctx.Done():
			_ = d.SetDeadline(time.Unix(1, 0))
		case <-done:
		}
	}()
	return func() {
		close(done)
		<-exited
		_ = d.SetDeadline(time.Time{})
	}
}

func (c *Client) contextError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %v", ctxErr, err)
	}
	return err
}
