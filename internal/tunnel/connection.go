package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const writeTimeout = 10 * time.Second

var (
	// ErrSend means a frame could not be written.
	ErrSend = errors.New("tunnel send failed")
	// ErrReceiveTimeout means no frame arrived before the receive deadline.
	ErrReceiveTimeout = errors.New("timed out waiting for tunnel response")
	// ErrConnectionClosed means the peer sent a close frame.
	ErrConnectionClosed = errors.New("tunnel connection closed")
)

// Connection is one full-duplex tunnel to a provider's gateway. Callers hold
// a reservation from Reserve across a Send/Receive pair so replies correlate
// with the preceding request. Any I/O error marks the connection faulty.
type Connection struct {
	providerID string
	relayID    uint
	ws         *websocket.Conn

	slot      chan struct{}
	faulty    atomic.Bool
	closeOnce sync.Once
}

func newConnection(providerID string, relayID uint, ws *websocket.Conn) *Connection {
	return &Connection{
		providerID: providerID,
		relayID:    relayID,
		ws:         ws,
		slot:       make(chan struct{}, 1),
	}
}

// ProviderID returns the provider this tunnel serves.
func (c *Connection) ProviderID() string { return c.providerID }

// Healthy reports whether the connection may be reused.
func (c *Connection) Healthy() bool { return !c.faulty.Load() }

// MarkFaulty stops the connection from being handed out again.
func (c *Connection) MarkFaulty() { c.faulty.Store(true) }

// Reserve waits for exclusive use of the connection. The returned func
// releases it. A connection that turned faulty while the caller waited
// yields ErrConnectionClosed; the caller should acquire a fresh one.
func (c *Connection) Reserve(ctx context.Context) (func(), error) {
	select {
	case c.slot <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if c.faulty.Load() {
		<-c.slot
		return nil, fmt.Errorf("%w: provider %s is faulty", ErrConnectionClosed, c.providerID)
	}
	var once sync.Once
	return func() { once.Do(func() { <-c.slot }) }, nil
}

// Send writes payload as a single text frame.
func (c *Connection) Send(ctx context.Context, payload []byte) error {
	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		c.MarkFaulty()
		return fmt.Errorf("%w: %w", ErrSend, err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.MarkFaulty()
		return fmt.Errorf("%w: %w", ErrSend, err)
	}
	return nil
}

// Receive waits up to timeout for the next data frame. Cancelling ctx
// interrupts the wait and returns ctx.Err(); the connection is then faulty
// because a late reply could otherwise be read as the answer to the next send.
func (c *Connection) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	if err := c.ws.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		c.MarkFaulty()
		return nil, fmt.Errorf("set read deadline: %w", err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.ws.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			c.MarkFaulty()
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return nil, ErrReceiveTimeout
			}
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return nil, fmt.Errorf("%w: code %d", ErrConnectionClosed, ce.Code)
			}
			return nil, fmt.Errorf("receive: %w", err)
		}
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// Close closes the underlying socket. Safe to call more than once.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.MarkFaulty()
		_ = c.ws.Close()
	})
}
