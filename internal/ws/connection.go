package ws

import (
	"context"
	"errors"
	"sync"
)

type wsConnection interface {
	Close() error
	WriteJSON(v interface{}) error
	ReadMessage() (messageType int, p []byte, err error)
}

type messageHub interface {
	Attach(connID string) *client
	Detach(connID string)
	Dispatch(connID string, data []byte)
}

// Connection drives one websocket for its whole life: a read pump feeds
// raw frames to the main loop, which hands them to the hub and writes
// whatever the hub queues back out. The hub closing the client's done
// channel is a server-initiated disconnect (failed login, superseded
// session); queued frames are flushed first so the client sees its
// failure response before the close.
type Connection struct {
	ws         wsConnection
	hub        messageHub
	connID     string
	fromClient chan []byte
	cl         *client
	errorCh    chan error
}

func NewConnection(hub messageHub, ws wsConnection, connID string) *Connection {
	return &Connection{
		ws:         ws,
		hub:        hub,
		connID:     connID,
		fromClient: make(chan []byte),
		cl:         hub.Attach(connID),
		errorCh:    make(chan error, 2),
	}
}

func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		close(c.fromClient)
		close(c.errorCh)
		c.hub.Detach(c.connID)
	}()

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpMessages(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	}
	c.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (c *Connection) pumpMessages(ctx context.Context) error {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		select {
		case c.fromClient <- data:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	for {
		select {
		case data := <-c.fromClient:
			c.hub.Dispatch(c.connID, data)
		case <-c.cl.notify:
			if err := c.writeQueued(); err != nil {
				return err
			}
		case <-c.cl.done:
			c.flush()
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// writeQueued drains the hub's outbound queue to the wire.
func (c *Connection) writeQueued() error {
	for {
		frame, ok := c.cl.next()
		if !ok {
			return nil
		}
		if err := c.ws.WriteJSON(frame); err != nil {
			return err
		}
	}
}

// flush writes out whatever the hub queued before it asked for the close.
func (c *Connection) flush() {
	_ = c.writeQueued()
}
