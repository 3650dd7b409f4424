package ws

import "sync"

// client is one authenticated socket.
// send is never closed; done signals shutdown.
type client struct {
	id        string
	userID    string
	sessionID string
	send      chan Frame

	done      chan struct{}
	closeOnce sync.Once
}

func newClient(id, userID, sessionID string, queueSize int) *client {
	if queueSize <= 0 {
		queueSize = 16
	}
	return &client{
		id:        id,
		userID:    userID,
		sessionID: sessionID,
		send:      make(chan Frame, queueSize),
		done:      make(chan struct{}),
	}
}

func (c *client) Done() <-chan struct{} {
	return c.done
}

func (c *client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// enqueue drops the frame when the client is gone or its queue is full
func (c *client) enqueue(f Frame) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- f:
		return true
	default:
		return false
	}
}
