package realtime

import (
	"sync"
	"time"

	v1 "huddle/shared/contracts/realtime/v1"
)

// Client represents one live websocket connection bound to one room and one identity.
//
// Design notes:
// - The send queue is never closed by the server to avoid panics from concurrent broadcasters.
// - done is used to signal goroutines to stop.
// - Close and Kick are idempotent; the first close reason wins.
type Client struct {
	ID        string
	RoomID    string
	UserID    string
	SessionID string

	send chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once

	mu          sync.Mutex
	closeCode   int
	closeReason string
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(roomID, userID, sessionID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	id, err := NewConnectionID(time.Now().UTC())
	if err != nil {
		id = NewRandomHex(13)
	}
	return &Client{
		ID:        id,
		RoomID:    roomID,
		UserID:    userID,
		SessionID: sessionID,
		send:      make(chan v1.Envelope, sendQueueSize),
		done:      make(chan struct{}),
	}
}

// Queue returns the outbound queue consumed by the connection writer.
func (c *Client) Queue() <-chan v1.Envelope { return c.send }

// Enqueue attempts a non-blocking delivery.
// It returns ErrClientClosed when the client is shutting down and ErrBackpressure when the queue is full.
func (c *Client) Enqueue(env v1.Envelope) error {
	if c == nil {
		return ErrClientClosed
	}
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}

	select {
	case c.send <- env:
		return nil
	default:
		return ErrBackpressure
	}
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop (idempotent).
// It does NOT close the send queue to keep broadcast safe under concurrency.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Kick records a close code + reason for the transport and then closes the client.
func (c *Client) Kick(code int, reason string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	if c.closeCode == 0 {
		c.closeCode = code
		c.closeReason = reason
	}
	c.mu.Unlock()
	c.Close()
}

// CloseReason returns the code recorded by Kick (0 when the client was not kicked).
func (c *Client) CloseReason() (int, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode, c.closeReason
}
