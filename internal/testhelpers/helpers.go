// Package testhelpers provides common utilities for exercising the relay in
// tests: HTTP request helpers and a websocket client that speaks the event
// envelope.
//
// Client reads frames on a background goroutine and buffers them, so a test
// can wait for a specific event without losing the ones that arrived first.
package testhelpers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/pinchat/internal/protocol"
)

// DefaultOrigin is the origin test clients present.
const DefaultOrigin = "http://localhost:3000"

// ErrTimeout is returned when an expected frame does not arrive in time.
var ErrTimeout = errors.New("timed out waiting for frame")

// MakeRequest creates and executes an HTTP request, returning the response.
// It includes a 5-second timeout and fails the test if the request cannot be
// created or executed successfully.
func MakeRequest(t *testing.T, method, url string) *http.Response {
	t.Helper()

	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	req, err := http.NewRequest(method, url, http.NoBody)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}

	return resp
}

// WebSocketURL turns an httptest server URL into its /ws endpoint.
func WebSocketURL(serverURL string) string {
	return "ws" + strings.TrimPrefix(serverURL, "http") + "/ws"
}

// Client is a test websocket client.
type Client struct {
	Conn *websocket.Conn

	mu      sync.Mutex
	frames  []protocol.Envelope
	notify  chan struct{}
	readErr error
	done    chan struct{}
	nextAck uint64
}

// Dial connects to url presenting DefaultOrigin. A non-empty identity is
// sent as X-Forwarded-For so that several test clients on one host can hold
// distinct identities.
func Dial(url, identity string) (*Client, error) {
	return DialWithOrigin(url, identity, DefaultOrigin)
}

// DialWithOrigin is Dial with an explicit Origin header.
func DialWithOrigin(url, identity, origin string) (*Client, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}
	if identity != "" {
		headers.Set("X-Forwarded-For", identity)
	}

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: status %d: %w", url, resp.StatusCode, err)
		}
		return nil, err
	}

	c := &Client{
		Conn:   conn,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		_, data, err := c.Conn.ReadMessage()
		c.mu.Lock()
		if err != nil {
			c.readErr = err
			c.mu.Unlock()
			c.signal()
			return
		}
		var env protocol.Envelope
		if json.Unmarshal(data, &env) == nil {
			c.frames = append(c.frames, env)
		}
		c.mu.Unlock()
		c.signal()
	}
}

func (c *Client) signal() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// Emit sends an event without requesting an ack.
func (c *Client) Emit(event string, data any) error {
	return c.write(event, data, nil)
}

// EmitRaw sends a raw text frame.
func (c *Client) EmitRaw(frame []byte) error {
	return c.Conn.WriteMessage(websocket.TextMessage, frame)
}

// Call sends an event with a fresh ack id and waits for its ack.
func (c *Client) Call(event string, data any, timeout time.Duration) (protocol.AckResponse, error) {
	c.mu.Lock()
	c.nextAck++
	id := c.nextAck
	c.mu.Unlock()

	if err := c.write(event, data, &id); err != nil {
		return protocol.AckResponse{}, err
	}

	env, err := c.next(func(env protocol.Envelope) bool {
		return env.Event == protocol.EventAck && env.Ack != nil && *env.Ack == id
	}, timeout)
	if err != nil {
		return protocol.AckResponse{}, fmt.Errorf("ack %d for %s: %w", id, event, err)
	}

	var resp protocol.AckResponse
	if err := json.Unmarshal(env.Data, &resp); err != nil {
		return protocol.AckResponse{}, err
	}
	return resp, nil
}

// Expect waits for the next buffered or incoming frame named event, removes
// it from the buffer and decodes its data into out (which may be nil).
func (c *Client) Expect(event string, out any, timeout time.Duration) error {
	env, err := c.next(func(env protocol.Envelope) bool { return env.Event == event }, timeout)
	if err != nil {
		return fmt.Errorf("%s: %w", event, err)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}

// ExpectNone reports whether no frame named event arrives within wait.
func (c *Client) ExpectNone(event string, wait time.Duration) bool {
	_, err := c.next(func(env protocol.Envelope) bool { return env.Event == event }, wait)
	return err != nil
}

// WaitClosed waits for the server to close the connection.
func (c *Client) WaitClosed(timeout time.Duration) bool {
	select {
	case <-c.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Close sends a normal close frame and closes the connection.
func (c *Client) Close() error {
	_ = c.Conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	err := c.Conn.Close()
	<-c.done
	return err
}

func (c *Client) write(event string, data any, ack *uint64) error {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return err
		}
		raw = b
	}
	frame, err := json.Marshal(protocol.Envelope{Event: event, Data: raw, Ack: ack})
	if err != nil {
		return err
	}
	return c.Conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *Client) next(match func(protocol.Envelope) bool, timeout time.Duration) (protocol.Envelope, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		c.mu.Lock()
		for i, env := range c.frames {
			if match(env) {
				c.frames = append(c.frames[:i], c.frames[i+1:]...)
				c.mu.Unlock()
				return env, nil
			}
		}
		readErr := c.readErr
		c.mu.Unlock()

		if readErr != nil {
			return protocol.Envelope{}, readErr
		}

		select {
		case <-c.notify:
		case <-deadline.C:
			return protocol.Envelope{}, ErrTimeout
		}
	}
}
