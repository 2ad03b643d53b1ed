package control

import (
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
)

// Client writes protocol lines to the controlling caller.
type Client struct {
	mu   sync.Mutex
	conn io.WriteCloser
}

// Dial connects to the control socket at path.
func Dial(path string) (*Client, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to dial control socket: %w", err)
	}
	return NewClient(conn), nil
}

// NewClient wraps an already-connected writer.
func NewClient(conn io.WriteCloser) *Client {
	return &Client{conn: conn}
}

// Begin announces the run and the path the artifact will land at.
func (c *Client) Begin(path string) error {
	return c.writeLine("BEGIN:%s", path)
}

// Progress sends a completion update.
func (c *Client) Progress(progress, max int) error {
	return c.writeLine("PROGRESS:%d/%d", progress, max)
}

// OK announces successful completion and the final artifact path.
func (c *Client) OK(path string) error {
	return c.writeLine("OK:%s", path)
}

// Fail announces failure. Newlines in the message would break the one-line
// grammar and are flattened.
func (c *Client) Fail(message string) error {
	return c.writeLine("FAIL:%s", strings.ReplaceAll(message, "\n", " "))
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}

func (c *Client) writeLine(format string, args ...any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := fmt.Fprintf(c.conn, format+"\n", args...); err != nil {
		return fmt.Errorf("failed to write control line: %w", err)
	}
	return nil
}
