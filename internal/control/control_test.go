package control

import (
	"bufio"
	"net"
	"path/filepath"
	"testing"
)

// pipeClient returns a client and a scanner over what it writes.
func pipeClient(t *testing.T) (*Client, *bufio.Scanner) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return NewClient(client), bufio.NewScanner(server)
}

// TestClientLines tests the wire grammar of each verb.
func TestClientLines(t *testing.T) {
	t.Parallel()

	t.Run("begin", func(t *testing.T) {
		t.Parallel()

		c, lines := pipeClient(t)
		go c.Begin("/tmp/sysdump.zip")

		if !lines.Scan() {
			t.Fatal("no line received")
		}
		if got := lines.Text(); got != "BEGIN:/tmp/sysdump.zip" {
			t.Errorf("got %q", got)
		}
	})

	t.Run("progress", func(t *testing.T) {
		t.Parallel()

		c, lines := pipeClient(t)
		go c.Progress(1200, 5000)

		if !lines.Scan() {
			t.Fatal("no line received")
		}
		if got := lines.Text(); got != "PROGRESS:1200/5000" {
			t.Errorf("got %q", got)
		}
	})

	t.Run("ok", func(t *testing.T) {
		t.Parallel()

		c, lines := pipeClient(t)
		go c.OK("/tmp/sysdump.zip")

		if !lines.Scan() {
			t.Fatal("no line received")
		}
		if got := lines.Text(); got != "OK:/tmp/sysdump.zip" {
			t.Errorf("got %q", got)
		}
	})

	t.Run("fail flattens newlines", func(t *testing.T) {
		t.Parallel()

		c, lines := pipeClient(t)
		go c.Fail("archive write\nfailed")

		if !lines.Scan() {
			t.Fatal("no line received")
		}
		if got := lines.Text(); got != "FAIL:archive write failed" {
			t.Errorf("got %q", got)
		}
	})
}

// TestDial tests connecting over a real unix socket.
func TestDial(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "ctl.sock")
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	received := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		s := bufio.NewScanner(conn)
		if s.Scan() {
			received <- s.Text()
		}
	}()

	c, err := Dial(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer c.Close()

	if err := c.Begin("/tmp/out.zip"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := <-received; got != "BEGIN:/tmp/out.zip" {
		t.Errorf("got %q", got)
	}
}

// TestDialMissingSocket tests the connect failure path.
func TestDialMissingSocket(t *testing.T) {
	t.Parallel()

	if _, err := Dial(filepath.Join(t.TempDir(), "absent.sock")); err == nil {
		t.Error("expected error")
	}
}
