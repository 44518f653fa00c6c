// Package transport turns per-connection TCP byte streams into framed
// commands and owns the outbound write queue for each client.
package transport

import (
	"bytes"
	"container/list"
	"net"
	"time"

	"github.com/ocx/agentkernel/internal/protocol"
)

// ReadDeadline bounds each non-blocking read attempt. The reference
// implementation drives its framer off an OS-level non-blocking poller with
// a 5ms wait; net.Conn has no portable non-blocking mode, so a short read
// deadline reproduces the same "try, and don't wait long" shape.
const ReadDeadline = 5 * time.Millisecond

// ClientState names which half of the two-state framer a connection is in.
type ClientState int

const (
	WaitingForHeader ClientState = iota
	ReadingBody
)

// ParsedCommand is one fully-framed command ready for dispatch, or a framing
// error to be reported without dropping the connection.
type ParsedCommand struct {
	Header  protocol.CommandHeader
	Payload []byte
	Err     error
}

// Client tracks one accepted TCP connection's framing state and queued output.
type Client struct {
	ID   uint64
	Conn net.Conn

	inbound []byte

	outbound *list.List // of []byte, drained FIFO

	state      ClientState
	pendingHdr protocol.CommandHeader
}

// NewClient wraps an accepted connection.
func NewClient(id uint64, conn net.Conn) *Client {
	return &Client{
		ID:       id,
		Conn:     conn,
		inbound:  make([]byte, 0, 4096),
		outbound: list.New(),
		state:    WaitingForHeader,
	}
}

// Feed appends freshly read bytes and returns every command the new data
// completes, in arrival order. A malformed header yields a ParsedCommand
// with Err set instead of desynchronizing the stream.
func (c *Client) Feed(chunk []byte) []ParsedCommand {
	c.inbound = append(c.inbound, chunk...)

	var out []ParsedCommand
	for {
		switch c.state {
		case WaitingForHeader:
			idx := bytes.IndexByte(c.inbound, '\n')
			if idx < 0 {
				return out
			}
			line := string(bytes.TrimRight(c.inbound[:idx], "\r"))
			c.inbound = c.inbound[idx+1:]

			if len(line) == 0 {
				continue
			}

			hdr, err := protocol.ParseHeader(line)
			if err != nil {
				out = append(out, ParsedCommand{Err: err})
				continue
			}
			if hdr.ContentLength == 0 {
				out = append(out, ParsedCommand{Header: hdr})
				continue
			}
			c.pendingHdr = hdr
			c.state = ReadingBody

		case ReadingBody:
			if len(c.inbound) < c.pendingHdr.ContentLength {
				return out
			}
			payload := make([]byte, c.pendingHdr.ContentLength)
			copy(payload, c.inbound[:c.pendingHdr.ContentLength])
			c.inbound = c.inbound[c.pendingHdr.ContentLength:]
			out = append(out, ParsedCommand{Header: c.pendingHdr, Payload: payload})
			c.state = WaitingForHeader
		}
	}
}

// QueueWrite enqueues a fully serialized response frame for later draining.
func (c *Client) QueueWrite(frame []byte) {
	if len(frame) == 0 {
		return
	}
	c.outbound.PushBack(frame)
}

// HasPendingWrite reports whether the outbound queue is non-empty.
func (c *Client) HasPendingWrite() bool {
	return c.outbound.Len() > 0
}

// Flush writes as much of the queued output as the connection accepts
// without blocking, returning true if the connection should be closed.
func (c *Client) Flush() bool {
	for c.outbound.Len() > 0 {
		front := c.outbound.Front()
		buf := front.Value.([]byte)

		_ = c.Conn.SetWriteDeadline(time.Now().Add(ReadDeadline))
		n, err := c.Conn.Write(buf)
		if n > 0 {
			if n >= len(buf) {
				c.outbound.Remove(front)
			} else {
				front.Value = buf[n:]
			}
		}
		if err != nil {
			if isWouldBlock(err) {
				return false
			}
			return true
		}
		if n == 0 {
			return false
		}
	}
	return false
}

// ReadAvailable performs one bounded, non-blocking-ish read and feeds it to
// the framer. It returns the commands parsed from the read (if any) and
// whether the connection should be closed (EOF, reset, broken pipe, or any
// error other than a read timeout).
func (c *Client) ReadAvailable() ([]ParsedCommand, bool) {
	_ = c.Conn.SetReadDeadline(time.Now().Add(ReadDeadline))

	buf := make([]byte, 4096)
	n, err := c.Conn.Read(buf)
	if n > 0 {
		cmds := c.Feed(buf[:n])
		if err != nil && !isWouldBlock(err) {
			return cmds, true
		}
		return cmds, false
	}

	if err == nil {
		return nil, false
	}
	if isWouldBlock(err) {
		return nil, false
	}
	return nil, true
}
