package network

import (
	"context"
	"sync"
)

const defaultPipeBuffer = 256

type pipeShared struct {
	once sync.Once
	done chan struct{}
}

// PipeConn is one end of an in-memory duplex connection created by Pipe.
// Closing either end closes both.
type PipeConn struct {
	shared *pipeShared
	recv   chan string
	peer   *PipeConn
}

// Pipe returns two connected ends, each able to queue buffer frames.
func Pipe(buffer int) (*PipeConn, *PipeConn) {
	if buffer < 1 {
		buffer = defaultPipeBuffer
	}
	shared := &pipeShared{done: make(chan struct{})}
	a := &PipeConn{shared: shared, recv: make(chan string, buffer)}
	b := &PipeConn{shared: shared, recv: make(chan string, buffer)}
	a.peer, b.peer = b, a
	return a, b
}

func (c *PipeConn) Send(text string) error {
	select {
	case <-c.shared.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.peer.recv <- text:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Receive returns frames already queued before a close, then ErrConnClosed.
func (c *PipeConn) Receive(ctx context.Context) (string, error) {
	select {
	case text := <-c.recv:
		return text, nil
	case <-c.shared.done:
		select {
		case text := <-c.recv:
			return text, nil
		default:
			return "", ErrConnClosed
		}
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *PipeConn) Close() error {
	c.shared.once.Do(func() { close(c.shared.done) })
	return nil
}

// PipeDialer dials in-memory pipes. Accept receives the remote end of every
// dialed pipe; returning an error fails the dial.
type PipeDialer struct {
	Buffer int
	Accept func(ctx context.Context, url string, remote Conn) error
}

func (d *PipeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	local, remote := Pipe(d.Buffer)
	if d.Accept != nil {
		if err := d.Accept(ctx, url, remote); err != nil {
			_ = local.Close()
			return nil, err
		}
	}
	return local, nil
}
