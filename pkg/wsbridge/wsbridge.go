/*
Package wsbridge exposes a gorilla WebSocket connection as a net.Conn.

Binary WebSocket messages are copied into one end of a net.Pipe and bytes
written to the returned Conn go out as binary messages. Going through a pipe
keeps read deadlines usable: a gorilla connection is unusable after a read
times out, while a pipe can be polled with deadlines indefinitely.
*/
package wsbridge

import (
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	outboundChunk = 32 * 1024
	closeWait     = time.Second
)

// Conn is the local end of a bridged WebSocket
type Conn struct {
	net.Conn
	ws   *websocket.Conn
	done chan struct{}
}

// New starts pumping between ws and a fresh pipe and returns the pipe end.
// maxMessage limits inbound WebSocket messages (0 leaves gorilla's default).
func New(ws *websocket.Conn, maxMessage int64) *Conn {
	if maxMessage > 0 {
		ws.SetReadLimit(maxMessage)
	}

	local, remote := net.Pipe()
	c := &Conn{
		Conn: local,
		ws:   ws,
		done: make(chan struct{}),
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.inbound(remote)
	}()
	go func() {
		defer wg.Done()
		c.outbound(remote)
	}()
	go func() {
		wg.Wait()
		close(c.done)
	}()

	return c
}

// RemoteAddr returns the WebSocket peer address
func (c *Conn) RemoteAddr() net.Addr {
	return c.ws.RemoteAddr()
}

// LocalAddr returns the WebSocket local address
func (c *Conn) LocalAddr() net.Addr {
	return c.ws.LocalAddr()
}

// Done is closed once both pumps have exited and the WebSocket is closed
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// inbound copies binary messages from the WebSocket into the pipe. Text
// messages are ignored.
func (c *Conn) inbound(remote net.Conn) {
	defer remote.Close()

	for {
		typ, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if typ != websocket.BinaryMessage {
			continue
		}
		if _, err := remote.Write(data); err != nil {
			return
		}
	}
}

// outbound copies whatever is written to the local end into binary messages.
// It owns all data writes on the WebSocket and closes it when the pipe ends.
func (c *Conn) outbound(remote net.Conn) {
	defer c.ws.Close()
	defer remote.Close()

	buf := make([]byte, outboundChunk)
	for {
		n, err := remote.Read(buf)
		if n > 0 {
			if werr := c.ws.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			c.ws.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(closeWait),
			)
			return
		}
	}
}
