package bridge

import (
	"context"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
)

// Transport is the asynchronous bidirectional channel to the embedded
// runtime. Send writes one request; Receive yields responses in
// whatever order the runtime produces them. Implementations must be
// safe for concurrent Send.
type Transport interface {
	Send(ctx context.Context, req *Request) error
	Receive() <-chan *Response
	Close() error
}

// wsTransport carries bridge frames over a websocket to the runtime's
// loopback port.
type wsTransport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	respCh  chan *Response

	closeOnce sync.Once
}

// dialWS connects to the runtime's websocket endpoint on the loopback
// interface.
func dialWS(ctx context.Context, port int) (Transport, error) {
	url := fmt.Sprintf("ws://127.0.0.1:%d/rpc", port)

	dialer := websocket.Dialer{
		ReadBufferSize:  256 * 1024,
		WriteBufferSize: 64 * 1024,
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	t := &wsTransport{
		conn:   conn,
		respCh: make(chan *Response, 64),
	}
	go t.readPump()
	return t, nil
}

// Send writes one request frame. Writes are serialized; gorilla
// connections support one concurrent writer.
func (t *wsTransport) Send(ctx context.Context, req *Request) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(deadline)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := t.conn.WriteJSON(req); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Receive returns the response channel. It is closed when the
// connection drops.
func (t *wsTransport) Receive() <-chan *Response {
	return t.respCh
}

// readPump reads response frames until the connection drops. The
// response channel closes on exit; pending waiters are rejected by
// their own deadlines.
func (t *wsTransport) readPump() {
	defer t.closeOnce.Do(func() { close(t.respCh) })

	for {
		var resp Response
		if err := t.conn.ReadJSON(&resp); err != nil {
			return
		}
		t.respCh <- &resp
	}
}

// Close shuts down the connection. Pending waiters are rejected by
// their own deadlines.
func (t *wsTransport) Close() error {
	return t.conn.Close()
}
