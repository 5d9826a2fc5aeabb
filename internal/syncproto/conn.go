package syncproto

import (
	"context"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
)

// Conn is one ordered, bidirectional message stream to a peer.
// Implementations must preserve message ordering per connection.
// Send is safe for concurrent use; Receive must be called from a single
// goroutine.
type Conn interface {
	Send(env Envelope) error
	Receive() (Envelope, error)
	Close() error
}

// wsConn binds the protocol to a websocket connection.
type wsConn struct {
	c      *websocket.Conn
	sendMu sync.Mutex
}

// NewWSConn wraps an established websocket connection.
func NewWSConn(c *websocket.Conn) Conn {
	return &wsConn{c: c}
}

func (w *wsConn) Send(env Envelope) error {
	w.sendMu.Lock()
	defer w.sendMu.Unlock()
	if err := w.c.WriteJSON(env); err != nil {
		return fmt.Errorf("ws send %s: %w", env.Type, err)
	}
	return nil
}

func (w *wsConn) Receive() (Envelope, error) {
	var env Envelope
	if err := w.c.ReadJSON(&env); err != nil {
		return Envelope{}, fmt.Errorf("ws receive: %w", err)
	}
	return env, nil
}

func (w *wsConn) Close() error {
	return w.c.Close()
}

// Dial connects to a backend sync endpoint, performs the Hello/Welcome
// handshake, and returns the open connection plus the backend's head.
//
// An auth rejection or other handshake error surfaces as ProtocolError.
func Dial(ctx context.Context, url string, hello Hello) (Conn, Welcome, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, Welcome{}, fmt.Errorf("dial %s: %w", url, err)
	}
	conn := NewWSConn(ws)

	env, err := Encode(MsgHello, hello)
	if err != nil {
		conn.Close()
		return nil, Welcome{}, err
	}
	if err := conn.Send(env); err != nil {
		conn.Close()
		return nil, Welcome{}, err
	}

	reply, err := conn.Receive()
	if err != nil {
		conn.Close()
		return nil, Welcome{}, fmt.Errorf("handshake: %w", err)
	}

	switch reply.Type {
	case MsgWelcome:
		var welcome Welcome
		if err := reply.DecodeInto(&welcome); err != nil {
			conn.Close()
			return nil, Welcome{}, err
		}
		return conn, welcome, nil

	case MsgError:
		var errMsg ErrorMsg
		if err := reply.DecodeInto(&errMsg); err != nil {
			conn.Close()
			return nil, Welcome{}, err
		}
		conn.Close()
		return nil, Welcome{}, &ProtocolError{Code: errMsg.Code, Message: errMsg.Message}

	default:
		conn.Close()
		return nil, Welcome{}, fmt.Errorf("handshake: unexpected message %s", reply.Type)
	}
}
