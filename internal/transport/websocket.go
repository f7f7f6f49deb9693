// Package transport carries session traffic over websockets and finds
// sequencers on the local network.
package transport

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"collabtext/internal/session"
)

const (
	DefaultPath = "/api/ws"
	writeWait   = 10 * time.Second
)

// Dialer opens websocket connections to one sequencer.
type Dialer struct {
	// Server is the sequencer's host:port.
	Server string
	// Path defaults to DefaultPath.
	Path string
	// Secure selects wss.
	Secure bool

	ws *websocket.Dialer
}

func NewDialer(server string) *Dialer {
	return &Dialer{Server: server, ws: websocket.DefaultDialer}
}

// URL is where addr's connection is opened.
func (d *Dialer) URL(addr session.Address) string {
	scheme := "ws"
	if d.Secure {
		scheme = "wss"
	}
	path := d.Path
	if path == "" {
		path = DefaultPath
	}
	q := url.Values{}
	q.Set("roomCode", addr.Room)
	q.Set("docId", strconv.Itoa(addr.Document))
	u := url.URL{Scheme: scheme, Host: d.Server, Path: path, RawQuery: q.Encode()}
	return u.String()
}

func (d *Dialer) Dial(ctx context.Context, addr session.Address) (session.Conn, error) {
	ws := d.ws
	if ws == nil {
		ws = websocket.DefaultDialer
	}
	conn, resp, err := ws.DialContext(ctx, d.URL(addr), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialing %s: %w (status %s)", d.Server, err, resp.Status)
		}
		return nil, fmt.Errorf("dialing %s: %w", d.Server, err)
	}
	return &Conn{conn: conn}, nil
}

// Conn adapts a websocket connection to session.Conn.
type Conn struct {
	conn *websocket.Conn
}

func (c *Conn) ReadMessage() ([]byte, error) {
	for {
		typ, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if typ == websocket.TextMessage || typ == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *Conn) WriteMessage(data []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Conn) Close() error {
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return c.conn.Close()
}
