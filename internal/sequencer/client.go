package sequencer

import (
	"context"
	"errors"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/websocket"

	"collabtext/internal/ot"
	"collabtext/internal/store"
	"collabtext/internal/wire"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 1 << 20
	sendBuffer     = 256
)

// client is one participant's connection to one document.
type client struct {
	id   string
	key  store.DocKey
	conn *websocket.Conn
	send chan []byte
	log  logr.Logger
}

func newClient(id string, key store.DocKey, conn *websocket.Conn, log logr.Logger) *client {
	return &client{
		id:   id,
		key:  key,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		log:  log.WithValues("client", id, "doc", key.String()),
	}
}

// readPump feeds frames from the connection to the sequencer until the
// connection fails. Malformed frames are logged and skipped.
func (c *client) readPump(ctx context.Context, s *Sequencer, h *hub) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.conn.Close()
		c.log.Info("client disconnected")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Info("read failed", "error", err.Error())
			}
			return
		}
		msg, err := wire.Decode(data)
		if err != nil {
			c.log.Info("discarding malformed frame", "error", err.Error())
			operationsRejected.WithLabelValues("malformed").Inc()
			continue
		}

		switch msg.Type {
		case wire.TypeOperation:
			if msg.DocumentID != 0 && msg.DocumentID != c.key.Document {
				c.log.Info("discarding operation for another document", "documentId", msg.DocumentID)
				operationsRejected.WithLabelValues("wrong_document").Inc()
				continue
			}
			c.submit(ctx, s, h, *msg.Operation)
		case wire.TypeResync:
			h.requestResync(c)
		default:
			c.log.V(1).Info("ignoring frame", "type", msg.Type)
		}
	}
}

func (c *client) submit(ctx context.Context, s *Sequencer, h *hub, op ot.Operation) {
	commit, err := s.backend.Commit(ctx, c.key, c.id, store.Exactly(op))
	switch {
	case errors.Is(err, ot.ErrOutOfRange):
		// The client's view has drifted. Send it the real text instead of
		// applying an edit aimed at text that is not there.
		c.log.Info("operation out of range, resyncing client", "op", op.String(), "error", err.Error())
		operationsRejected.WithLabelValues("out_of_range").Inc()
		h.requestResync(c)
	case err != nil:
		c.log.Error(err, "could not commit operation", "op", op.String())
		operationsRejected.WithLabelValues("error").Inc()
		h.requestResync(c)
	default:
		c.log.V(1).Info("committed", "op", op.String(), "version", commit.Version)
		operationsAccepted.Inc()
	}
}

// writePump is the only writer on the connection. It drains send and pings
// the peer to keep intermediaries from timing the connection out.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.Info("could not write to client", "error", err.Error())
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.log.Info("could not send ping to client", "error", err.Error())
				return
			}
		}
	}
}
