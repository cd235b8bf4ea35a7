package gateway

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Client is one live player connection. It is the transport handle the
// enforcement engines use to notify and to forcibly disconnect.
type Client struct {
	ID            string
	PlayerID      string
	SessionToken  string
	SourceAddress string

	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	connected    time.Time
	messagesRecv atomic.Uint64
	messagesSent atomic.Uint64

	closeOnce   sync.Once
	closeReason string
}

// notice is the control message pushed to a client for warnings,
// freezes, and close reasons.
type notice struct {
	Type      string    `json:"type"`
	Kind      string    `json:"kind,omitempty"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// inbound is the wire shape of every client packet.
type inbound struct {
	Op   string        `json:"op"`
	Data []interface{} `json:"d"`
}

func newClient(conn *websocket.Conn, playerID, token, sourceAddress string) *Client {
	return &Client{
		ID:            uuid.New().String(),
		PlayerID:      playerID,
		SessionToken:  token,
		SourceAddress: sourceAddress,
		conn:          conn,
		send:          make(chan []byte, 256),
		done:          make(chan struct{}),
		connected:     time.Now(),
	}
}

// SendNotice pushes a non-fatal enforcement notice to the client. A full
// send queue drops the notice rather than blocking the caller.
func (c *Client) SendNotice(kind, reason string) error {
	payload, err := json.Marshal(notice{
		Type:      "notice",
		Kind:      kind,
		Reason:    reason,
		Timestamp: time.Now(),
	})
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return nil
	case c.send <- payload:
		c.messagesSent.Add(1)
		return nil
	default:
		return nil
	}
}

// Close terminates the connection with a close frame carrying the
// reason. Safe to call multiple times and from any goroutine; closing
// the socket unblocks both pumps.
func (c *Client) Close(reason string) error {
	c.closeOnce.Do(func() {
		c.closeReason = reason
		close(c.done)

		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = c.conn.Close()
	})
	return nil
}
