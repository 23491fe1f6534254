package websocket

import (
	"net/http"
	"sync"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/op/go-logging"

	"wsrpc"
)

var log = logging.MustGetLogger("wsrpc.websocket")

//	Connection is a message-framed channel over one websocket. It
//	satisfies rpc.MessageTransport: whole text frames in, whole text
//	frames out, a closed signal that fires exactly once.
type Connection struct {
	sync.Mutex
	conn           *ws.Conn
	headers        http.Header
	remoteEndpoint string
	timeouts       wsrpc.Timeouts

	onMessage   func(string)
	onClosed    []func()
	backlog     []string
	sessionData interface{}

	outgoing  chan string
	done      chan struct{}
	closeOnce sync.Once
	closed    bool
}

func newConnection(conn *ws.Conn, headers http.Header, forwardHeaderKey string) (c *Connection) {
	remote := conn.RemoteAddr().String()
	if forwardHeaderKey != "" && headers != nil {
		//	trust the named header over the socket peer, for logging only
		if forwarded := headers.Get(forwardHeaderKey); forwarded != "" {
			remote = forwarded
		}
	}
	c = &Connection{
		conn:           conn,
		headers:        headers,
		remoteEndpoint: remote,
		timeouts:       wsrpc.DefaultTimeouts(),
		outgoing:       make(chan string, 64),
		done:           make(chan struct{}),
	}
	connectionsTotal.Inc()
	activeConnections.Inc()
	go c.readLoop()
	go c.writeLoop()
	return
}

func (c *Connection) readLoop() {
	for {
		kind, payload, err := c.conn.ReadMessage()
		if err != nil {
			c.closeInternal()
			return
		}
		if kind != ws.TextMessage {
			continue
		}
		messagesReceived.Inc()
		c.dispatch(string(payload))
	}
}

func (c *Connection) dispatch(message string) {
	c.Lock()
	handler := c.onMessage
	if handler == nil {
		c.backlog = append(c.backlog, message)
		c.Unlock()
		return
	}
	c.Unlock()
	handler(message)
}

func (c *Connection) writeLoop() {
	for {
		select {
		case message := <-c.outgoing:
			c.conn.SetWriteDeadline(time.Now().Add(c.timeouts.Write))
			if err := c.conn.WriteMessage(ws.TextMessage, []byte(message)); err != nil {
				sendErrors.Inc()
				log.Errorf("write to %s failed: %v", c.remoteEndpoint, err)
				c.closeInternal()
				return
			}
			messagesSent.Inc()
		case <-c.done:
			return
		}
	}
}

func (c *Connection) SendMessage(message string) (err error) {
	c.Lock()
	closed := c.closed
	c.Unlock()
	if closed {
		return wsrpc.ConnectionClosed()
	}
	select {
	case c.outgoing <- message:
	case <-c.done:
		return wsrpc.ConnectionClosed()
	}
	return
}

func (c *Connection) OnMessageHandler(handler func(message string)) {
	c.Lock()
	c.onMessage = handler
	backlog := c.backlog
	c.backlog = nil
	c.Unlock()
	for _, message := range backlog {
		handler(message)
	}
}

func (c *Connection) OnClosedHandler(handler func()) {
	c.Lock()
	alreadyClosed := c.closed
	if !alreadyClosed {
		c.onClosed = append(c.onClosed, handler)
	}
	c.Unlock()
	if alreadyClosed && handler != nil {
		handler()
	}
}

//	Close starts a graceful shutdown: close frame to the peer, then the
//	socket. Safe to call more than once.
func (c *Connection) Close(code int, reason string) {
	deadline := time.Now().Add(c.timeouts.CloseGrace)
	c.conn.WriteControl(ws.CloseMessage, ws.FormatCloseMessage(code, reason), deadline)
	c.closeInternal()
}

func (c *Connection) closeInternal() {
	c.closeOnce.Do(func() {
		c.Lock()
		c.closed = true
		handlers := c.onClosed
		c.onClosed = nil
		c.Unlock()
		close(c.done)
		c.conn.Close()
		activeConnections.Dec()
		for _, handler := range handlers {
			handler()
		}
	})
}

//	Done is closed as soon as shutdown begins, before the socket is
//	closed and the closed handlers run.
func (c *Connection) Done() <-chan struct{} { return c.done }

func (c *Connection) RemoteEndpoint() string { return c.remoteEndpoint }

//	GetRequestHeader returns a header from the opening handshake;
//	empty on the client side of a connection.
func (c *Connection) GetRequestHeader(key string) string {
	if c.headers == nil {
		return ""
	}
	return c.headers.Get(key)
}

func (c *Connection) SetSessionData(data interface{}) {
	c.Lock()
	defer c.Unlock()
	c.sessionData = data
}

func (c *Connection) SessionData() interface{} {
	c.Lock()
	defer c.Unlock()
	return c.sessionData
}
