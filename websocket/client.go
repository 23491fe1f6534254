package websocket

import (
	"crypto/tls"
	"net/http"

	ws "github.com/gorilla/websocket"

	"wsrpc"
)

//	Client dials websocket servers. Headers appended before dialing are
//	sent on every subsequent handshake.
type Client struct {
	headers  http.Header
	timeouts wsrpc.Timeouts
	conn     *Connection

	//	accept any certificate on SecureConnect; for test rigs and
	//	self-signed deployments
	InsecureSkipVerify bool
}

func NewClient() (c *Client) {
	c = &Client{
		headers:  http.Header{},
		timeouts: wsrpc.DefaultTimeouts(),
	}
	c.headers.Set(wsrpc.VersionHeader, wsrpc.CURRENT_VERSION.String())
	return
}

func (c *Client) AppendHeader(key string, value string) {
	c.headers.Add(key, value)
}

//	Connect dials a ws:// URI.
func (c *Client) Connect(uri string) (conn *Connection, err error) {
	dialer := ws.Dialer{HandshakeTimeout: c.timeouts.Handshake}
	return c.dial(&dialer, uri)
}

//	SecureConnect dials a wss:// URI.
func (c *Client) SecureConnect(uri string) (conn *Connection, err error) {
	dialer := ws.Dialer{
		HandshakeTimeout: c.timeouts.Handshake,
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: c.InsecureSkipVerify},
	}
	return c.dial(&dialer, uri)
}

func (c *Client) dial(dialer *ws.Dialer, uri string) (conn *Connection, err error) {
	raw, _, err := dialer.Dial(uri, c.headers)
	if err != nil {
		return
	}
	conn = newConnection(raw, nil, "")
	c.conn = conn
	log.Infof("connected to %s", uri)
	return
}

//	Close sends a close frame and closes the current connection's
//	socket; it does not wait on the connection's Done channel.
func (c *Client) Close() {
	if c.conn != nil {
		c.conn.Close(ws.CloseNormalClosure, "client shutdown")
	}
}

//	SynchronousClose shuts the current connection down and waits until
//	the shutdown has fully completed.
func (c *Client) SynchronousClose() {
	if c.conn != nil {
		c.conn.Close(ws.CloseNormalClosure, "client shutdown")
		<-c.conn.Done()
	}
}
