package websocket

import (
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"wsrpc"
)

func expectMessage(t *testing.T, ch <-chan string, want string) {
	t.Helper()
	select {
	case got := <-ch:
		if got != want {
			t.Fatalf("received %q, want %q", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no message received, want %q", want)
	}
}

func trueBefore(t *testing.T, condition func() bool, deadline time.Time) {
	t.Helper()
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func startEchoServer(t *testing.T, forwardHeaderKey string) (server *Server, port uint16, accepted chan *Connection) {
	t.Helper()
	server = NewServer(forwardHeaderKey)
	accepted = make(chan *Connection, 8)
	server.OnConnection(func(c *Connection) {
		c.OnMessageHandler(func(s string) {
			c.SendMessage("echo: " + s)
		})
		accepted <- c
	})
	if err := server.Listen(0); err != nil {
		t.Fatal(err)
	}
	port = server.GetListeningPort()
	server.StartAccept()
	return
}

func TestEchoAndClose(t *testing.T) {
	server, port, accepted := startEchoServer(t, "MyProxyHeaderKey")
	defer server.Close()

	client := NewClient()
	conn, err := client.Connect(fmt.Sprintf("ws://localhost:%d", port))
	if err != nil {
		t.Fatal(err)
	}
	inbound := make(chan string, 8)
	conn.OnMessageHandler(func(s string) { inbound <- s })

	if err = conn.SendMessage("hello world"); err != nil {
		t.Fatal(err)
	}
	expectMessage(t, inbound, "echo: hello world")
	if err = conn.SendMessage("again"); err != nil {
		t.Fatal(err)
	}
	expectMessage(t, inbound, "echo: again")

	serverConn := <-accepted
	serverConn.Close(1000, "test")
	trueBefore(t, func() bool {
		return conn.SendMessage("again") != nil
	}, time.Now().Add(2*time.Second))

	//	a fresh connection still works
	conn, err = client.Connect(fmt.Sprintf("ws://localhost:%d", port))
	if err != nil {
		t.Fatal(err)
	}
	conn.OnMessageHandler(func(s string) { inbound <- s })
	if err = conn.SendMessage("hello world"); err != nil {
		t.Fatal(err)
	}
	expectMessage(t, inbound, "echo: hello world")

	server.StopListening()
	if _, err = client.Connect(fmt.Sprintf("ws://localhost:%d", port)); err == nil {
		t.Fatal("connect after stop_listening unexpectedly succeeded")
	}
}

func TestForwardHeaderReplacesEndpoint(t *testing.T) {
	server, port, accepted := startEchoServer(t, "MyProxyHeaderKey")
	defer server.Close()

	//	client advertising the proxy header is logged under it
	proxied := NewClient()
	proxied.AppendHeader("MyProxyHeaderKey", "MyServer:8080")
	if _, err := proxied.Connect(fmt.Sprintf("ws://localhost:%d", port)); err != nil {
		t.Fatal(err)
	}
	serverConn := <-accepted
	if serverConn.RemoteEndpoint() != "MyServer:8080" {
		t.Fatalf("remote endpoint %q, want MyServer:8080", serverConn.RemoteEndpoint())
	}
	if serverConn.GetRequestHeader("MyProxyHeaderKey") != "MyServer:8080" {
		t.Fatal("request header not retained")
	}
	proxied.SynchronousClose()

	//	client without the header keeps the socket address
	plain := NewClient()
	if _, err := plain.Connect(fmt.Sprintf("ws://localhost:%d", port)); err != nil {
		t.Fatal(err)
	}
	serverConn = <-accepted
	if serverConn.RemoteEndpoint() == "MyServer:8080" {
		t.Fatal("endpoint forwarded without the header")
	}
	plain.SynchronousClose()
}

func TestClosedSignalFiresOnce(t *testing.T) {
	server, port, accepted := startEchoServer(t, "")
	defer server.Close()

	client := NewClient()
	conn, err := client.Connect(fmt.Sprintf("ws://localhost:%d", port))
	if err != nil {
		t.Fatal(err)
	}
	<-accepted
	fired := make(chan struct{}, 4)
	conn.OnClosedHandler(func() { fired <- struct{}{} })
	conn.Close(1000, "done")
	conn.Close(1000, "done again")
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("closed signal never fired")
	}
	select {
	case <-fired:
		t.Fatal("closed signal fired twice")
	case <-time.After(50 * time.Millisecond):
	}
	//	handlers registered after the fact fire immediately
	late := make(chan struct{}, 1)
	conn.OnClosedHandler(func() { late <- struct{}{} })
	select {
	case <-late:
	case <-time.After(time.Second):
		t.Fatal("late closed handler never fired")
	}
}

func TestSessionDataSlot(t *testing.T) {
	server, port, accepted := startEchoServer(t, "")
	defer server.Close()
	client := NewClient()
	defer client.SynchronousClose()
	if _, err := client.Connect(fmt.Sprintf("ws://localhost:%d", port)); err != nil {
		t.Fatal(err)
	}
	serverConn := <-accepted
	serverConn.SetSessionData("attached")
	if serverConn.SessionData().(string) != "attached" {
		t.Fatal("session data lost")
	}
}

func TestHTTPFallback(t *testing.T) {
	server, port, _ := startEchoServer(t, "")
	defer server.Close()
	server.OnHTTP(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "not a websocket")
	}))
	resp, err := http.Get(fmt.Sprintf("http://localhost:%d/status", port))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "not a websocket" {
		t.Fatalf("fallback answered %q", body)
	}
}

func TestSendAfterCloseFails(t *testing.T) {
	server, port, _ := startEchoServer(t, "")
	defer server.Close()
	client := NewClient()
	conn, err := client.Connect(fmt.Sprintf("ws://localhost:%d", port))
	if err != nil {
		t.Fatal(err)
	}
	client.SynchronousClose()
	if err = conn.SendMessage("too late"); !wsrpc.IsConnectionClosed(err) {
		t.Fatalf("send after close failed with %v, want connection closed", err)
	}
}
