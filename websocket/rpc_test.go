package websocket

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"wsrpc"
	"wsrpc/rpc"
)

type Calculator struct {
	Add      func(a int32, b int32) (int32, error)
	Sub      func(a int32, b int32) (int32, error)
	OnResult func(cb func(int32)) error
}

type calculatorOwner struct {
	cb func(int32)
}

func (c *calculatorOwner) Add(a int32, b int32) (result int32, err error) {
	result = a + b
	if c.cb != nil {
		c.cb(result)
	}
	return
}

func (c *calculatorOwner) Sub(a int32, b int32) (result int32, err error) {
	result = a - b
	if c.cb != nil {
		c.cb(result)
	}
	return
}

func (c *calculatorOwner) OnResult(cb func(int32)) (err error) {
	c.cb = cb
	return
}

type Login struct {
	GetCalc func() (*Calculator, error)
}

type loginOwner struct {
	calc *rpc.API
}

func (l *loginOwner) GetCalc() (calc *rpc.API, err error) {
	return l.calc, nil
}

type Optionals struct {
	Foo func(first string, second *string, third *string) (string, error)
}

type optionalsOwner struct{}

func optSlot(s *string) wsrpc.Variant {
	if s == nil {
		return wsrpc.Null
	}
	return wsrpc.NewString(*s)
}

func (o *optionalsOwner) Foo(first string, second *string, third *string) (result string, err error) {
	slots := []wsrpc.Variant{wsrpc.NewString(first), optSlot(second), optSlot(third)}
	return wsrpc.NewArray(slots).ToJSON(wsrpc.DefaultMaxDepth)
}

//	serve bootstrap, one instance of the api per accepted connection
func startRPCServer(t *testing.T, bootstrap func(t *testing.T) *rpc.API) (server *Server, port uint16) {
	t.Helper()
	server = NewServer("")
	server.OnConnection(func(c *Connection) {
		conn := rpc.NewConnection(c, 0)
		if _, err := conn.RegisterAPI(bootstrap(t)); err != nil {
			t.Errorf("register: %v", err)
		}
	})
	if err := server.Listen(0); err != nil {
		t.Fatal(err)
	}
	port = server.GetListeningPort()
	server.StartAccept()
	return
}

func dialRPC(t *testing.T, port uint16) (conn *rpc.Connection, client *Client) {
	t.Helper()
	client = NewClient()
	transport, err := client.Connect(fmt.Sprintf("ws://localhost:%d", port))
	if err != nil {
		t.Fatal(err)
	}
	conn = rpc.NewConnection(transport, 0)
	return
}

func calculatorBootstrap(t *testing.T) *rpc.API {
	calcAPI, err := rpc.NewAPI((*Calculator)(nil), &calculatorOwner{})
	if err != nil {
		t.Fatal(err)
	}
	loginAPI, err := rpc.NewAPI((*Login)(nil), &loginOwner{calc: calcAPI})
	if err != nil {
		t.Fatal(err)
	}
	return loginAPI
}

func TestCalculatorOverWebSocket(t *testing.T) {
	server, port := startRPCServer(t, calculatorBootstrap)
	defer server.Close()
	conn, client := dialRPC(t, port)
	defer client.SynchronousClose()

	var login Login
	if err := conn.GetRemoteAPI(&login); err != nil {
		t.Fatal(err)
	}
	calc, err := login.GetCalc()
	if err != nil {
		t.Fatal(err)
	}
	var triggered int32
	if err = calc.OnResult(func(r int32) { atomic.StoreInt32(&triggered, r) }); err != nil {
		t.Fatal(err)
	}
	sum, err := calc.Add(4, 5)
	if err != nil || sum != 9 {
		t.Fatalf("add(4,5) = %d, %v", sum, err)
	}
	if got := atomic.LoadInt32(&triggered); got != 9 {
		t.Fatalf("callback saw %d before add returned", got)
	}
}

func optionalsBootstrap(t *testing.T) *rpc.API {
	api, err := rpc.NewAPI((*Optionals)(nil), &optionalsOwner{})
	if err != nil {
		t.Fatal(err)
	}
	return api
}

func TestOptionalElisionOverWebSocket(t *testing.T) {
	server, port := startRPCServer(t, optionalsBootstrap)
	defer server.Close()
	conn, client := dialRPC(t, port)
	defer client.SynchronousClose()

	a := wsrpc.NewString("a")
	b := wsrpc.NewString("b")
	c := wsrpc.NewString("c")
	cases := []struct {
		args []wsrpc.Variant
		want string
	}{
		{[]wsrpc.Variant{a}, `["a",null,null]`},
		{[]wsrpc.Variant{a, b}, `["a","b",null]`},
		{[]wsrpc.Variant{a, b, c}, `["a","b","c"]`},
		{[]wsrpc.Variant{a, wsrpc.Null, c}, `["a",null,"c"]`},
	}
	for _, tc := range cases {
		result, err := conn.Call(rpc.BootstrapHandle, "foo", tc.args)
		if err != nil {
			t.Fatal(err)
		}
		if got, _ := result.AsString(); got != tc.want {
			t.Fatalf("foo with %d args = %s, want %s", len(tc.args), got, tc.want)
		}
	}
	if _, err := conn.Call(rpc.BootstrapHandle, "foo", nil); !wsrpc.IsBadArity(err) {
		t.Fatalf("remote foo() failed with %v, want bad arity", err)
	}
}

type Blocker struct {
	Wait func() error
}

type blockerOwner struct {
	release chan struct{}
}

func (b *blockerOwner) Wait() (err error) {
	<-b.release
	return
}

func TestServerCloseFailsPendingCall(t *testing.T) {
	owner := &blockerOwner{release: make(chan struct{})}
	defer close(owner.release)
	server := NewServer("")
	accepted := make(chan *Connection, 1)
	server.OnConnection(func(c *Connection) {
		conn := rpc.NewConnection(c, 0)
		api, err := rpc.NewAPI((*Blocker)(nil), owner)
		if err != nil {
			t.Errorf("bind: %v", err)
			return
		}
		if _, err = conn.RegisterAPI(api); err != nil {
			t.Errorf("register: %v", err)
			return
		}
		accepted <- c
	})
	if err := server.Listen(0); err != nil {
		t.Fatal(err)
	}
	server.StartAccept()
	defer server.Close()

	conn, client := dialRPC(t, server.GetListeningPort())
	defer client.SynchronousClose()

	pendingErr := make(chan error, 1)
	go func() {
		_, cerr := conn.Call(rpc.BootstrapHandle, "wait", nil)
		pendingErr <- cerr
	}()
	serverConn := <-accepted
	time.Sleep(20 * time.Millisecond)

	serverConn.Close(1000, "test")
	closeObserved := time.Now()

	select {
	case cerr := <-pendingErr:
		if !wsrpc.IsConnectionClosed(cerr) {
			t.Fatalf("pending call failed with %v, want connection closed", cerr)
		}
		if waited := time.Since(closeObserved); waited > 100*time.Millisecond {
			t.Fatalf("pending call took %v to fail after close", waited)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pending call not failed after close")
	}
}
