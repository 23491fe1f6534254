package rpc

import (
	"sync/atomic"
	"testing"
	"time"

	"wsrpc"
)

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

//	a server connection whose bootstrap API is a login interface
//	handing out a calculator
func newCalculatorSession(t *testing.T) (client *Connection, server *Connection, owner *calculatorOwner) {
	t.Helper()
	serverTransport, clientTransport := NewTransportPair()
	server = NewConnection(serverTransport, 0)
	owner = &calculatorOwner{}
	calcAPI, err := NewAPI((*Calculator)(nil), owner)
	if err != nil {
		t.Fatal(err)
	}
	loginAPI, err := NewAPI((*Login)(nil), &loginOwner{calc: calcAPI})
	if err != nil {
		t.Fatal(err)
	}
	if _, err = server.RegisterAPI(loginAPI); err != nil {
		t.Fatal(err)
	}
	client = NewConnection(clientTransport, 0)
	return
}

func newOptionalsSession(t *testing.T) (client *Connection, server *Connection) {
	t.Helper()
	serverTransport, clientTransport := NewTransportPair()
	server = NewConnection(serverTransport, 0)
	if _, err := server.RegisterAPI(newOptionalsAPI(t)); err != nil {
		t.Fatal(err)
	}
	client = NewConnection(clientTransport, 0)
	return
}

func TestCalculatorWithCallback(t *testing.T) {
	client, server, _ := newCalculatorSession(t)
	defer server.Close()
	defer client.Close()

	var login Login
	if err := client.GetRemoteAPI(&login); err != nil {
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
	//	the notice was sent before the response, so it has been
	//	dispatched by the time add returns
	if got := atomic.LoadInt32(&triggered); got != 9 {
		t.Fatalf("callback saw %d before add returned", got)
	}
	diff, err := calc.Sub(9, 4)
	if err != nil || diff != 5 {
		t.Fatalf("sub(9,4) = %d, %v", diff, err)
	}
	if got := atomic.LoadInt32(&triggered); got != 5 {
		t.Fatalf("multi-shot callback saw %d", got)
	}
}

func TestOptionalElisionOverConnection(t *testing.T) {
	client, server := newOptionalsSession(t)
	defer server.Close()
	defer client.Close()

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
		result, err := client.Call(BootstrapHandle, "foo", tc.args)
		if err != nil {
			t.Fatal(err)
		}
		if got, _ := result.AsString(); got != tc.want {
			t.Fatalf("foo with %d args = %s, want %s", len(tc.args), got, tc.want)
		}
	}
	if _, err := client.Call(BootstrapHandle, "foo", nil); !wsrpc.IsBadArity(err) {
		t.Fatalf("remote foo() failed with %v, want bad arity", err)
	}

	//	typed proxies always send the full argument list; nil pointers
	//	travel as nulls
	var optionals Optionals
	if err := client.GetRemoteAPI(&optionals); err != nil {
		t.Fatal(err)
	}
	third := "c"
	got, err := optionals.Foo("a", nil, &third)
	if err != nil || got != `["a",null,"c"]` {
		t.Fatalf("proxy foo = %q, %v", got, err)
	}
}

func TestCallByNameAndOrdinal(t *testing.T) {
	client, server, _ := newCalculatorSession(t)
	defer server.Close()
	defer client.Close()

	//	discover the calculator handle through the bootstrap login API
	handleV, err := client.Call(BootstrapHandle, "get_calc", nil)
	if err != nil {
		t.Fatal(err)
	}
	handle, err := handleV.AsUint64()
	if err != nil {
		t.Fatal(err)
	}
	if handle != 2 {
		t.Fatalf("calculator registered under handle %d, want 2", handle)
	}
	byName, err := client.Call(uint32(handle), "add", []wsrpc.Variant{wsrpc.NewInt64(4), wsrpc.NewInt64(5)})
	if err != nil {
		t.Fatal(err)
	}
	byOrdinal, err := client.CallOrdinal(uint32(handle), 0, []wsrpc.Variant{wsrpc.NewInt64(4), wsrpc.NewInt64(5)})
	if err != nil {
		t.Fatal(err)
	}
	n1, _ := byName.AsInt64()
	n2, _ := byOrdinal.AsInt64()
	if n1 != 9 || n2 != 9 {
		t.Fatalf("add by name = %d, by ordinal = %d", n1, n2)
	}
}

func TestRepeatedRegistrationIsDeduplicated(t *testing.T) {
	serverTransport, _ := NewTransportPair()
	server := NewConnection(serverTransport, 0)
	defer server.Close()
	api := newOptionalsAPI(t)
	first, err := server.RegisterAPI(api)
	if err != nil {
		t.Fatal(err)
	}
	second, err := server.RegisterAPI(api)
	if err != nil {
		t.Fatal(err)
	}
	if first != 1 || second != 1 {
		t.Fatalf("handles %d and %d, want both 1", first, second)
	}
}

func TestConcurrentCallsGetDistinctResponses(t *testing.T) {
	client, server, _ := newCalculatorSession(t)
	defer server.Close()
	defer client.Close()

	handleV, err := client.Call(BootstrapHandle, "get_calc", nil)
	if err != nil {
		t.Fatal(err)
	}
	handle64, _ := handleV.AsUint64()
	handle := uint32(handle64)
	const calls = 32
	errs := make(chan error, calls)
	for i := 0; i < calls; i++ {
		i := i
		go func() {
			result, cerr := client.Call(handle, "add", []wsrpc.Variant{
				wsrpc.NewInt64(int64(i)), wsrpc.NewInt64(1000),
			})
			if cerr != nil {
				errs <- cerr
				return
			}
			sum, cerr := result.AsInt64()
			if cerr == nil && sum != int64(i)+1000 {
				cerr = wsrpc.NewError(wsrpc.ErrCodeUnspecified, "call %d got %d", i, sum)
			}
			errs <- cerr
		}()
	}
	for i := 0; i < calls; i++ {
		if err := <-errs; err != nil {
			t.Fatal(err)
		}
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

func TestCloseFailsPendingCalls(t *testing.T) {
	serverTransport, clientTransport := NewTransportPair()
	server := NewConnection(serverTransport, 0)
	owner := &blockerOwner{release: make(chan struct{})}
	defer close(owner.release)
	api, err := NewAPI((*Blocker)(nil), owner)
	if err != nil {
		t.Fatal(err)
	}
	if _, err = server.RegisterAPI(api); err != nil {
		t.Fatal(err)
	}
	client := NewConnection(clientTransport, 0)

	pendingErr := make(chan error, 1)
	go func() {
		_, cerr := client.Call(BootstrapHandle, "wait", nil)
		pendingErr <- cerr
	}()
	//	let the request reach the server before severing the transport
	time.Sleep(20 * time.Millisecond)
	server.Close()

	select {
	case cerr := <-pendingErr:
		if !wsrpc.IsConnectionClosed(cerr) {
			t.Fatalf("pending call failed with %v, want connection closed", cerr)
		}
	case <-time.After(time.Second):
		t.Fatal("pending call not failed after close")
	}
	if _, err = client.Call(BootstrapHandle, "wait", nil); !wsrpc.IsConnectionClosed(err) {
		t.Fatalf("post-close call failed with %v, want connection closed", err)
	}
}

func TestUnknownCallbackIsDropped(t *testing.T) {
	client, server, _ := newCalculatorSession(t)
	defer server.Close()
	defer client.Close()

	//	a notice for a callback id the client never issued must be
	//	dropped without hurting the session
	if err := server.SendNotice(12345, nil); err != nil {
		t.Fatal(err)
	}
	var login Login
	if err := client.GetRemoteAPI(&login); err != nil {
		t.Fatal(err)
	}
	calc, err := login.GetCalc()
	if err != nil {
		t.Fatal(err)
	}
	sum, err := calc.Add(2, 2)
	if err != nil || sum != 4 {
		t.Fatalf("add after bogus notice = %d, %v", sum, err)
	}
}

func TestErrorTaxonomyOverConnection(t *testing.T) {
	client, server := newOptionalsSession(t)
	defer server.Close()
	defer client.Close()

	if _, err := client.Call(99, "foo", nil); !wsrpc.IsUnknownAPI(err) {
		t.Fatalf("handle 99 failed with %v, want unknown api", err)
	}
	if _, err := client.Call(BootstrapHandle, "bar", nil); !wsrpc.IsUnknownMethod(err) {
		t.Fatalf("method bar failed with %v, want unknown method", err)
	}
	args := []wsrpc.Variant{wsrpc.NewObject(wsrpc.NewVariantObject())}
	if _, err := client.Call(BootstrapHandle, "foo", args); !wsrpc.IsBadCast(err) {
		t.Fatalf("foo(object) failed with %v, want bad cast", err)
	}
}

func TestSameFunctionGetsDistinctCallbackIDs(t *testing.T) {
	client, server, owner := newCalculatorSession(t)
	defer server.Close()
	defer client.Close()

	var login Login
	if err := client.GetRemoteAPI(&login); err != nil {
		t.Fatal(err)
	}
	calc, err := login.GetCalc()
	if err != nil {
		t.Fatal(err)
	}
	var count int32
	cb := func(r int32) { atomic.AddInt32(&count, 1) }
	if err = calc.OnResult(cb); err != nil {
		t.Fatal(err)
	}
	if err = calc.OnResult(cb); err != nil {
		t.Fatal(err)
	}
	client.Lock()
	registered := len(client.callbacks)
	client.Unlock()
	if registered != 2 {
		t.Fatalf("%d callback ids registered, want 2", registered)
	}
	//	registering twice allocated two ids; the server keeps only the
	//	second one
	if owner.cb == nil {
		t.Fatal("server lost the callback")
	}
	if sum, err := calc.Add(1, 2); err != nil || sum != 3 {
		t.Fatalf("add = %d, %v", sum, err)
	}
	if atomic.LoadInt32(&count) != 1 {
		t.Fatalf("callback ran %d times", count)
	}
}
