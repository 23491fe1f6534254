package rpc

import (
	"sync"

	"wsrpc"
)

//	MockTransport is one end of an in-process transport pair. It keeps
//	the ordering guarantees of a real transport: per-direction FIFO
//	delivery on a single goroutine.
type MockTransport struct {
	sync.Mutex
	peer        *MockTransport
	onMessage   func(string)
	onClosed    func()
	backlog     []string
	inbox       chan string
	done        chan struct{}
	closeOnce   sync.Once
	closed      bool
	endpoint    string
	sessionData interface{}
}

//	NewTransportPair returns two connected mock transports; what is sent
//	on one arrives on the other.
func NewTransportPair() (a *MockTransport, b *MockTransport) {
	a = newMockTransport("mock:a")
	b = newMockTransport("mock:b")
	a.peer, b.peer = b, a
	go a.deliverLoop()
	go b.deliverLoop()
	return
}

func newMockTransport(endpoint string) *MockTransport {
	return &MockTransport{
		inbox:    make(chan string, 64),
		done:     make(chan struct{}),
		endpoint: endpoint,
	}
}

func (t *MockTransport) deliverLoop() {
	for {
		select {
		case message := <-t.inbox:
			t.deliver(message)
		case <-t.done:
			return
		}
	}
}

func (t *MockTransport) deliver(message string) {
	t.Lock()
	handler := t.onMessage
	if handler == nil {
		t.backlog = append(t.backlog, message)
		t.Unlock()
		return
	}
	t.Unlock()
	handler(message)
}

func (t *MockTransport) SendMessage(message string) (err error) {
	t.Lock()
	closed := t.closed
	t.Unlock()
	if closed {
		return wsrpc.ConnectionClosed()
	}
	select {
	case t.peer.inbox <- message:
	case <-t.peer.done:
		return wsrpc.ConnectionClosed()
	}
	return
}

func (t *MockTransport) OnMessageHandler(handler func(message string)) {
	t.Lock()
	t.onMessage = handler
	backlog := t.backlog
	t.backlog = nil
	t.Unlock()
	for _, message := range backlog {
		handler(message)
	}
}

func (t *MockTransport) OnClosedHandler(handler func()) {
	t.Lock()
	alreadyClosed := t.closed
	t.onClosed = handler
	t.Unlock()
	if alreadyClosed && handler != nil {
		handler()
	}
}

func (t *MockTransport) Close(code int, reason string) {
	t.closeBoth()
}

func (t *MockTransport) closeBoth() {
	t.closeLocal()
	t.peer.closeLocal()
}

func (t *MockTransport) closeLocal() {
	t.closeOnce.Do(func() {
		t.Lock()
		t.closed = true
		handler := t.onClosed
		t.Unlock()
		close(t.done)
		if handler != nil {
			handler()
		}
	})
}

func (t *MockTransport) RemoteEndpoint() string { return t.peer.endpoint }

func (t *MockTransport) SetSessionData(data interface{}) {
	t.Lock()
	defer t.Unlock()
	t.sessionData = data
}

func (t *MockTransport) SessionData() interface{} {
	t.Lock()
	defer t.Unlock()
	return t.sessionData
}
