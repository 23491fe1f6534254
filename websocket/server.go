package websocket

import (
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/blang/semver"
	ws "github.com/gorilla/websocket"

	"wsrpc"
)

//	Server accepts websocket connections and hands each one to the
//	OnConnection handler. When forwardHeaderKey is non-empty and a
//	client sent that header, its value replaces the logged remote
//	endpoint.
type Server struct {
	sync.Mutex
	forwardHeaderKey string
	upgrader         ws.Upgrader
	listener         net.Listener
	httpServer       *http.Server
	onConnection     func(*Connection)
	onHTTP           http.Handler
	conns            map[*Connection]struct{}
}

func NewServer(forwardHeaderKey string) (s *Server) {
	s = &Server{
		forwardHeaderKey: forwardHeaderKey,
		upgrader: ws.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: map[*Connection]struct{}{},
	}
	return
}

func (s *Server) OnConnection(handler func(c *Connection)) {
	s.Lock()
	defer s.Unlock()
	s.onConnection = handler
}

//	OnHTTP installs a fallback for plain HTTP requests hitting the
//	websocket port. Without one they are answered 400.
func (s *Server) OnHTTP(handler http.Handler) {
	s.Lock()
	defer s.Unlock()
	s.onHTTP = handler
}

//	Listen binds the port; zero picks an ephemeral one.
func (s *Server) Listen(port uint16) (err error) {
	s.Lock()
	defer s.Unlock()
	s.listener, err = net.Listen("tcp", fmt.Sprintf(":%d", port))
	return
}

func (s *Server) GetListeningPort() (port uint16) {
	s.Lock()
	defer s.Unlock()
	if s.listener == nil {
		return 0
	}
	return uint16(s.listener.Addr().(*net.TCPAddr).Port)
}

//	StartAccept begins serving the bound listener.
func (s *Server) StartAccept() {
	s.Lock()
	defer s.Unlock()
	if s.listener == nil || s.httpServer != nil {
		return
	}
	s.httpServer = &http.Server{Handler: s}
	go s.httpServer.Serve(s.listener)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !ws.IsWebSocketUpgrade(r) {
		s.Lock()
		fallback := s.onHTTP
		s.Unlock()
		if fallback != nil {
			fallback.ServeHTTP(w, r)
			return
		}
		http.Error(w, "websocket upgrade required", http.StatusBadRequest)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Errorf("upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}
	c := newConnection(conn, r.Header, s.forwardHeaderKey)
	if raw := r.Header.Get(wsrpc.VersionHeader); raw != "" {
		if peerVersion, perr := semver.Parse(raw); perr == nil {
			log.Debugf("peer %s runs wsrpc %s", c.RemoteEndpoint(), peerVersion)
		}
	}
	log.Infof("accepted connection from %s", c.RemoteEndpoint())
	s.Lock()
	s.conns[c] = struct{}{}
	handler := s.onConnection
	s.Unlock()
	c.OnClosedHandler(func() {
		s.Lock()
		delete(s.conns, c)
		s.Unlock()
	})
	if handler != nil {
		handler(c)
	}
}

//	StopListening refuses new connections; established ones live on.
func (s *Server) StopListening() {
	s.Lock()
	defer s.Unlock()
	if s.listener != nil {
		s.listener.Close()
		s.listener = nil
	}
	s.httpServer = nil
}

//	Close stops listening and shuts every open connection down.
func (s *Server) Close() {
	s.StopListening()
	s.Lock()
	conns := make([]*Connection, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.Unlock()
	for _, c := range conns {
		c.Close(ws.CloseGoingAway, "server shutdown")
	}
}
