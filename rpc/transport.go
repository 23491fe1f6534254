package rpc

//	MessageTransport is a message-framed full-duplex channel: whole text
//	payloads in both directions plus a single closed signal. WebSocket
//	connections satisfy it; so does the in-process pair used in tests.
type MessageTransport interface {
	//	best effort; fails once the transport is closed
	SendMessage(message string) (err error)
	//	deliver complete inbound payloads; messages arriving before a
	//	handler is set must be buffered, not dropped
	OnMessageHandler(handler func(message string))
	//	fires exactly once, whether closed locally or by the peer
	OnClosedHandler(handler func())
	Close(code int, reason string)
	RemoteEndpoint() string
	SetSessionData(data interface{})
	SessionData() interface{}
}
