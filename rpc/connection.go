package rpc

import (
	"fmt"
	"sync"

	"github.com/golang/groupcache/lru"
	hashlru "github.com/hashicorp/golang-lru"
	"github.com/op/go-logging"
	uuid "github.com/satori/go.uuid"

	"wsrpc"
)

var log = logging.MustGetLogger("wsrpc.rpc")

//	Handle 0 addresses the bootstrap API: whatever was registered first
//	on the serving side.
const BootstrapHandle uint32 = 0

type pendingResult struct {
	result wsrpc.Variant
	err    error
}

type pendingResponse struct {
	once sync.Once
	ch   chan pendingResult
}

func newPendingResponse() *pendingResponse {
	return &pendingResponse{ch: make(chan pendingResult, 1)}
}

func (p *pendingResponse) complete(result wsrpc.Variant, err error) {
	p.once.Do(func() {
		p.ch <- pendingResult{result, err}
	})
}

//	Connection drives one bidirectional RPC session over a message
//	transport. Inbound dispatch is serialised on a single goroutine;
//	the registries are guarded by the connection mutex.
type Connection struct {
	sync.Mutex
	transport MessageTransport
	maxDepth  uint32
	id        string

	nextRequestID  uint64
	nextCallbackID uint64
	nextHandle     uint32

	pending       *lru.Cache
	localAPIs     map[uint32]*API
	handleByOwner map[interface{}]uint32
	callbacks     map[uint64]*callbackRecord
	remoteProxies *hashlru.Cache

	incoming chan string
	done     chan struct{}
	closed   bool
}

func NewConnection(transport MessageTransport, maxDepth uint32) (c *Connection) {
	if maxDepth == 0 {
		maxDepth = wsrpc.DefaultMaxDepth
	}
	c = &Connection{
		transport:     transport,
		maxDepth:      maxDepth,
		id:            uuid.NewV4().String(),
		pending:       lru.New(0),
		localAPIs:     map[uint32]*API{},
		handleByOwner: map[interface{}]uint32{},
		callbacks:     map[uint64]*callbackRecord{},
		incoming:      make(chan string, 64),
		done:          make(chan struct{}),
	}
	c.remoteProxies, _ = hashlru.New(128)
	c.pending.OnEvicted = func(key lru.Key, value interface{}) {
		value.(*pendingResponse).complete(wsrpc.Null, wsrpc.ConnectionClosed())
	}
	go c.dispatchLoop()
	transport.OnMessageHandler(c.enqueue)
	transport.OnClosedHandler(c.shutdown)
	transport.SetSessionData(c)
	return
}

func (c *Connection) ID() string       { return c.id }
func (c *Connection) MaxDepth() uint32 { return c.maxDepth }

func (c *Connection) RemoteEndpoint() string {
	return c.transport.RemoteEndpoint()
}

//	Close shuts the transport down and fails everything in flight.
func (c *Connection) Close() {
	c.transport.Close(1000, "shutdown")
	c.shutdown()
}

func (c *Connection) shutdown() {
	c.Lock()
	if c.closed {
		c.Unlock()
		return
	}
	c.closed = true
	pending := c.pending
	c.localAPIs = map[uint32]*API{}
	c.handleByOwner = map[interface{}]uint32{}
	c.callbacks = map[uint64]*callbackRecord{}
	c.Unlock()
	c.remoteProxies.Purge()
	close(c.done)
	//	evicting completes every waiter with connection_closed
	pending.Clear()
	log.Noticef("connection %s closed", c.id)
}

func (c *Connection) isClosed() bool {
	c.Lock()
	defer c.Unlock()
	return c.closed
}

func (c *Connection) enqueue(message string) {
	select {
	case c.incoming <- message:
	case <-c.done:
	}
}

func (c *Connection) dispatchLoop() {
	for {
		select {
		case <-c.done:
			return
		case message := <-c.incoming:
			c.handleMessage(message)
		}
	}
}

//	RegisterAPI adds an API to the local registry and returns its
//	handle. Handles start at 1; registering the same owner again
//	returns the handle already assigned. The first registration also
//	answers the bootstrap handle 0.
func (c *Connection) RegisterAPI(api *API) (handle uint32, err error) {
	c.Lock()
	defer c.Unlock()
	if c.closed {
		err = wsrpc.ConnectionClosed()
		return
	}
	if existing, ok := c.handleByOwner[api.owner]; ok {
		return existing, nil
	}
	c.nextHandle++
	handle = c.nextHandle
	c.localAPIs[handle] = api
	c.handleByOwner[api.owner] = handle
	return
}

func (c *Connection) lookupAPI(handle uint32) (api *API) {
	c.Lock()
	defer c.Unlock()
	if handle == BootstrapHandle {
		handle = 1
	}
	return c.localAPIs[handle]
}

func (c *Connection) allocRequest() (id uint64, p *pendingResponse, err error) {
	c.Lock()
	defer c.Unlock()
	if c.closed {
		err = wsrpc.ConnectionClosed()
		return
	}
	c.nextRequestID++
	id = c.nextRequestID
	p = newPendingResponse()
	c.pending.Add(lru.Key(id), p)
	return
}

func (c *Connection) failPending(id uint64, ferr error) {
	c.Lock()
	defer c.Unlock()
	if value, ok := c.pending.Get(lru.Key(id)); ok {
		value.(*pendingResponse).complete(wsrpc.Null, ferr)
		c.pending.Remove(lru.Key(id))
	}
}

func (c *Connection) completePending(id uint64, result wsrpc.Variant, rerr error) (found bool) {
	c.Lock()
	defer c.Unlock()
	value, ok := c.pending.Get(lru.Key(id))
	if !ok {
		return false
	}
	value.(*pendingResponse).complete(result, rerr)
	c.pending.Remove(lru.Key(id))
	return true
}

func (c *Connection) sendRequest(method string, params []wsrpc.Variant) (result wsrpc.Variant, err error) {
	id, p, err := c.allocRequest()
	if err != nil {
		return
	}
	frame := wsrpc.NewObject(wsrpc.NewVariantObject().
		Set("method", wsrpc.NewString(method)).
		Set("params", wsrpc.NewArray(params)).
		Set("id", wsrpc.NewUint64(id)))
	text, eerr := frame.ToJSON(c.maxDepth)
	if eerr != nil {
		c.failPending(id, eerr)
	} else if serr := c.transport.SendMessage(text); serr != nil {
		c.failPending(id, wsrpc.ConnectionClosed())
	}
	outcome := <-p.ch
	return outcome.result, outcome.err
}

//	Call invokes an operation by name on a remote handle and blocks
//	until the response arrives or the connection closes.
func (c *Connection) Call(handle uint32, method string, args []wsrpc.Variant) (result wsrpc.Variant, err error) {
	return c.sendRequest("call", []wsrpc.Variant{
		wsrpc.NewUint64(uint64(handle)),
		wsrpc.NewString(method),
		wsrpc.NewArray(args),
	})
}

//	CallOrdinal is Call addressing the operation by zero-based index,
//	which is what proxies send.
func (c *Connection) CallOrdinal(handle uint32, op int, args []wsrpc.Variant) (result wsrpc.Variant, err error) {
	return c.sendRequest("call", []wsrpc.Variant{
		wsrpc.NewUint64(uint64(handle)),
		wsrpc.NewUint64(uint64(op)),
		wsrpc.NewArray(args),
	})
}

func (c *Connection) SendNotice(callbackID uint64, args []wsrpc.Variant) (err error) {
	if c.isClosed() {
		return wsrpc.ConnectionClosed()
	}
	frame := wsrpc.NewObject(wsrpc.NewVariantObject().
		Set("method", wsrpc.NewString("notice")).
		Set("params", wsrpc.NewArray([]wsrpc.Variant{
			wsrpc.NewUint64(callbackID),
			wsrpc.NewArray(args),
		})))
	text, err := frame.ToJSON(c.maxDepth)
	if err != nil {
		return
	}
	return c.transport.SendMessage(text)
}

func (c *Connection) SendCallback(callbackID uint64, args []wsrpc.Variant) (result wsrpc.Variant, err error) {
	return c.sendRequest("callback", []wsrpc.Variant{
		wsrpc.NewUint64(callbackID),
		wsrpc.NewArray(args),
	})
}

func (c *Connection) handleMessage(message string) {
	v, err := wsrpc.FromJSON(message, c.maxDepth)
	if err != nil {
		log.Errorf("connection %s: dropping unparsable frame: %v", c.id, err)
		return
	}
	obj, err := v.AsObject()
	if err != nil {
		log.Errorf("connection %s: dropping non-object frame", c.id)
		return
	}
	methodV, hasMethod := obj.Get("method")
	idV, hasID := obj.Get("id")
	if !hasMethod {
		if hasID {
			c.handleResponse(obj, idV)
			return
		}
		log.Errorf("connection %s: dropping frame with neither method nor id", c.id)
		return
	}
	method, merr := methodV.AsString()
	if merr != nil {
		c.maybeRespondError(idV, hasID, wsrpc.ParseError("method is not a string"))
		return
	}
	var params []wsrpc.Variant
	if paramsV, ok := obj.Get("params"); ok {
		if params, err = paramsV.AsArray(); err != nil {
			c.maybeRespondError(idV, hasID, wsrpc.ParseError("params is not an array"))
			return
		}
	}
	switch method {
	case "call":
		c.handleCall(params, idV, hasID)
	case "notice":
		c.handleNotice(params)
	case "callback":
		c.handleCallback(params, idV, hasID)
	default:
		c.maybeRespondError(idV, hasID, wsrpc.UnknownMethod(method))
	}
}

func (c *Connection) handleCall(params []wsrpc.Variant, idV wsrpc.Variant, hasID bool) {
	if len(params) != 3 {
		c.maybeRespondError(idV, hasID, wsrpc.ParseError("call params must be [api, method, args]"))
		return
	}
	handleRaw, herr := params[0].AsUint64()
	if herr != nil {
		c.maybeRespondError(idV, hasID, wsrpc.ParseError("api handle is not an integer"))
		return
	}
	api := c.lookupAPI(uint32(handleRaw))
	if api == nil {
		c.maybeRespondError(idV, hasID, wsrpc.UnknownAPI(uint32(handleRaw)))
		return
	}
	args, aerr := params[2].AsArray()
	if aerr != nil {
		c.maybeRespondError(idV, hasID, wsrpc.ParseError("call args must be an array"))
		return
	}
	var op *Op
	var ok bool
	if params[1].Type() == wsrpc.StringType {
		name, _ := params[1].AsString()
		if op, ok = api.iface.Op(name); !ok {
			c.maybeRespondError(idV, hasID, wsrpc.UnknownMethod(name))
			return
		}
	} else {
		ordinal, oerr := params[1].AsUint64()
		if oerr != nil {
			c.maybeRespondError(idV, hasID, wsrpc.ParseError("method must be a name or an ordinal"))
			return
		}
		if op, ok = api.iface.OpAt(int(ordinal)); !ok {
			c.maybeRespondError(idV, hasID, wsrpc.UnknownMethod(fmt.Sprintf("#%d", ordinal)))
			return
		}
	}
	result, err := api.thunks[op.Index](c, args)
	if hasID {
		c.respond(idV, result, err)
	} else if err != nil {
		log.Errorf("connection %s: %s failed without a request id: %v", c.id, op.Name, err)
	}
}

func (c *Connection) handleResponse(obj *wsrpc.VariantObject, idV wsrpc.Variant) {
	id, err := idV.AsUint64()
	if err != nil {
		log.Errorf("connection %s: dropping response with malformed id", c.id)
		return
	}
	if errV, hasErr := obj.Get("error"); hasErr {
		rerr := remoteErrorFrom(errV)
		if !c.completePending(id, wsrpc.Null, rerr) {
			log.Errorf("connection %s: dropping error response for unknown request %d", c.id, id)
		}
		return
	}
	resultV, _ := obj.Get("result")
	if !c.completePending(id, resultV, nil) {
		log.Errorf("connection %s: dropping response for unknown request %d", c.id, id)
	}
}

func remoteErrorFrom(errV wsrpc.Variant) (rerr *wsrpc.Error) {
	eobj, oerr := errV.AsObject()
	if oerr != nil {
		return wsrpc.NewError(wsrpc.ErrCodeUnspecified, "peer returned a malformed error")
	}
	code := int64(wsrpc.ErrCodeUnspecified)
	if codeV, ok := eobj.Get("code"); ok {
		code, _ = codeV.AsInt64()
	}
	message := "remote error"
	if messageV, ok := eobj.Get("message"); ok {
		message, _ = messageV.AsString()
	}
	var data *wsrpc.Variant
	if dataV, ok := eobj.Get("data"); ok {
		data = &dataV
	}
	return wsrpc.RemoteError(int(code), message, data)
}

func (c *Connection) maybeRespondError(idV wsrpc.Variant, hasID bool, err error) {
	if !hasID {
		log.Errorf("connection %s: dropping bad frame: %v", c.id, err)
		return
	}
	c.respond(idV, wsrpc.Null, err)
}

func (c *Connection) respond(idV wsrpc.Variant, result wsrpc.Variant, rerr error) {
	obj := wsrpc.NewVariantObject().Set("id", idV)
	if rerr != nil {
		obj.Set("error", errorVariant(rerr))
	} else {
		obj.Set("result", result)
	}
	text, err := wsrpc.NewObject(obj).ToJSON(c.maxDepth)
	if err != nil {
		//	the result itself was too deep to encode
		obj = wsrpc.NewVariantObject().Set("id", idV).Set("error", errorVariant(err))
		if text, err = wsrpc.NewObject(obj).ToJSON(c.maxDepth); err != nil {
			log.Errorf("connection %s: cannot encode error response: %v", c.id, err)
			return
		}
	}
	if err = c.transport.SendMessage(text); err != nil {
		log.Errorf("connection %s: cannot send response: %v", c.id, err)
	}
}

func errorVariant(err error) wsrpc.Variant {
	code := wsrpc.ErrorCode(err)
	obj := wsrpc.NewVariantObject().
		Set("code", wsrpc.NewInt64(int64(code))).
		Set("message", wsrpc.NewString(err.Error()))
	if e, ok := err.(*wsrpc.Error); ok && e.Data != nil {
		obj.Set("data", *e.Data)
	}
	return wsrpc.NewObject(obj)
}
