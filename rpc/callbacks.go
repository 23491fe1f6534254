package rpc

import (
	"reflect"

	"wsrpc"
)

type callbackKind int

const (
	//	multi-shot, no reply expected
	noticeCallback callbackKind = iota
	//	invoked at most once, reply carries the results
	replyOnceCallback
)

type callbackRecord struct {
	id   uint64
	kind callbackKind
	fn   reflect.Value
}

//	RegisterCallback records a function value for invocation by the
//	peer and returns its callback id. Every registration allocates a
//	fresh id, even for the same function.
func (c *Connection) RegisterCallback(fn reflect.Value) (id uint64, err error) {
	if fn.Kind() != reflect.Func || fn.IsNil() {
		err = wsrpc.NewError(wsrpc.ErrCodeBadCast, "callback must be a non-nil func")
		return
	}
	kind := noticeCallback
	if fn.Type().NumOut() > 0 {
		kind = replyOnceCallback
	}
	c.Lock()
	defer c.Unlock()
	if c.closed {
		err = wsrpc.ConnectionClosed()
		return
	}
	c.nextCallbackID++
	id = c.nextCallbackID
	c.callbacks[id] = &callbackRecord{id: id, kind: kind, fn: fn}
	return
}

//	DiscardCallback drops a callback registration. Later inbound frames
//	naming the id are dropped and logged; the peer is not told.
func (c *Connection) DiscardCallback(id uint64) {
	c.Lock()
	defer c.Unlock()
	delete(c.callbacks, id)
}

func (c *Connection) lookupCallback(id uint64) (record *callbackRecord) {
	c.Lock()
	defer c.Unlock()
	return c.callbacks[id]
}

func (c *Connection) removeCallback(id uint64) {
	c.Lock()
	defer c.Unlock()
	delete(c.callbacks, id)
}

func (c *Connection) handleNotice(params []wsrpc.Variant) {
	record, args, ok := c.resolveCallbackFrame(params)
	if !ok {
		return
	}
	if _, err := c.invokeCallback(record, args); err != nil {
		log.Errorf("connection %s: notice callback %d failed: %v", c.id, record.id, err)
	}
}

func (c *Connection) handleCallback(params []wsrpc.Variant, idV wsrpc.Variant, hasID bool) {
	record, args, ok := c.resolveCallbackFrame(params)
	if !ok {
		return
	}
	result, err := c.invokeCallback(record, args)
	if record.kind == replyOnceCallback {
		c.removeCallback(record.id)
	}
	if hasID {
		c.respond(idV, result, err)
	} else if err != nil {
		log.Errorf("connection %s: callback %d failed without a request id: %v", c.id, record.id, err)
	}
}

func (c *Connection) resolveCallbackFrame(params []wsrpc.Variant) (record *callbackRecord, args []wsrpc.Variant, ok bool) {
	if len(params) != 2 {
		log.Errorf("connection %s: dropping callback frame with %d params", c.id, len(params))
		return
	}
	id, err := params[0].AsUint64()
	if err != nil {
		log.Errorf("connection %s: dropping callback frame with malformed id", c.id)
		return
	}
	if args, err = params[1].AsArray(); err != nil {
		log.Errorf("connection %s: dropping callback frame with malformed args", c.id)
		return
	}
	if record = c.lookupCallback(id); record == nil {
		log.Errorf("connection %s: dropping frame for unknown callback %d", c.id, id)
		return
	}
	ok = true
	return
}

func (c *Connection) invokeCallback(record *callbackRecord, args []wsrpc.Variant) (result wsrpc.Variant, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = wsrpc.NewError(wsrpc.ErrCodeUnspecified, "callback %d panic: %v", record.id, r)
		}
	}()
	fnType := record.fn.Type()
	if len(args) != fnType.NumIn() {
		err = wsrpc.BadArity("callback %d takes %d arguments, got %d", record.id, fnType.NumIn(), len(args))
		return
	}
	in := make([]reflect.Value, len(args))
	for i := range args {
		av, cerr := wsrpc.Unpack(args[i], fnType.In(i), c.maxDepth)
		if cerr != nil {
			err = wsrpc.NewError(wsrpc.ErrCodeBadCast, "callback %d argument %d: %v", record.id, i, cerr)
			return
		}
		in[i] = av
	}
	outs := record.fn.Call(in)
	if fnType.NumOut() > 0 && fnType.Out(fnType.NumOut()-1) == errorType {
		if ev := outs[len(outs)-1]; !ev.IsNil() {
			err = ev.Interface().(error)
			return
		}
		outs = outs[:len(outs)-1]
	}
	if len(outs) == 0 {
		return wsrpc.Null, nil
	}
	return wsrpc.Pack(outs[0].Interface(), c.maxDepth)
}

//	MakeCallback builds the local stand-in for a func argument received
//	over the wire: a function of the declared type that forwards its
//	invocations back to the issuing peer. Once the connection is gone
//	the stand-in degrades to a no-op.
func (c *Connection) MakeCallback(id uint64, fnType reflect.Type) (fn reflect.Value, err error) {
	fn = reflect.MakeFunc(fnType, func(args []reflect.Value) (results []reflect.Value) {
		results = make([]reflect.Value, fnType.NumOut())
		for i := range results {
			results[i] = reflect.Zero(fnType.Out(i))
		}
		vars := make([]wsrpc.Variant, len(args))
		for i := range args {
			v, perr := wsrpc.Pack(args[i].Interface(), c.maxDepth)
			if perr != nil {
				if !setErrorResult(fnType, results, perr) {
					log.Errorf("connection %s: callback failure with no error result: %v", c.id, perr)
				}
				return
			}
			vars[i] = v
		}
		if fnType.NumOut() == 0 {
			if nerr := c.SendNotice(id, vars); nerr != nil {
				log.Noticef("connection %s: notice %d not delivered: %v", c.id, id, nerr)
			}
			return
		}
		reply, cerr := c.SendCallback(id, vars)
		if cerr != nil {
			if !setErrorResult(fnType, results, cerr) {
				log.Errorf("connection %s: callback failure with no error result: %v", c.id, cerr)
			}
			return
		}
		if fnType.NumOut() > 0 && fnType.Out(0) != errorType {
			rv, uerr := wsrpc.Unpack(reply, fnType.Out(0), c.maxDepth)
			if uerr != nil {
				if !setErrorResult(fnType, results, uerr) {
					log.Errorf("connection %s: callback failure with no error result: %v", c.id, uerr)
				}
				return
			}
			results[0] = rv
		}
		return
	})
	return
}

//	setErrorResult stores err into the trailing error result if the
//	signature declares one.
func setErrorResult(fnType reflect.Type, results []reflect.Value, err error) (ok bool) {
	last := fnType.NumOut() - 1
	if last >= 0 && fnType.Out(last) == errorType {
		ev := reflect.New(errorType).Elem()
		ev.Set(reflect.ValueOf(err))
		results[last] = ev
		return true
	}
	return false
}
