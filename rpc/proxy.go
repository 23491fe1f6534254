package rpc

import (
	"fmt"
	"reflect"

	"wsrpc"
)

//	GetRemoteAPI fills template's func fields with proxies for the
//	peer's bootstrap API (handle 0).
func (c *Connection) GetRemoteAPI(template interface{}) (err error) {
	return c.GetRemoteAPIAt(template, BootstrapHandle)
}

//	GetRemoteAPIAt fills template's func fields with proxies for the
//	given remote handle. Proxies for the same handle and descriptor are
//	cached and shared.
func (c *Connection) GetRemoteAPIAt(template interface{}, handle uint32) (err error) {
	tv := reflect.ValueOf(template)
	if tv.Kind() != reflect.Ptr || tv.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("proxy target must be a pointer to a struct of funcs, got %T", template)
	}
	iface, err := DescribeInterface(template)
	if err != nil {
		return
	}
	return c.fillProxy(tv, iface, handle)
}

func (c *Connection) fillProxy(tv reflect.Value, iface *Interface, handle uint32) (err error) {
	key := fmt.Sprintf("%d/%s", handle, iface.Name)
	if cached, ok := c.remoteProxies.Get(key); ok {
		tv.Elem().Set(reflect.ValueOf(cached))
		return
	}
	sv := tv.Elem()
	for _, op := range iface.Ops {
		field := sv.FieldByName(op.field.Name)
		if !field.IsValid() {
			return fmt.Errorf("proxy target has no field %s", op.field.Name)
		}
		field.Set(reflect.MakeFunc(field.Type(), c.proxyThunk(handle, op)))
	}
	c.remoteProxies.Add(key, sv.Interface())
	return
}

func (c *Connection) proxyThunk(handle uint32, op *Op) func([]reflect.Value) []reflect.Value {
	fnType := op.field.Type
	return func(args []reflect.Value) (results []reflect.Value) {
		results = make([]reflect.Value, fnType.NumOut())
		for i := range results {
			results[i] = reflect.Zero(fnType.Out(i))
		}
		fail := func(err error) {
			if !setErrorResult(fnType, results, err) {
				log.Errorf("connection %s: %s failed with no error result declared: %v",
					c.id, op.Name, err)
			}
		}
		vars := make([]wsrpc.Variant, len(args))
		for i, p := range op.Params {
			if p.Callback {
				if args[i].IsNil() {
					vars[i] = wsrpc.Null
					continue
				}
				id, rerr := c.RegisterCallback(args[i])
				if rerr != nil {
					fail(rerr)
					return
				}
				vars[i] = wsrpc.NewUint64(id)
				continue
			}
			v, perr := wsrpc.Pack(args[i].Interface(), c.maxDepth)
			if perr != nil {
				fail(perr)
				return
			}
			vars[i] = v
		}
		reply, cerr := c.CallOrdinal(handle, op.Index, vars)
		if cerr != nil {
			fail(cerr)
			return
		}
		if op.Result == nil {
			return
		}
		if op.ResultIface != nil {
			remoteHandle, herr := reply.AsUint64()
			if herr != nil {
				fail(wsrpc.NewError(wsrpc.ErrCodeBadCast,
					"%s: interface result is not a handle", op.Name))
				return
			}
			nested := reflect.New(op.Result.Elem())
			if perr := c.fillProxy(nested, op.ResultIface, uint32(remoteHandle)); perr != nil {
				fail(perr)
				return
			}
			results[0] = nested
			return
		}
		rv, uerr := wsrpc.Unpack(reply, op.Result, c.maxDepth)
		if uerr != nil {
			fail(uerr)
			return
		}
		results[0] = rv
		return
	}
}
