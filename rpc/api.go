package rpc

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
	"unicode"

	"wsrpc"
)

//	Param describes one positional parameter of an operation. Pointer
//	types are optional and may be elided from the tail of a call;
//	func types are callbacks carried by id over the wire.
type Param struct {
	Type     reflect.Type
	Optional bool
	Callback bool
}

//	Op is one operation of an interface. Order is significant: peers
//	address operations by index over the wire.
type Op struct {
	Name        string
	Index       int
	Params      []Param
	NumRequired int
	Result      reflect.Type
	HasError    bool
	ResultIface *Interface

	field reflect.StructField
}

//	Interface is the immutable descriptor of a named set of operations.
//	Both peers of a connection must agree on it.
type Interface struct {
	Name   string
	Ops    []*Op
	byName map[string]*Op
}

func (i *Interface) Op(name string) (op *Op, ok bool) {
	op, ok = i.byName[name]
	return
}

func (i *Interface) OpAt(index int) (op *Op, ok bool) {
	if index < 0 || index >= len(i.Ops) {
		return nil, false
	}
	return i.Ops[index], true
}

var errorType = reflect.TypeOf((*error)(nil)).Elem()

var describeMutex sync.Mutex
var described = map[reflect.Type]*Interface{}

//	DescribeInterface builds (and caches) the descriptor for a template:
//	a pointer to a struct whose exported fields are funcs, in wire
//	order. Wire names come from the `rpc` field tag, defaulting to the
//	snake_cased field name.
func DescribeInterface(template interface{}) (iface *Interface, err error) {
	t := reflect.TypeOf(template)
	if t == nil || t.Kind() != reflect.Ptr || t.Elem().Kind() != reflect.Struct {
		err = fmt.Errorf("interface template must be a pointer to a struct of funcs, got %T", template)
		return
	}
	describeMutex.Lock()
	defer describeMutex.Unlock()
	return describeLocked(t.Elem())
}

func describeLocked(st reflect.Type) (iface *Interface, err error) {
	if cached, ok := described[st]; ok {
		return cached, nil
	}
	iface = &Interface{Name: st.Name(), byName: map[string]*Op{}}
	//	insert before walking fields so self-referencing interfaces resolve
	described[st] = iface
	defer func() {
		if err != nil {
			delete(described, st)
			iface = nil
		}
	}()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		if f.PkgPath != "" {
			continue
		}
		if f.Type.Kind() != reflect.Func {
			err = fmt.Errorf("%s.%s: interface fields must be funcs", st.Name(), f.Name)
			return
		}
		var op *Op
		if op, err = describeOp(f, len(iface.Ops)); err != nil {
			return
		}
		if _, dup := iface.byName[op.Name]; dup {
			err = fmt.Errorf("%s: duplicate operation name %q", st.Name(), op.Name)
			return
		}
		iface.Ops = append(iface.Ops, op)
		iface.byName[op.Name] = op
	}
	if len(iface.Ops) == 0 {
		err = fmt.Errorf("%s: interface declares no operations", st.Name())
	}
	return
}

func describeOp(f reflect.StructField, index int) (op *Op, err error) {
	ft := f.Type
	if ft.IsVariadic() {
		err = fmt.Errorf("%s: variadic operations are not supported", f.Name)
		return
	}
	op = &Op{Name: wireName(f), Index: index, field: f}
	for i := 0; i < ft.NumIn(); i++ {
		pt := ft.In(i)
		op.Params = append(op.Params, Param{
			Type:     pt,
			Optional: pt.Kind() == reflect.Ptr,
			Callback: pt.Kind() == reflect.Func,
		})
	}
	op.NumRequired = len(op.Params)
	for op.NumRequired > 0 && op.Params[op.NumRequired-1].Optional {
		op.NumRequired--
	}
	switch ft.NumOut() {
	case 0:
	case 1:
		if ft.Out(0) == errorType {
			op.HasError = true
		} else {
			op.Result = ft.Out(0)
		}
	case 2:
		if ft.Out(1) != errorType {
			err = fmt.Errorf("%s: second result must be error", f.Name)
			return
		}
		op.Result = ft.Out(0)
		op.HasError = true
	default:
		err = fmt.Errorf("%s: operations return at most one value and an error", f.Name)
		return
	}
	if op.Result != nil && isInterfaceTemplate(op.Result) {
		if op.ResultIface, err = describeLocked(op.Result.Elem()); err != nil {
			return
		}
	}
	return
}

//	An interface template in result position: pointer to a struct whose
//	exported fields are all funcs.
func isInterfaceTemplate(t reflect.Type) bool {
	if t.Kind() != reflect.Ptr || t.Elem().Kind() != reflect.Struct {
		return false
	}
	st := t.Elem()
	funcs := 0
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		if f.PkgPath != "" {
			continue
		}
		if f.Type.Kind() != reflect.Func {
			return false
		}
		funcs++
	}
	return funcs > 0
}

func wireName(f reflect.StructField) string {
	if tag := f.Tag.Get("rpc"); tag != "" {
		return tag
	}
	return snakeCase(f.Name)
}

func snakeCase(name string) string {
	var b strings.Builder
	prevLower := false
	for _, r := range name {
		if unicode.IsUpper(r) {
			if prevLower {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			prevLower = false
		} else {
			b.WriteRune(r)
			prevLower = true
		}
	}
	return b.String()
}

//	Thunk invokes one operation of a bound API with dynamic arguments.
type Thunk func(scope CallScope, args []wsrpc.Variant) (wsrpc.Variant, error)

//	CallScope is what a thunk needs from the connection it runs on:
//	depth limits, registration of interface-typed results, and stubs
//	for inbound callback arguments. Local calls pass a nil scope.
type CallScope interface {
	MaxDepth() uint32
	RegisterAPI(api *API) (uint32, error)
	MakeCallback(id uint64, fnType reflect.Type) (reflect.Value, error)
}

//	API binds an interface descriptor to a concrete implementing object.
//	Two APIs are the same registration if they share the owner.
type API struct {
	iface  *Interface
	owner  interface{}
	thunks []Thunk
}

func (a *API) Interface() *Interface { return a.iface }
func (a *API) Owner() interface{}    { return a.owner }

//	NewAPI binds owner to the template's descriptor. For every operation
//	the owner must have a like-named exported method whose signature
//	matches the descriptor field; interface-typed results are returned
//	by the owner as *API values.
func NewAPI(template interface{}, owner interface{}) (a *API, err error) {
	iface, err := DescribeInterface(template)
	if err != nil {
		return
	}
	ownerVal := reflect.ValueOf(owner)
	if !ownerVal.IsValid() {
		err = fmt.Errorf("%s: nil owner", iface.Name)
		return
	}
	a = &API{iface: iface, owner: owner}
	for _, op := range iface.Ops {
		method := ownerVal.MethodByName(op.field.Name)
		if !method.IsValid() {
			err = fmt.Errorf("%T has no method %s required by %s", owner, op.field.Name, iface.Name)
			a = nil
			return
		}
		if err = checkSignature(op, method.Type()); err != nil {
			err = fmt.Errorf("%T.%s: %v", owner, op.field.Name, err)
			a = nil
			return
		}
		a.thunks = append(a.thunks, buildThunk(op, method))
	}
	return
}

var apiPtrType = reflect.TypeOf((*API)(nil))

func checkSignature(op *Op, mt reflect.Type) (err error) {
	if mt.NumIn() != len(op.Params) {
		return fmt.Errorf("want %d parameters, have %d", len(op.Params), mt.NumIn())
	}
	for i, p := range op.Params {
		if mt.In(i) != p.Type {
			return fmt.Errorf("parameter %d: want %s, have %s", i, p.Type, mt.In(i))
		}
	}
	wantOut := 0
	if op.Result != nil {
		wantOut++
	}
	if op.HasError {
		wantOut++
	}
	if mt.NumOut() != wantOut {
		return fmt.Errorf("want %d results, have %d", wantOut, mt.NumOut())
	}
	if op.Result != nil {
		want := op.Result
		if op.ResultIface != nil {
			want = apiPtrType
		}
		if mt.Out(0) != want {
			return fmt.Errorf("result: want %s, have %s", want, mt.Out(0))
		}
	}
	if op.HasError && mt.Out(mt.NumOut()-1) != errorType {
		return fmt.Errorf("last result must be error")
	}
	return
}

func buildThunk(op *Op, method reflect.Value) Thunk {
	return func(scope CallScope, args []wsrpc.Variant) (result wsrpc.Variant, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = wsrpc.NewError(wsrpc.ErrCodeUnspecified, "%s: handler panic: %v", op.Name, r)
			}
		}()
		if len(args) < op.NumRequired || len(args) > len(op.Params) {
			err = wsrpc.BadArity("%s takes %d to %d arguments, got %d",
				op.Name, op.NumRequired, len(op.Params), len(args))
			return
		}
		depth := wsrpc.DefaultMaxDepth
		if scope != nil {
			depth = scope.MaxDepth()
		}
		in := make([]reflect.Value, len(op.Params))
		for i, p := range op.Params {
			if i >= len(args) || (p.Optional && args[i].IsNull()) {
				in[i] = reflect.Zero(p.Type)
				continue
			}
			if p.Callback {
				if scope == nil {
					err = wsrpc.NewError(wsrpc.ErrCodeUnspecified,
						"%s: callback arguments require a connection", op.Name)
					return
				}
				id, cerr := args[i].AsUint64()
				if cerr != nil {
					err = wsrpc.NewError(wsrpc.ErrCodeBadCast,
						"argument %d of %s is not a callback id", i, op.Name)
					return
				}
				fn, cerr := scope.MakeCallback(id, p.Type)
				if cerr != nil {
					err = cerr
					return
				}
				in[i] = fn
				continue
			}
			av, cerr := wsrpc.Unpack(args[i], p.Type, depth)
			if cerr != nil {
				err = wsrpc.NewError(wsrpc.ErrCodeBadCast,
					"argument %d of %s: %v", i, op.Name, cerr)
				return
			}
			in[i] = av
		}
		outs := method.Call(in)
		if op.HasError {
			if ev := outs[len(outs)-1]; !ev.IsNil() {
				err = ev.Interface().(error)
				return
			}
		}
		if op.Result == nil {
			return wsrpc.Null, nil
		}
		rv := outs[0]
		if op.ResultIface != nil {
			if scope == nil {
				err = wsrpc.NewError(wsrpc.ErrCodeUnspecified,
					"%s: interface results require a connection", op.Name)
				return
			}
			resultAPI, ok := rv.Interface().(*API)
			if !ok || resultAPI == nil {
				err = wsrpc.NewError(wsrpc.ErrCodeUnspecified,
					"%s returned no api", op.Name)
				return
			}
			handle, herr := scope.RegisterAPI(resultAPI)
			if herr != nil {
				err = herr
				return
			}
			return wsrpc.NewUint64(uint64(handle)), nil
		}
		return wsrpc.Pack(rv.Interface(), depth)
	}
}

//	Call invokes an operation by wire name with dynamic arguments,
//	honoring trailing-optional elision. The scope may be nil for purely
//	local invocation.
func (a *API) Call(scope CallScope, name string, args ...wsrpc.Variant) (result wsrpc.Variant, err error) {
	op, ok := a.iface.Op(name)
	if !ok {
		err = wsrpc.UnknownMethod(name)
		return
	}
	return a.thunks[op.Index](scope, args)
}

//	CallAt is Call by zero-based ordinal.
func (a *API) CallAt(scope CallScope, index int, args ...wsrpc.Variant) (result wsrpc.Variant, err error) {
	op, ok := a.iface.OpAt(index)
	if !ok {
		err = wsrpc.UnknownMethod(fmt.Sprintf("#%d", index))
		return
	}
	return a.thunks[op.Index](scope, args)
}

//	Stub fills template's func fields with direct calls into the owner,
//	for using a bound API locally without any connection. Operations
//	with callback parameters pass them through untouched; operations
//	returning interfaces are not available locally.
func (a *API) Stub(template interface{}) (err error) {
	tv := reflect.ValueOf(template)
	if tv.Kind() != reflect.Ptr || tv.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("stub target must be a pointer to a struct of funcs, got %T", template)
	}
	sv := tv.Elem()
	ownerVal := reflect.ValueOf(a.owner)
	for _, op := range a.iface.Ops {
		field := sv.FieldByName(op.field.Name)
		if !field.IsValid() {
			return fmt.Errorf("stub target has no field %s", op.field.Name)
		}
		if op.ResultIface != nil {
			opName := op.Name
			field.Set(reflect.MakeFunc(field.Type(), func(args []reflect.Value) []reflect.Value {
				panic(fmt.Sprintf("%s: interface results require a connection", opName))
			}))
			continue
		}
		method := ownerVal.MethodByName(op.field.Name)
		field.Set(method.Convert(field.Type()))
	}
	return
}
