package wsrpc

import (
	"encoding/base64"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

type VariantType int

const (
	NullType VariantType = iota
	BoolType
	Int64Type
	Uint64Type
	DoubleType
	StringType
	BlobType
	ArrayType
	ObjectType
)

//	Maximum nesting accepted by Pack/Unpack and the JSON codec when the
//	caller does not say otherwise.
const DefaultMaxDepth uint32 = 128

//	Tagged union over null, bool, int64, uint64, double, string, blob,
//	array and ordered object. The zero value is null.
type Variant struct {
	vtype VariantType
	value interface{}
}

var Null = Variant{}

func NewBool(b bool) Variant      { return Variant{BoolType, b} }
func NewInt64(i int64) Variant    { return Variant{Int64Type, i} }
func NewUint64(u uint64) Variant  { return Variant{Uint64Type, u} }
func NewDouble(d float64) Variant { return Variant{DoubleType, d} }
func NewString(s string) Variant  { return Variant{StringType, s} }
func NewBlob(b []byte) Variant    { return Variant{BlobType, b} }

func NewArray(elems []Variant) Variant {
	if elems == nil {
		elems = []Variant{}
	}
	return Variant{ArrayType, elems}
}

func NewObject(obj *VariantObject) Variant {
	if obj == nil {
		obj = NewVariantObject()
	}
	return Variant{ObjectType, obj}
}

func (v Variant) Type() VariantType { return v.vtype }
func (v Variant) IsNull() bool      { return v.vtype == NullType }

func (v Variant) typeName() string {
	switch v.vtype {
	case NullType:
		return "null"
	case BoolType:
		return "bool"
	case Int64Type:
		return "int64"
	case Uint64Type:
		return "uint64"
	case DoubleType:
		return "double"
	case StringType:
		return "string"
	case BlobType:
		return "blob"
	case ArrayType:
		return "array"
	case ObjectType:
		return "object"
	}
	return "unknown"
}

func (v Variant) AsBool() (b bool, err error) {
	switch v.vtype {
	case NullType:
		return false, nil
	case BoolType:
		return v.value.(bool), nil
	case Int64Type:
		return v.value.(int64) != 0, nil
	case Uint64Type:
		return v.value.(uint64) != 0, nil
	case StringType:
		switch v.value.(string) {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
	}
	err = BadCast(-1, "bool", v.typeName())
	return
}

func (v Variant) AsInt64() (i int64, err error) {
	switch v.vtype {
	case NullType:
		return 0, nil
	case BoolType:
		if v.value.(bool) {
			return 1, nil
		}
		return 0, nil
	case Int64Type:
		return v.value.(int64), nil
	case Uint64Type:
		u := v.value.(uint64)
		if u > math.MaxInt64 {
			err = BadCast(-1, "int64", "uint64 out of range")
			return
		}
		return int64(u), nil
	case DoubleType:
		d := v.value.(float64)
		if d != math.Trunc(d) || d < math.MinInt64 || d >= math.MaxInt64 {
			err = BadCast(-1, "int64", "non-integral double")
			return
		}
		return int64(d), nil
	case StringType:
		pi, perr := strconv.ParseInt(v.value.(string), 10, 64)
		if perr != nil {
			err = BadCast(-1, "int64", "string")
			return
		}
		return pi, nil
	}
	err = BadCast(-1, "int64", v.typeName())
	return
}

func (v Variant) AsUint64() (u uint64, err error) {
	switch v.vtype {
	case NullType:
		return 0, nil
	case BoolType:
		if v.value.(bool) {
			return 1, nil
		}
		return 0, nil
	case Int64Type:
		i := v.value.(int64)
		if i < 0 {
			err = BadCast(-1, "uint64", "negative int64")
			return
		}
		return uint64(i), nil
	case Uint64Type:
		return v.value.(uint64), nil
	case DoubleType:
		d := v.value.(float64)
		if d != math.Trunc(d) || d < 0 || d >= math.MaxUint64 {
			err = BadCast(-1, "uint64", "non-integral double")
			return
		}
		return uint64(d), nil
	case StringType:
		pu, perr := strconv.ParseUint(v.value.(string), 10, 64)
		if perr != nil {
			err = BadCast(-1, "uint64", "string")
			return
		}
		return pu, nil
	}
	err = BadCast(-1, "uint64", v.typeName())
	return
}

func (v Variant) AsDouble() (d float64, err error) {
	switch v.vtype {
	case NullType:
		return 0, nil
	case Int64Type:
		return float64(v.value.(int64)), nil
	case Uint64Type:
		return float64(v.value.(uint64)), nil
	case DoubleType:
		return v.value.(float64), nil
	case StringType:
		pd, perr := strconv.ParseFloat(v.value.(string), 64)
		if perr != nil {
			err = BadCast(-1, "double", "string")
			return
		}
		return pd, nil
	}
	err = BadCast(-1, "double", v.typeName())
	return
}

func (v Variant) AsString() (s string, err error) {
	switch v.vtype {
	case NullType:
		return "", nil
	case BoolType:
		if v.value.(bool) {
			return "true", nil
		}
		return "false", nil
	case Int64Type:
		return strconv.FormatInt(v.value.(int64), 10), nil
	case Uint64Type:
		return strconv.FormatUint(v.value.(uint64), 10), nil
	case DoubleType:
		return strconv.FormatFloat(v.value.(float64), 'g', -1, 64), nil
	case StringType:
		return v.value.(string), nil
	case BlobType:
		return base64.StdEncoding.EncodeToString(v.value.([]byte)), nil
	}
	err = BadCast(-1, "string", v.typeName())
	return
}

func (v Variant) AsBlob() (b []byte, err error) {
	switch v.vtype {
	case NullType:
		return nil, nil
	case BlobType:
		return v.value.([]byte), nil
	case StringType:
		pb, derr := base64.StdEncoding.DecodeString(v.value.(string))
		if derr != nil {
			err = BadCast(-1, "blob", "non-base64 string")
			return
		}
		return pb, nil
	}
	err = BadCast(-1, "blob", v.typeName())
	return
}

func (v Variant) AsArray() (elems []Variant, err error) {
	if v.vtype != ArrayType {
		err = BadCast(-1, "array", v.typeName())
		return
	}
	return v.value.([]Variant), nil
}

func (v Variant) AsObject() (obj *VariantObject, err error) {
	if v.vtype != ObjectType {
		err = BadCast(-1, "object", v.typeName())
		return
	}
	return v.value.(*VariantObject), nil
}

//	Ordered string to Variant mapping. Keys are unique; encode order is
//	insertion order.
type VariantObject struct {
	keys    []string
	entries map[string]Variant
}

func NewVariantObject() *VariantObject {
	return &VariantObject{entries: map[string]Variant{}}
}

func (o *VariantObject) Set(key string, v Variant) *VariantObject {
	if _, ok := o.entries[key]; !ok {
		o.keys = append(o.keys, key)
	}
	o.entries[key] = v
	return o
}

func (o *VariantObject) Get(key string) (v Variant, ok bool) {
	v, ok = o.entries[key]
	return
}

func (o *VariantObject) Keys() []string { return o.keys }
func (o *VariantObject) Len() int       { return len(o.keys) }

var variantReflectType = reflect.TypeOf(Variant{})

//	Pack converts an arbitrary Go value into a Variant, refusing to
//	descend deeper than maxDepth composite levels.
func Pack(value interface{}, maxDepth uint32) (v Variant, err error) {
	if value == nil {
		return Null, nil
	}
	return packValue(reflect.ValueOf(value), maxDepth, maxDepth)
}

func packValue(rv reflect.Value, depth uint32, maxDepth uint32) (v Variant, err error) {
	if !rv.IsValid() {
		return Null, nil
	}
	if rv.Type() == variantReflectType {
		return rv.Interface().(Variant), nil
	}
	if obj, ok := rv.Interface().(*VariantObject); ok {
		if obj == nil {
			return Null, nil
		}
		return NewObject(obj), nil
	}
	switch rv.Kind() {
	case reflect.Bool:
		return NewBool(rv.Bool()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return NewInt64(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return NewUint64(rv.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return NewDouble(rv.Float()), nil
	case reflect.String:
		return NewString(rv.String()), nil
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return Null, nil
		}
		return packValue(rv.Elem(), depth, maxDepth)
	case reflect.Slice:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return NewBlob(rv.Bytes()), nil
		}
		fallthrough
	case reflect.Array:
		if depth == 0 {
			err = DepthExceeded(maxDepth)
			return
		}
		elems := make([]Variant, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			if elems[i], err = packValue(rv.Index(i), depth-1, maxDepth); err != nil {
				return
			}
		}
		return NewArray(elems), nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			err = BadCast(-1, "variant", fmt.Sprintf("map keyed by %s", rv.Type().Key()))
			return
		}
		if depth == 0 {
			err = DepthExceeded(maxDepth)
			return
		}
		keys := make([]string, 0, rv.Len())
		for _, k := range rv.MapKeys() {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		obj := NewVariantObject()
		for _, k := range keys {
			var ev Variant
			if ev, err = packValue(rv.MapIndex(reflect.ValueOf(k)), depth-1, maxDepth); err != nil {
				return
			}
			obj.Set(k, ev)
		}
		return NewObject(obj), nil
	case reflect.Struct:
		if depth == 0 {
			err = DepthExceeded(maxDepth)
			return
		}
		obj := NewVariantObject()
		t := rv.Type()
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if f.PkgPath != "" {
				continue
			}
			name := fieldName(f)
			if name == "-" {
				continue
			}
			var fv Variant
			if fv, err = packValue(rv.Field(i), depth-1, maxDepth); err != nil {
				return
			}
			obj.Set(name, fv)
		}
		return NewObject(obj), nil
	}
	err = BadCast(-1, "variant", rv.Type().String())
	return
}

func fieldName(f reflect.StructField) string {
	tag := f.Tag.Get("json")
	if tag == "" {
		return f.Name
	}
	if i := strings.Index(tag, ","); i >= 0 {
		tag = tag[:i]
	}
	if tag == "" {
		return f.Name
	}
	return tag
}

//	Unpack converts a Variant into a value of the requested type,
//	refusing to descend deeper than maxDepth composite levels.
func Unpack(v Variant, t reflect.Type, maxDepth uint32) (rv reflect.Value, err error) {
	return unpackValue(v, t, maxDepth, maxDepth)
}

func unpackValue(v Variant, t reflect.Type, depth uint32, maxDepth uint32) (rv reflect.Value, err error) {
	if t == variantReflectType {
		return reflect.ValueOf(v), nil
	}
	if t == reflect.TypeOf((*VariantObject)(nil)) {
		obj, oerr := v.AsObject()
		if oerr != nil {
			err = oerr
			return
		}
		return reflect.ValueOf(obj), nil
	}
	switch t.Kind() {
	case reflect.Bool:
		b, cerr := v.AsBool()
		if cerr != nil {
			err = cerr
			return
		}
		return reflect.ValueOf(b), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		i, cerr := v.AsInt64()
		if cerr != nil {
			err = cerr
			return
		}
		rv = reflect.New(t).Elem()
		if rv.OverflowInt(i) {
			err = BadCast(-1, t.String(), "out of range integer")
			return
		}
		rv.SetInt(i)
		return rv, nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, cerr := v.AsUint64()
		if cerr != nil {
			err = cerr
			return
		}
		rv = reflect.New(t).Elem()
		if rv.OverflowUint(u) {
			err = BadCast(-1, t.String(), "out of range integer")
			return
		}
		rv.SetUint(u)
		return rv, nil
	case reflect.Float32, reflect.Float64:
		d, cerr := v.AsDouble()
		if cerr != nil {
			err = cerr
			return
		}
		rv = reflect.New(t).Elem()
		rv.SetFloat(d)
		return rv, nil
	case reflect.String:
		s, cerr := v.AsString()
		if cerr != nil {
			err = cerr
			return
		}
		return reflect.ValueOf(s).Convert(t), nil
	case reflect.Ptr:
		if v.IsNull() {
			return reflect.Zero(t), nil
		}
		elem, eerr := unpackValue(v, t.Elem(), depth, maxDepth)
		if eerr != nil {
			err = eerr
			return
		}
		rv = reflect.New(t.Elem())
		rv.Elem().Set(elem)
		return rv, nil
	case reflect.Interface:
		if t.NumMethod() == 0 {
			return reflect.ValueOf(&v).Elem().Convert(t), nil
		}
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			b, cerr := v.AsBlob()
			if cerr != nil {
				err = cerr
				return
			}
			return reflect.ValueOf(b).Convert(t), nil
		}
		elems, cerr := v.AsArray()
		if cerr != nil {
			err = cerr
			return
		}
		if depth == 0 {
			err = DepthExceeded(maxDepth)
			return
		}
		rv = reflect.MakeSlice(t, len(elems), len(elems))
		for i, ev := range elems {
			var iv reflect.Value
			if iv, err = unpackValue(ev, t.Elem(), depth-1, maxDepth); err != nil {
				return
			}
			rv.Index(i).Set(iv)
		}
		return rv, nil
	case reflect.Map:
		if t.Key().Kind() != reflect.String {
			err = BadCast(-1, t.String(), v.typeName())
			return
		}
		obj, cerr := v.AsObject()
		if cerr != nil {
			err = cerr
			return
		}
		if depth == 0 {
			err = DepthExceeded(maxDepth)
			return
		}
		rv = reflect.MakeMapWithSize(t, obj.Len())
		for _, k := range obj.Keys() {
			ev, _ := obj.Get(k)
			var mv reflect.Value
			if mv, err = unpackValue(ev, t.Elem(), depth-1, maxDepth); err != nil {
				return
			}
			rv.SetMapIndex(reflect.ValueOf(k).Convert(t.Key()), mv)
		}
		return rv, nil
	case reflect.Struct:
		obj, cerr := v.AsObject()
		if cerr != nil {
			err = cerr
			return
		}
		if depth == 0 {
			err = DepthExceeded(maxDepth)
			return
		}
		rv = reflect.New(t).Elem()
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if f.PkgPath != "" {
				continue
			}
			name := fieldName(f)
			if name == "-" {
				continue
			}
			fv, ok := obj.Get(name)
			if !ok {
				continue
			}
			var sv reflect.Value
			if sv, err = unpackValue(fv, f.Type, depth-1, maxDepth); err != nil {
				return
			}
			rv.Field(i).Set(sv)
		}
		return rv, nil
	}
	err = BadCast(-1, t.String(), v.typeName())
	return
}
