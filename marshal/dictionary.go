// Package marshal implements the value boundary between worker heaps.
//
// Values cross heaps as CBOR byte buffers. References to shared bindings
// (functions, singletons, registered types) are never copied: they are
// written as symbolic names and resolved against the receiving heap's own
// Dictionary. Two dictionaries built from the same Bindings agree on every
// name, which is what makes a round trip behave like the original value.
package marshal

import (
	"reflect"
	"sort"

	"github.com/pkg/errors"
)

// Bindings is the symbolic table every heap is initialized from.
// Values are either shared bindings (resolved by identity when marshalling)
// or TypeBinding markers created with TypeOf.
type Bindings map[string]any

// TypeBinding registers a concrete Go type under a name so values of that
// type may cross heaps by copy.
type TypeBinding struct {
	typ reflect.Type
}

// TypeOf returns a TypeBinding for the dynamic type of sample.
func TypeOf(sample any) TypeBinding {
	return TypeBinding{typ: reflect.TypeOf(sample)}
}

// EncodeFunc turns an extension value into CBOR-encodable content.
type EncodeFunc func(v any) (any, error)

// DecodeFunc rebuilds an extension value from decoded content.
type DecodeFunc func(content any) (any, error)

type extension struct {
	tag    uint64
	typ    reflect.Type
	encode EncodeFunc
	decode DecodeFunc
}

// identity keys a bound value by its type and the address it refers to.
// The type keeps a pointer into a bound value (its first field, or a zero
// size value sharing its address) from resolving as the binding. For
// functions the address is the code pointer, so distinct closures of one
// literal collide: bind top-level functions and pass captured state
// explicitly.
type identity struct {
	typ reflect.Type
	ptr uintptr
}

// Dictionary is the per-heap symbolic table.
type Dictionary struct {
	byName     map[string]any
	byIdentity map[identity]string

	types     map[string]reflect.Type
	typeNames map[reflect.Type]string

	extByType map[reflect.Type]*extension
	extByTag  map[uint64]*extension
}

// NewDictionary builds a fresh dictionary from bindings.
func NewDictionary(bindings Bindings) (*Dictionary, error) {
	d := &Dictionary{
		byName:     make(map[string]any),
		byIdentity: make(map[identity]string),
		types:      make(map[string]reflect.Type),
		typeNames:  make(map[reflect.Type]string),
		extByType:  make(map[reflect.Type]*extension),
		extByTag:   make(map[uint64]*extension),
	}

	// Sorted so that identity collisions resolve the same way in every heap.
	names := make([]string, 0, len(bindings))
	for name := range bindings {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		v := bindings[name]
		if tb, ok := v.(TypeBinding); ok {
			if err := d.RegisterType(name, tb); err != nil {
				return nil, err
			}
			continue
		}
		if err := d.Bind(name, v); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Bind adds a shared binding.
func (d *Dictionary) Bind(name string, v any) error {
	if name == "" {
		return errors.New("marshal: binding name cannot be empty")
	}
	if v == nil {
		return errors.Errorf("marshal: binding %q has nil value", name)
	}
	if _, exists := d.byName[name]; exists {
		return errors.Errorf("marshal: binding %q already exists", name)
	}
	if _, exists := d.types[name]; exists {
		return errors.Errorf("marshal: binding %q already names a type", name)
	}

	d.byName[name] = v
	if id, ok := identityOf(reflect.ValueOf(v)); ok {
		d.byIdentity[id] = name
	}
	return nil
}

// RegisterType makes values of tb's type marshal-safe under name.
func (d *Dictionary) RegisterType(name string, tb TypeBinding) error {
	if name == "" {
		return errors.New("marshal: type name cannot be empty")
	}
	if tb.typ == nil {
		return errors.Errorf("marshal: type %q has no type", name)
	}
	if _, exists := d.types[name]; exists {
		return errors.Errorf("marshal: type %q already registered", name)
	}
	if _, exists := d.byName[name]; exists {
		return errors.Errorf("marshal: type %q already names a binding", name)
	}
	d.types[name] = tb.typ
	d.typeNames[tb.typ] = name
	return nil
}

// Extend installs an extension codec for values of type typ under tag.
func (d *Dictionary) Extend(tag uint64, typ reflect.Type, enc EncodeFunc, dec DecodeFunc) error {
	if tag < TagExtensionBase {
		return errors.Errorf("marshal: extension tag %d below %d", tag, TagExtensionBase)
	}
	if typ == nil || enc == nil || dec == nil {
		return errors.New("marshal: incomplete extension")
	}
	if _, exists := d.extByTag[tag]; exists {
		return errors.Errorf("marshal: extension tag %d already in use", tag)
	}
	ext := &extension{tag: tag, typ: typ, encode: enc, decode: dec}
	d.extByTag[tag] = ext
	d.extByType[typ] = ext
	return nil
}

// Lookup returns the binding registered under name.
func (d *Dictionary) Lookup(name string) (any, bool) {
	v, ok := d.byName[name]
	return v, ok
}

// NameOf returns the name v is bound under, if any.
func (d *Dictionary) NameOf(v any) (string, bool) {
	return d.nameOf(reflect.ValueOf(v))
}

// Names returns the bound names in sorted order.
func (d *Dictionary) Names() []string {
	names := make([]string, 0, len(d.byName)+len(d.types))
	for name := range d.byName {
		names = append(names, name)
	}
	for name := range d.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (d *Dictionary) nameOf(rv reflect.Value) (string, bool) {
	id, ok := identityOf(rv)
	if !ok {
		return "", false
	}
	name, ok := d.byIdentity[id]
	return name, ok
}

func identityOf(rv reflect.Value) (identity, bool) {
	if !rv.IsValid() {
		return identity{}, false
	}
	switch rv.Kind() {
	case reflect.Func, reflect.Pointer, reflect.Map, reflect.Chan, reflect.UnsafePointer:
		if rv.IsNil() {
			return identity{}, false
		}
		return identity{typ: identityType(rv.Type()), ptr: rv.Pointer()}, true
	default:
		return identity{}, false
	}
}

// identityType drops the name of a function type, so a function bound as
// func(*Context) error is found when passed as a named func type.
func identityType(t reflect.Type) reflect.Type {
	if t.Kind() != reflect.Func || t.Name() == "" {
		return t
	}
	in := make([]reflect.Type, t.NumIn())
	for i := range in {
		in[i] = t.In(i)
	}
	out := make([]reflect.Type, t.NumOut())
	for i := range out {
		out[i] = t.Out(i)
	}
	return reflect.FuncOf(in, out, t.IsVariadic())
}
