package marshal

import (
	"fmt"
	"io"
	"math"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
)

// CBOR tag numbers used on the wire.
const (
	TagKeyword       uint64 = 27000
	TagBinding       uint64 = 27001
	TagType          uint64 = 27002
	TagExtensionBase uint64 = 27100
)

// DefaultMaxDepth bounds value nesting.
const DefaultMaxDepth = 256

var (
	// ErrUnmarshalable is returned when a value cannot cross a heap boundary.
	ErrUnmarshalable = errors.New("value cannot be marshalled")

	// ErrCorrupt is returned when a buffer does not decode to a value.
	ErrCorrupt = errors.New("corrupt message")
)

// UnmarshalableError describes the offending part of a value.
type UnmarshalableError struct {
	Path   string
	Type   string
	Reason string
}

func (e *UnmarshalableError) Error() string {
	return fmt.Sprintf("marshal: %s at %s: %s", e.Type, e.Path, e.Reason)
}

// Unwrap makes errors.Is(err, ErrUnmarshalable) hold.
func (e *UnmarshalableError) Unwrap() error {
	return ErrUnmarshalable
}

// Keyword is a symbolic constant such as :ping. Keywords compare by name
// in every heap.
type Keyword string

// String returns the keyword in :name form.
func (k Keyword) String() string {
	return ":" + string(k)
}

var (
	encMode cbor.EncMode

	keywordType = reflect.TypeOf(Keyword(""))
	closerType  = reflect.TypeOf((*io.Closer)(nil)).Elem()
)

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("marshal: failed to create CBOR enc mode: %v", err))
	}
	encMode = em
}

// Codec marshals values against one Dictionary. A Codec holds no per-call
// state and is safe for concurrent use.
type Codec struct {
	dict     *Dictionary
	maxDepth int
	decMode  cbor.DecMode
}

// NewCodec creates a codec bound to dict with DefaultMaxDepth.
func NewCodec(dict *Dictionary) *Codec {
	c := &Codec{dict: dict}
	c.SetMaxDepth(DefaultMaxDepth)
	return c
}

// SetMaxDepth changes the nesting bound. Values deeper than depth are
// rejected on both sides of the boundary.
func (c *Codec) SetMaxDepth(depth int) {
	if depth <= 0 {
		depth = DefaultMaxDepth
	}
	// Every value level may carry a tag, which CBOR counts as a level too.
	levels := 2*depth + 8
	if levels > 65535 {
		levels = 65535
	}
	dm, err := cbor.DecOptions{MaxNestedLevels: levels}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("marshal: failed to create CBOR dec mode: %v", err))
	}
	c.maxDepth = depth
	c.decMode = dm
}

// Dictionary returns the dictionary the codec resolves bindings against.
func (c *Codec) Dictionary() *Dictionary {
	return c.dict
}

// Marshal serializes v.
func (c *Codec) Marshal(v any) ([]byte, error) {
	w, err := c.encode(reflect.ValueOf(v), 0)
	if err != nil {
		if ue, ok := err.(*UnmarshalableError); ok {
			ue.Path = "$" + ue.Path
		}
		return nil, err
	}
	data, err := encMode.Marshal(w)
	if err != nil {
		return nil, &UnmarshalableError{Path: "$", Type: fmt.Sprintf("%T", v), Reason: err.Error()}
	}
	return data, nil
}

// Unmarshal rebuilds a value from data.
func (c *Codec) Unmarshal(data []byte) (any, error) {
	var raw any
	if err := c.decMode.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrapf(ErrCorrupt, "marshal: %v", err)
	}
	return c.decode(raw, 0)
}

func unmarshalable(rv reflect.Value, reason string) error {
	typ := "nil"
	if rv.IsValid() {
		typ = rv.Type().String()
	}
	return &UnmarshalableError{Type: typ, Reason: reason}
}

func prefixPath(err error, segment string) error {
	if ue, ok := err.(*UnmarshalableError); ok {
		ue.Path = segment + ue.Path
	}
	return err
}

func (c *Codec) encode(rv reflect.Value, depth int) (any, error) {
	if !rv.IsValid() {
		return nil, nil
	}
	if depth > c.maxDepth {
		return nil, unmarshalable(rv, "nesting too deep")
	}
	if (rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface) && rv.IsNil() {
		return nil, nil
	}

	t := rv.Type()
	if ext, ok := c.dict.extByType[t]; ok {
		content, err := ext.encode(rv.Interface())
		if err != nil {
			return nil, unmarshalable(rv, err.Error())
		}
		return cbor.Tag{Number: ext.tag, Content: content}, nil
	}
	if name, ok := c.dict.typeNames[t]; ok {
		content, err := c.encodeRegistered(rv, depth)
		if err != nil {
			return nil, err
		}
		return cbor.Tag{Number: TagType, Content: []any{name, content}}, nil
	}
	if name, ok := c.dict.nameOf(rv); ok {
		return cbor.Tag{Number: TagBinding, Content: name}, nil
	}
	if t == keywordType {
		return cbor.Tag{Number: TagKeyword, Content: rv.String()}, nil
	}
	if rv.Kind() != reflect.Interface && t.Implements(closerType) {
		return nil, unmarshalable(rv, "live resource")
	}
	return c.encodeKind(rv, depth)
}

// encodeRegistered writes the content of a registered type. Structs become
// a map of their exported fields, each encoded like any other value, so a
// registered type never smuggles a resource or an unbound reference.
func (c *Codec) encodeRegistered(rv reflect.Value, depth int) (any, error) {
	if rv.Kind() == reflect.Pointer {
		rv = rv.Elem()
		depth++
	}
	if rv.Type().Implements(closerType) || reflect.PointerTo(rv.Type()).Implements(closerType) {
		return nil, unmarshalable(rv, "live resource")
	}
	if rv.Kind() == reflect.Struct {
		return c.encodeStruct(rv, depth)
	}
	return c.encodeKind(rv, depth)
}

// encodeStruct maps exported field names to encoded values. Embedded
// structs that are not registered themselves are nested the same way.
// Unexported fields are not carried.
func (c *Codec) encodeStruct(rv reflect.Value, depth int) (any, error) {
	if depth > c.maxDepth {
		return nil, unmarshalable(rv, "nesting too deep")
	}
	t := rv.Type()
	out := make(map[string]any, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		fv := rv.Field(i)
		var (
			v   any
			err error
		)
		if _, registered := c.dict.typeNames[f.Type]; f.Anonymous && f.Type.Kind() == reflect.Struct && !registered {
			v, err = c.encodeStruct(fv, depth+1)
		} else {
			v, err = c.encode(fv, depth+1)
		}
		if err != nil {
			return nil, prefixPath(err, "."+f.Name)
		}
		out[f.Name] = v
	}
	return out, nil
}

func (c *Codec) encodeKind(rv reflect.Value, depth int) (any, error) {
	t := rv.Type()
	switch rv.Kind() {
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint(), nil
	case reflect.Float32, reflect.Float64:
		return rv.Float(), nil
	case reflect.String:
		return rv.String(), nil

	case reflect.Slice:
		if rv.IsNil() {
			return nil, nil
		}
		if t.Elem().Kind() == reflect.Uint8 {
			return append([]byte(nil), rv.Bytes()...), nil
		}
		return c.encodeList(rv, depth)

	case reflect.Array:
		if t.Elem().Kind() == reflect.Uint8 {
			b := make([]byte, rv.Len())
			reflect.Copy(reflect.ValueOf(b), rv)
			return b, nil
		}
		return c.encodeList(rv, depth)

	case reflect.Map:
		if t.Key().Kind() != reflect.String {
			return nil, unmarshalable(rv, "map keys must be strings")
		}
		if rv.IsNil() {
			return nil, nil
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			key := iter.Key().String()
			v, err := c.encode(iter.Value(), depth+1)
			if err != nil {
				return nil, prefixPath(err, "."+key)
			}
			out[key] = v
		}
		return out, nil

	case reflect.Pointer:
		return c.encode(rv.Elem(), depth+1)
	case reflect.Interface:
		return c.encode(rv.Elem(), depth)

	case reflect.Func:
		return nil, unmarshalable(rv, "function is not bound in the dictionary")
	case reflect.Chan:
		return nil, unmarshalable(rv, "channel is not bound in the dictionary")
	case reflect.Struct:
		return nil, unmarshalable(rv, "type is not registered in the dictionary")
	default:
		return nil, unmarshalable(rv, "unsupported kind "+rv.Kind().String())
	}
}

func (c *Codec) encodeList(rv reflect.Value, depth int) (any, error) {
	out := make([]any, rv.Len())
	for i := range out {
		v, err := c.encode(rv.Index(i), depth+1)
		if err != nil {
			return nil, prefixPath(err, fmt.Sprintf("[%d]", i))
		}
		out[i] = v
	}
	return out, nil
}

func (c *Codec) decode(raw any, depth int) (any, error) {
	if depth > c.maxDepth {
		return nil, errors.Wrap(ErrCorrupt, "marshal: nesting too deep")
	}

	switch v := raw.(type) {
	case nil, bool, string, float64:
		return v, nil
	case []byte:
		return v, nil
	case float32:
		return float64(v), nil
	case uint64:
		if v <= math.MaxInt64 {
			return int64(v), nil
		}
		return v, nil
	case int64:
		return v, nil

	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			dv, err := c.decode(item, depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = dv
		}
		return out, nil

	case map[any]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			name, ok := key.(string)
			if !ok {
				return nil, errors.Wrapf(ErrCorrupt, "marshal: map key of type %T", key)
			}
			dv, err := c.decode(item, depth+1)
			if err != nil {
				return nil, err
			}
			out[name] = dv
		}
		return out, nil

	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			dv, err := c.decode(item, depth+1)
			if err != nil {
				return nil, err
			}
			out[key] = dv
		}
		return out, nil

	case cbor.Tag:
		return c.decodeTag(v, depth)

	default:
		return nil, errors.Wrapf(ErrCorrupt, "marshal: unexpected %T", raw)
	}
}

func (c *Codec) decodeTag(tag cbor.Tag, depth int) (any, error) {
	switch tag.Number {
	case TagKeyword:
		name, ok := tag.Content.(string)
		if !ok {
			return nil, errors.Wrap(ErrCorrupt, "marshal: malformed keyword")
		}
		return Keyword(name), nil

	case TagBinding:
		name, ok := tag.Content.(string)
		if !ok {
			return nil, errors.Wrap(ErrCorrupt, "marshal: malformed binding reference")
		}
		v, ok := c.dict.Lookup(name)
		if !ok {
			return nil, errors.Wrapf(ErrCorrupt, "marshal: unknown binding %q", name)
		}
		return v, nil

	case TagType:
		parts, ok := tag.Content.([]any)
		if !ok || len(parts) != 2 {
			return nil, errors.Wrap(ErrCorrupt, "marshal: malformed typed value")
		}
		name, ok := parts[0].(string)
		if !ok {
			return nil, errors.Wrap(ErrCorrupt, "marshal: malformed typed value")
		}
		typ, ok := c.dict.types[name]
		if !ok {
			return nil, errors.Wrapf(ErrCorrupt, "marshal: unknown type %q", name)
		}
		content, err := c.decode(parts[1], depth+1)
		if err != nil {
			return nil, err
		}
		v, err := c.decodeTyped(typ, content)
		if err != nil {
			return nil, errors.Wrapf(ErrCorrupt, "marshal: type %q: %v", name, err)
		}
		return v, nil
	}

	ext, ok := c.dict.extByTag[tag.Number]
	if !ok {
		return nil, errors.Wrapf(ErrCorrupt, "marshal: unknown tag %d", tag.Number)
	}
	content, err := c.decode(tag.Content, depth+1)
	if err != nil {
		return nil, err
	}
	v, err := ext.decode(content)
	if err != nil {
		return nil, errors.Wrapf(ErrCorrupt, "marshal: %v", err)
	}
	return v, nil
}

// decodeTyped rebuilds a value of a registered type from decoded content.
func (c *Codec) decodeTyped(typ reflect.Type, content any) (any, error) {
	base := typ
	if typ.Kind() == reflect.Pointer {
		base = typ.Elem()
	}
	ptr := reflect.New(base)
	if err := assign(ptr.Elem(), content); err != nil {
		return nil, err
	}
	if typ.Kind() == reflect.Pointer {
		return ptr.Interface(), nil
	}
	return ptr.Elem().Interface(), nil
}

// assign stores a decoded value into dst, converting the generic decoded
// forms (int64, float64, []any, map[string]any) to dst's type.
func assign(dst reflect.Value, v any) error {
	if v == nil {
		dst.Set(reflect.Zero(dst.Type()))
		return nil
	}
	sv := reflect.ValueOf(v)
	if sv.Type().AssignableTo(dst.Type()) {
		dst.Set(sv)
		return nil
	}

	switch dst.Kind() {
	case reflect.Bool:
		if b, ok := v.(bool); ok {
			dst.SetBool(b)
			return nil
		}

	case reflect.String:
		if sv.Kind() == reflect.String {
			dst.SetString(sv.String())
			return nil
		}

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if n, ok := v.(int64); ok && !dst.OverflowInt(n) {
			dst.SetInt(n)
			return nil
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		switch n := v.(type) {
		case int64:
			if n >= 0 && !dst.OverflowUint(uint64(n)) {
				dst.SetUint(uint64(n))
				return nil
			}
		case uint64:
			if !dst.OverflowUint(n) {
				dst.SetUint(n)
				return nil
			}
		}

	case reflect.Float32, reflect.Float64:
		if f, ok := v.(float64); ok {
			dst.SetFloat(f)
			return nil
		}

	case reflect.Slice:
		if b, ok := v.([]byte); ok && dst.Type().Elem().Kind() == reflect.Uint8 {
			out := reflect.MakeSlice(dst.Type(), len(b), len(b))
			reflect.Copy(out, reflect.ValueOf(b))
			dst.Set(out)
			return nil
		}
		if list, ok := v.([]any); ok {
			out := reflect.MakeSlice(dst.Type(), len(list), len(list))
			for i, item := range list {
				if err := assign(out.Index(i), item); err != nil {
					return errors.Wrapf(err, "[%d]", i)
				}
			}
			dst.Set(out)
			return nil
		}

	case reflect.Array:
		if b, ok := v.([]byte); ok && dst.Type().Elem().Kind() == reflect.Uint8 && len(b) == dst.Len() {
			reflect.Copy(dst, reflect.ValueOf(b))
			return nil
		}
		if list, ok := v.([]any); ok && len(list) == dst.Len() {
			for i, item := range list {
				if err := assign(dst.Index(i), item); err != nil {
					return errors.Wrapf(err, "[%d]", i)
				}
			}
			return nil
		}

	case reflect.Map:
		if m, ok := v.(map[string]any); ok && dst.Type().Key().Kind() == reflect.String {
			out := reflect.MakeMapWithSize(dst.Type(), len(m))
			for key, item := range m {
				elem := reflect.New(dst.Type().Elem()).Elem()
				if err := assign(elem, item); err != nil {
					return errors.Wrapf(err, ".%s", key)
				}
				out.SetMapIndex(reflect.ValueOf(key).Convert(dst.Type().Key()), elem)
			}
			dst.Set(out)
			return nil
		}

	case reflect.Pointer:
		elem := reflect.New(dst.Type().Elem())
		if err := assign(elem.Elem(), v); err != nil {
			return err
		}
		dst.Set(elem)
		return nil

	case reflect.Struct:
		if m, ok := v.(map[string]any); ok {
			return assignStruct(dst, m)
		}
	}
	return errors.Errorf("cannot store %T in %s", v, dst.Type())
}

func assignStruct(dst reflect.Value, m map[string]any) error {
	t := dst.Type()
	for name, item := range m {
		f, ok := t.FieldByName(name)
		if !ok || len(f.Index) != 1 || !f.IsExported() {
			return errors.Errorf("%s has no field %s", t, name)
		}
		if err := assign(dst.Field(f.Index[0]), item); err != nil {
			return errors.Wrapf(err, ".%s", name)
		}
	}
	return nil
}
