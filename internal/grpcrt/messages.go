package grpcrt

import (
	"fmt"

	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"
)

// newMessage builds a dynamic message of desc from values keyed by proto
// field name. Nested messages are given as map[string]any and repeated
// fields as slices.
func newMessage(desc protoreflect.MessageDescriptor, values map[string]any) (*dynamicpb.Message, error) {
	msg := dynamicpb.NewMessage(desc)
	if err := setFields(msg, values); err != nil {
		return nil, err
	}
	return msg, nil
}

func setFields(msg protoreflect.Message, values map[string]any) error {
	fields := msg.Descriptor().Fields()
	for name, v := range values {
		fd := fields.ByName(protoreflect.Name(name))
		if fd == nil {
			return fmt.Errorf("%s has no field %q", msg.Descriptor().FullName(), name)
		}
		if v == nil {
			continue
		}
		if fd.IsList() {
			items, err := listOf(v)
			if err != nil {
				return fmt.Errorf("%s: %w", fd.Name(), err)
			}
			list := msg.Mutable(fd).List()
			for _, it := range items {
				pv, err := toProtoValue(fd, it)
				if err != nil {
					return err
				}
				list.Append(pv)
			}
			continue
		}
		pv, err := toProtoValue(fd, v)
		if err != nil {
			return err
		}
		msg.Set(fd, pv)
	}
	return nil
}

func listOf(v any) ([]any, error) {
	switch vv := v.(type) {
	case []any:
		return vv, nil
	case []string:
		out := make([]any, len(vv))
		for i, s := range vv {
			out[i] = s
		}
		return out, nil
	case []int:
		out := make([]any, len(vv))
		for i, n := range vv {
			out[i] = n
		}
		return out, nil
	case []float64:
		out := make([]any, len(vv))
		for i, n := range vv {
			out[i] = n
		}
		return out, nil
	case []map[string]any:
		out := make([]any, len(vv))
		for i, m := range vv {
			out[i] = m
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported list value %T", v)
}

func toProtoValue(fd protoreflect.FieldDescriptor, v any) (protoreflect.Value, error) {
	switch fd.Kind() {
	case protoreflect.BoolKind:
		if b, ok := v.(bool); ok {
			return protoreflect.ValueOfBool(b), nil
		}
	case protoreflect.Int32Kind, protoreflect.Sint32Kind, protoreflect.Sfixed32Kind:
		switch n := v.(type) {
		case int:
			return protoreflect.ValueOfInt32(int32(n)), nil
		case int32:
			return protoreflect.ValueOfInt32(n), nil
		}
	case protoreflect.Int64Kind, protoreflect.Sint64Kind, protoreflect.Sfixed64Kind:
		switch n := v.(type) {
		case int:
			return protoreflect.ValueOfInt64(int64(n)), nil
		case int64:
			return protoreflect.ValueOfInt64(n), nil
		}
	case protoreflect.Uint32Kind, protoreflect.Fixed32Kind:
		switch n := v.(type) {
		case int:
			if n >= 0 {
				return protoreflect.ValueOfUint32(uint32(n)), nil
			}
		case uint32:
			return protoreflect.ValueOfUint32(n), nil
		}
	case protoreflect.FloatKind:
		switch n := v.(type) {
		case float64:
			return protoreflect.ValueOfFloat32(float32(n)), nil
		case float32:
			return protoreflect.ValueOfFloat32(n), nil
		case int:
			return protoreflect.ValueOfFloat32(float32(n)), nil
		}
	case protoreflect.DoubleKind:
		switch n := v.(type) {
		case float64:
			return protoreflect.ValueOfFloat64(n), nil
		case int:
			return protoreflect.ValueOfFloat64(float64(n)), nil
		}
	case protoreflect.StringKind:
		if s, ok := v.(string); ok {
			return protoreflect.ValueOfString(s), nil
		}
	case protoreflect.BytesKind:
		if b, ok := v.([]byte); ok {
			return protoreflect.ValueOfBytes(b), nil
		}
	case protoreflect.MessageKind:
		if mv, ok := v.(map[string]any); ok {
			msg, err := newMessage(fd.Message(), mv)
			if err != nil {
				return protoreflect.Value{}, err
			}
			return protoreflect.ValueOfMessage(msg), nil
		}
	}
	return protoreflect.Value{}, fmt.Errorf("cannot use %v (%T) for %s field %s", v, v, fd.Kind(), fd.Name())
}

// view reads a response message by proto field name. Field names come from
// the contracts in protoreg; an unknown name is a programming error.
type view struct {
	m protoreflect.Message
}

func (v view) field(name string) protoreflect.FieldDescriptor {
	fd := v.m.Descriptor().Fields().ByName(protoreflect.Name(name))
	if fd == nil {
		panic(fmt.Sprintf("grpcrt: %s has no field %q", v.m.Descriptor().FullName(), name))
	}
	return fd
}

func (v view) has(name string) bool { return v.m.Has(v.field(name)) }

func (v view) str(name string) string   { return v.m.Get(v.field(name)).String() }
func (v view) num(name string) int      { return int(v.m.Get(v.field(name)).Int()) }
func (v view) unsigned(name string) int { return int(v.m.Get(v.field(name)).Uint()) }
func (v view) float(name string) float64 {
	return v.m.Get(v.field(name)).Float()
}
func (v view) flag(name string) bool { return v.m.Get(v.field(name)).Bool() }
func (v view) raw(name string) []byte {
	return append([]byte(nil), v.m.Get(v.field(name)).Bytes()...)
}

// optional returns nil for an unset field with explicit presence.
func (v view) optional(name string) any {
	if !v.has(name) {
		return nil
	}
	return v.str(name)
}

// sub returns the nested message and whether it was set.
func (v view) sub(name string) (view, bool) {
	fd := v.field(name)
	if !v.m.Has(fd) {
		return view{}, false
	}
	return view{v.m.Get(fd).Message()}, true
}

func (v view) list(name string) protoreflect.List { return v.m.Get(v.field(name)).List() }

// subs returns the elements of a repeated message field.
func (v view) subs(name string) []view {
	l := v.list(name)
	out := make([]view, l.Len())
	for i := range out {
		out[i] = view{l.Get(i).Message()}
	}
	return out
}

// floats returns a repeated float or double field; ints a repeated integer
// field; strs a repeated string field. Each result is non-nil.
func (v view) floats(name string) []any {
	l := v.list(name)
	out := make([]any, l.Len())
	for i := range out {
		out[i] = l.Get(i).Float()
	}
	return out
}

func (v view) ints(name string) []any {
	l := v.list(name)
	out := make([]any, l.Len())
	for i := range out {
		out[i] = int(l.Get(i).Int())
	}
	return out
}

func (v view) strs(name string) []any {
	l := v.list(name)
	out := make([]any, l.Len())
	for i := range out {
		out[i] = l.Get(i).String()
	}
	return out
}

// which returns the name of the member set in the named oneof, or "".
func (v view) which(oneof string) string {
	od := v.m.Descriptor().Oneofs().ByName(protoreflect.Name(oneof))
	if od == nil {
		panic(fmt.Sprintf("grpcrt: %s has no oneof %q", v.m.Descriptor().FullName(), oneof))
	}
	if fd := v.m.WhichOneof(od); fd != nil {
		return string(fd.Name())
	}
	return ""
}
