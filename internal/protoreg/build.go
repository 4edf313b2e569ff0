package protoreg

import (
	"fmt"

	"github.com/jhump/protoreflect/v2/protobuilder"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// fileBuilder wraps a protobuilder file so contracts can be declared in the
// order fields appear on the wire.
type fileBuilder struct {
	path string
	fb   *protobuilder.FileBuilder
}

func newFile(path string, pkg protoreflect.FullName) *fileBuilder {
	fb := protobuilder.NewFile(path)
	fb.SetPackageName(pkg)
	fb.SetSyntax(protoreflect.Proto3)
	return &fileBuilder{path: path, fb: fb}
}

// message adds a message whose fields are numbered from 1 in argument order.
// Oneof choices take numbers in the same sequence.
func (f *fileBuilder) message(name, desc string, members ...member) *protobuilder.MessageBuilder {
	mb := protobuilder.NewMessage(protoreflect.Name(name))
	mb.SetComments(comment(desc))
	n := protoreflect.FieldNumber(0)
	for _, m := range members {
		if m.oneof == "" {
			n++
			m.fields[0].SetNumber(n)
			mb.AddField(m.fields[0])
			continue
		}
		oob := protobuilder.NewOneof(protoreflect.Name(m.oneof))
		mb.AddOneOf(oob)
		for _, fb := range m.fields {
			n++
			fb.SetNumber(n)
			oob.AddChoice(fb)
		}
	}
	f.fb.AddMessage(mb)
	return mb
}

type rpc struct {
	name      string
	desc      string
	request   *protobuilder.MessageBuilder
	response  *protobuilder.MessageBuilder
	streaming bool
}

func (f *fileBuilder) service(name string, rpcs ...rpc) {
	sb := protobuilder.NewService(protoreflect.Name(name))
	for _, r := range rpcs {
		mtb := protobuilder.NewMethod(protoreflect.Name(r.name),
			protobuilder.RpcTypeMessage(r.request, false),
			protobuilder.RpcTypeMessage(r.response, r.streaming),
		)
		mtb.SetComments(comment(r.desc))
		sb.AddMethod(mtb)
	}
	f.fb.AddService(sb)
}

func (f *fileBuilder) build() (protoreflect.FileDescriptor, error) {
	fd, err := f.fb.Build()
	if err != nil {
		return nil, fmt.Errorf("protoreg: build %s: %w", f.path, err)
	}
	return fd, nil
}

// member is a single field or a oneof group of a message.
type member struct {
	oneof  string
	fields []*protobuilder.FieldBuilder
}

func field(name string, kind protoreflect.Kind) member {
	return member{fields: []*protobuilder.FieldBuilder{
		protobuilder.NewField(protoreflect.Name(name), protobuilder.FieldTypeScalar(kind)),
	}}
}

func repeated(name string, kind protoreflect.Kind) member {
	m := field(name, kind)
	m.fields[0].SetRepeated()
	return m
}

func optional(name string, kind protoreflect.Kind) member {
	m := field(name, kind)
	m.fields[0].SetOptional()
	return m
}

func msgField(name string, mb *protobuilder.MessageBuilder) member {
	return member{fields: []*protobuilder.FieldBuilder{
		protobuilder.NewField(protoreflect.Name(name), protobuilder.FieldTypeMessage(mb)),
	}}
}

func repeatedMsg(name string, mb *protobuilder.MessageBuilder) member {
	m := msgField(name, mb)
	m.fields[0].SetRepeated()
	return m
}

// oneof groups single fields; each choice keeps its own type.
func oneof(name string, choices ...member) member {
	m := member{oneof: name}
	for _, c := range choices {
		m.fields = append(m.fields, c.fields...)
	}
	return m
}
