package schema

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

const testSDL = `
"Clock event"
type ClockEvent {
  timestamp: String!
  event: Int!
}

union Reply = ClockEvent | Failure

type Failure {
  message: String!
}

input TlgDeviceInput {
  name: String
  device: String
}

enum Facility {
  ACNET
  EPICS @deprecated(reason: "moved")
}

type Query {
  clock(events: [Int!]! = [0]): ClockEvent
  old: String @deprecated
  reply: Reply
}
`

func TestLoad(t *testing.T) {
	sch, src, err := Load("test.graphql", testSDL)
	require.NoError(t, err)
	require.NotNil(t, src)

	require.Equal(t, "Query", sch.QueryType)
	require.Empty(t, sch.MutationType)

	q := sch.GetQueryType()
	require.NotNil(t, q)
	names := make([]string, 0, len(q.Fields))
	for _, f := range q.Fields {
		names = append(names, f.Name)
	}
	if diff := cmp.Diff([]string{"clock", "old", "reply"}, names); diff != "" {
		t.Fatalf("query fields mismatch (-want +got):\n%s", diff)
	}

	clock := sch.Field("Query", "clock")
	require.NotNil(t, clock)
	require.False(t, clock.Async)
	require.Len(t, clock.Arguments, 1)
	require.Equal(t, "[Int!]!", clock.Arguments[0].Type.String())
	require.Equal(t, []any{int64(0)}, clock.Arguments[0].DefaultValue)

	old := sch.Field("Query", "old")
	require.True(t, old.IsDeprecated)

	require.Equal(t, []string{"ClockEvent", "Failure"}, sch.Types["Reply"].PossibleTypes)
	require.Len(t, sch.Types["TlgDeviceInput"].InputFields, 2)
	require.True(t, sch.Types["Facility"].EnumValues[1].IsDeprecated)
	require.Equal(t, "moved", sch.Types["Facility"].EnumValues[1].DeprecationReason)

	// built-ins are shared definitions, not copies
	require.Same(t, stringType, sch.Types["String"])
	require.Same(t, includeDirective, sch.Directives["include"])
	require.NotContains(t, sch.Types, "__Schema")
}

func TestLoadInvalid(t *testing.T) {
	_, _, err := Load("bad.graphql", `type Query { a: Missing }`)
	require.Error(t, err)
}

func TestRender(t *testing.T) {
	_, src, err := Load("test.graphql", testSDL)
	require.NoError(t, err)

	out := Render(src)
	require.Contains(t, out, "type ClockEvent {")
	require.Contains(t, out, "union Reply = ClockEvent | Failure")
	require.NotContains(t, out, "scalar String")
	require.NotContains(t, out, "__Schema")

	// rendering is a fixed point once loaded back
	_, again, err := Load("again.graphql", out)
	require.NoError(t, err)
	if diff := cmp.Diff(out, Render(again)); diff != "" {
		t.Fatalf("render mismatch (-want +got):\n%s", diff)
	}
}

func TestIntrospectionTypes(t *testing.T) {
	types := IntrospectionTypes()
	for _, name := range []string{"__Schema", "__Type", "__Field", "__InputValue", "__EnumValue", "__Directive", "__TypeKind", "__DirectiveLocation"} {
		require.Contains(t, types, name)
	}
	require.Equal(t, TypeKindEnum, types["__TypeKind"].Kind)

	var fields []string
	for _, f := range types["__Type"].Fields {
		fields = append(fields, f.Name)
	}
	require.Subset(t, fields, []string{"kind", "name", "fields", "ofType", "enumValues", "inputFields"})
	require.Same(t, types["__Type"], IntrospectionTypes()["__Type"])
}
