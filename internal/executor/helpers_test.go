package executor

import (
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fermi-ad/extapi-acsys/internal/failure"
	schema "github.com/fermi-ad/extapi-acsys/internal/schema"
)

func newSchemaWithQueryType(query *schema.Type, additional ...*schema.Type) *schema.Schema {
	sch := schema.NewSchema("")
	if query != nil {
		sch.SetQueryType(query.Name)
		sch.AddType(query)
	}
	for _, t := range additional {
		sch.AddType(t)
	}
	return sch
}

func newObjectType(name string, fields ...*schema.Field) *schema.Type {
	t := schema.NewType(name, schema.TypeKindObject, "")
	for _, field := range fields {
		t.AddField(field)
	}
	return t
}

func newScalarType(name string) *schema.Type {
	return schema.NewType(name, schema.TypeKindScalar, "")
}

// field builds a field definition; async marks it backend-bound.
func field(name string, typ *schema.TypeRef, async bool, requires ...string) *schema.Field {
	f := schema.NewField(name, "", typ)
	f.SetAsync(async)
	if len(requires) > 0 {
		f.SetRequires(requires...)
	}
	return f
}

// mustLoadSchema loads sdl and marks each "Type.field" key of async as
// backend-bound, requiring the listed sibling fields.
func mustLoadSchema(t *testing.T, sdl string, async map[string][]string) *schema.Schema {
	t.Helper()
	sch, _, err := schema.Load("test.graphql", sdl)
	require.NoError(t, err)
	for key, requires := range async {
		typeName, fieldName, _ := strings.Cut(key, ".")
		f := sch.Field(typeName, fieldName)
		require.NotNil(t, f, key)
		f.SetAsync(true).SetRequires(requires...)
	}
	return sch
}

// sortErrors orders errors by path so results can be compared without
// depending on completion order.
func sortErrors(errs []GraphQLError) []GraphQLError {
	out := append([]GraphQLError(nil), errs...)
	sort.Slice(out, func(i, j int) bool { return pathToString(out[i].Path) < pathToString(out[j].Path) })
	return out
}

func kinds(errs []GraphQLError) map[string]failure.Kind {
	out := make(map[string]failure.Kind, len(errs))
	for _, e := range errs {
		out[pathToString(e.Path)] = e.Kind()
	}
	return out
}

func sortedStarted(rt *MockRuntime) []string {
	out := rt.Started()
	sort.Strings(out)
	return out
}
