package introspection

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/samber/lo"

	executor "github.com/fermi-ad/extapi-acsys/internal/executor"
	schema "github.com/fermi-ad/extapi-acsys/internal/schema"
)

// Wrap answers __schema and __type on top of base. It returns the runtime
// to execute with and the schema extended with the introspection types;
// introspection queries describe sch as given, without those types.
func Wrap(base executor.Runtime, sch *schema.Schema) (executor.Runtime, *schema.Schema) {
	served := withIntrospection(sch)
	return &runtime{base: base, described: sch}, served
}

type runtime struct {
	base      executor.Runtime
	described *schema.Schema
}

func (r *runtime) ResolveSync(ctx context.Context, objectType, field string, source any, args map[string]any) (any, error) {
	if v, ok := r.introspect(source, field, args); ok {
		return v, nil
	}
	if objectType == r.described.QueryType {
		switch field {
		case "__schema":
			return r.described, nil
		case "__type":
			name, _ := args["name"].(string)
			if t := r.described.Types[name]; t != nil {
				return t, nil
			}
			return nil, nil
		}
	}
	return r.base.ResolveSync(ctx, objectType, field, source, args)
}

func (r *runtime) ResolveAsync(ctx context.Context, task executor.ResolveTask) (any, error) {
	return r.base.ResolveAsync(ctx, task)
}

func (r *runtime) ResolveType(ctx context.Context, abstractType string, value any) (string, error) {
	return r.base.ResolveType(ctx, abstractType, value)
}

func (r *runtime) SerializeLeafValue(ctx context.Context, typ string, value any) (any, error) {
	return r.base.SerializeLeafValue(ctx, typ, value)
}

// introspect resolves field on one of the schema nodes handed out by
// __schema and __type. ok is false for any other source.
func (r *runtime) introspect(source any, field string, args map[string]any) (v any, ok bool) {
	deprecated, _ := args["includeDeprecated"].(bool)
	switch src := source.(type) {
	case *schema.Schema:
		return schemaField(src, field)
	case *schema.Type:
		return r.typeField(src, field, deprecated)
	case *schema.TypeRef:
		return r.typeRefField(src, field, deprecated)
	case *schema.Field:
		return fieldField(src, field, deprecated)
	case *schema.InputValue:
		return r.inputValueField(src, field)
	case *schema.EnumValue:
		return enumValueField(src, field)
	case *schema.Directive:
		return directiveField(src, field, deprecated)
	}
	return nil, false
}

func schemaField(sch *schema.Schema, field string) (any, bool) {
	switch field {
	case "description":
		return sch.Description, true
	case "types":
		types := lo.Values(sch.Types)
		sort.Slice(types, func(i, j int) bool { return types[i].Name < types[j].Name })
		return types, true
	case "queryType":
		return sch.GetQueryType(), true
	case "mutationType":
		return sch.GetMutationType(), true
	case "subscriptionType":
		return sch.GetSubscriptionType(), true
	case "directives":
		dirs := lo.Values(sch.Directives)
		sort.Slice(dirs, func(i, j int) bool { return dirs[i].Name < dirs[j].Name })
		return dirs, true
	}
	return nil, false
}

func (r *runtime) typeField(t *schema.Type, field string, deprecated bool) (any, bool) {
	switch field {
	case "kind":
		return string(t.Kind), true
	case "name":
		return t.Name, true
	case "description":
		return t.Description, true
	case "specifiedByURL":
		if t.SpecifiedByURL == nil {
			return nil, true
		}
		return *t.SpecifiedByURL, true
	case "isOneOf":
		return t.OneOf, true
	case "ofType":
		// named types never wrap another; LIST and NON_NULL are TypeRefs
		return nil, true
	case "fields":
		if t.Kind != schema.TypeKindObject && t.Kind != schema.TypeKindInterface {
			return nil, true
		}
		return visible(t.GetOrderedFields(), deprecated, func(f *schema.Field) bool { return f.IsDeprecated }), true
	case "interfaces":
		if t.Kind != schema.TypeKindObject && t.Kind != schema.TypeKindInterface {
			return nil, true
		}
		return r.lookup(t.Interfaces), true
	case "possibleTypes":
		if t.Kind != schema.TypeKindInterface && t.Kind != schema.TypeKindUnion {
			return nil, true
		}
		return r.lookup(t.PossibleTypes), true
	case "enumValues":
		if t.Kind != schema.TypeKindEnum {
			return nil, true
		}
		return visible(t.EnumValues, deprecated, func(v *schema.EnumValue) bool { return v.IsDeprecated }), true
	case "inputFields":
		if t.Kind != schema.TypeKindInputObject {
			return nil, true
		}
		return visible(t.GetOrderedInputFields(), deprecated, func(v *schema.InputValue) bool { return v.IsDeprecated }), true
	}
	return nil, false
}

// typeRefField answers for a field or argument type. Wrappers report their
// own kind and ofType; a named reference answers as the type it names.
func (r *runtime) typeRefField(tr *schema.TypeRef, field string, deprecated bool) (any, bool) {
	if tr.Kind != schema.TypeRefKindNamed {
		switch field {
		case "kind":
			return string(tr.Kind), true
		case "ofType":
			return tr.OfType, true
		}
		return nil, true
	}
	def := r.described.Types[tr.Named]
	if def == nil {
		if field == "name" {
			return tr.Named, true
		}
		return nil, true
	}
	return r.typeField(def, field, deprecated)
}

func fieldField(f *schema.Field, field string, deprecated bool) (any, bool) {
	switch field {
	case "name":
		return f.Name, true
	case "description":
		return f.Description, true
	case "args":
		return visible(f.GetOrderedArguments(), deprecated, func(v *schema.InputValue) bool { return v.IsDeprecated }), true
	case "type":
		return f.Type, true
	case "isDeprecated":
		return f.IsDeprecated, true
	case "deprecationReason":
		return reason(f.IsDeprecated, f.DeprecationReason), true
	}
	return nil, false
}

func (r *runtime) inputValueField(v *schema.InputValue, field string) (any, bool) {
	switch field {
	case "name":
		return v.Name, true
	case "description":
		return v.Description, true
	case "type":
		return v.Type, true
	case "defaultValue":
		if v.DefaultValue == nil {
			return nil, true
		}
		return r.literal(v.DefaultValue, v.Type), true
	case "isDeprecated":
		return v.IsDeprecated, true
	case "deprecationReason":
		return reason(v.IsDeprecated, v.DeprecationReason), true
	}
	return nil, false
}

func enumValueField(v *schema.EnumValue, field string) (any, bool) {
	switch field {
	case "name":
		return v.Name, true
	case "description":
		return v.Description, true
	case "isDeprecated":
		return v.IsDeprecated, true
	case "deprecationReason":
		return reason(v.IsDeprecated, v.DeprecationReason), true
	}
	return nil, false
}

func directiveField(d *schema.Directive, field string, deprecated bool) (any, bool) {
	switch field {
	case "name":
		return d.Name, true
	case "description":
		return d.Description, true
	case "isRepeatable":
		return d.IsRepeatable, true
	case "locations":
		locs := slices.Clone(d.Locations)
		slices.Sort(locs)
		return locs, true
	case "args":
		return visible(d.Arguments, deprecated, func(v *schema.InputValue) bool { return v.IsDeprecated }), true
	}
	return nil, false
}

// lookup returns the definitions of names, in order, skipping unknown ones.
func (r *runtime) lookup(names []string) []*schema.Type {
	return lo.FilterMap(names, func(name string, _ int) (*schema.Type, bool) {
		t := r.described.Types[name]
		return t, t != nil
	})
}

// literal prints a default value as GraphQL input syntax for type t.
func (r *runtime) literal(v any, t *schema.TypeRef) string {
	if v == nil {
		return "null"
	}
	if schema.IsNonNull(t) {
		return r.literal(v, t.OfType)
	}
	switch val := v.(type) {
	case []any:
		if t != nil && t.Kind == schema.TypeRefKindList {
			t = t.OfType
		}
		items := lo.Map(val, func(item any, _ int) string { return r.literal(item, t) })
		return "[" + strings.Join(items, ", ") + "]"
	case map[string]any:
		def := r.described.Types[schema.GetNamedType(t)]
		keys := lo.Keys(val)
		slices.Sort(keys)
		parts := lo.Map(keys, func(k string, _ int) string {
			var ft *schema.TypeRef
			if def != nil {
				if f, ok := lo.Find(def.InputFields, func(f *schema.InputValue) bool { return f.Name == k }); ok {
					ft = f.Type
				}
			}
			return k + ": " + r.literal(val[k], ft)
		})
		return "{" + strings.Join(parts, ", ") + "}"
	case string:
		if def := r.described.Types[schema.GetNamedType(t)]; def != nil && def.Kind == schema.TypeKindEnum {
			return val
		}
	}
	if b, err := json.Marshal(v); err == nil {
		return string(b)
	}
	return fmt.Sprint(v)
}

func visible[T any](items []T, deprecated bool, isDeprecated func(T) bool) []T {
	return lo.Filter(items, func(item T, _ int) bool { return deprecated || !isDeprecated(item) })
}

// reason is the deprecation reason, or null when not deprecated.
func reason(deprecated bool, why string) any {
	if !deprecated {
		return nil
	}
	return why
}
