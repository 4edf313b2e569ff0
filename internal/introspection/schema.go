package introspection

import (
	schema "github.com/fermi-ad/extapi-acsys/internal/schema"
)

// withIntrospection returns a copy of sch with the introspection types
// and the __schema and __type root fields. sch is left untouched.
func withIntrospection(sch *schema.Schema) *schema.Schema {
	out := &schema.Schema{
		QueryType:        sch.QueryType,
		MutationType:     sch.MutationType,
		SubscriptionType: sch.SubscriptionType,
		Types:            make(map[string]*schema.Type, len(sch.Types)+8),
		Directives:       sch.Directives,
		Description:      sch.Description,
	}
	for name, typ := range sch.Types {
		out.Types[name] = typ
	}
	for name, t := range schema.IntrospectionTypes() {
		out.Types[name] = t
	}

	query := sch.GetQueryType()
	if query == nil {
		return out
	}
	root := *query
	root.Fields = append(append([]*schema.Field(nil), query.Fields...),
		&schema.Field{
			Name:        "__schema",
			Description: "Access the current type schema of this server.",
			Type:        schema.NonNullType(schema.NamedType("__Schema")),
		},
		&schema.Field{
			Name:        "__type",
			Description: "Request the type information of a single type.",
			Arguments: []*schema.InputValue{{
				Name:        "name",
				Description: "The name of the type to look up.",
				Type:        schema.NonNullType(schema.NamedType("String")),
			}},
			Type: schema.NamedType("__Type"),
		},
	)
	out.Types[query.Name] = &root
	return out
}
