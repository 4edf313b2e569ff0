package executor

import (
	"context"
)

// Runtime defines the host integration surface for field resolution,
// abstract type resolution, and leaf-value serialization used by the Executor.
//
// General contract
//   - Sync fields (schema.Field.Async == false) resolve through ResolveSync on
//     the coordinator goroutine while the operation's field graph is expanded.
//     They must not block on the network.
//   - Async fields resolve through ResolveAsync, one call per field instance,
//     each on its own goroutine. Calls for independent fields run concurrently;
//     a call never starts before every field it depends on has resolved
//     successfully.
//   - ctx passed to ResolveAsync carries the operation deadline and, when
//     configured, the per-field timeout. Implementations must return once ctx
//     is done.
//   - Errors returned from any method become located GraphQL errors classified
//     with failure.KindOf. If the field's return type is Non-Null, the null
//     propagates to the top-level field.
//   - Implementations must be concurrency-safe and must not mutate source,
//     args or deps values.
//
// Object/field identifiers
// - objectType is the GraphQL type name (e.g. "Device").
// - field is the GraphQL field name on that type (e.g. "currentValue").
// - For root fields, objectType is the root type name (e.g. "Query").
// - source is the parent object value (nil for root).
// - args is the map of argument names to already-coerced Go values.
//
// Abstract types and leaf values
//   - ResolveType must return the concrete type name for interface/union values.
//   - SerializeLeafValue must coerce/serialize scalars and enums into JSON-safe
//     Go values. For enums, return the enum name as string.
type Runtime interface {
	// ResolveSync resolves a synchronous field value immediately.
	// Return (nil, nil) to produce a GraphQL null for nullable fields.
	ResolveSync(ctx context.Context, objectType string, field string, source any, args map[string]any) (any, error)

	// ResolveAsync resolves one backend-bound field.
	ResolveAsync(ctx context.Context, task ResolveTask) (any, error)

	// ResolveType determines the concrete runtime type name for a value of an
	// abstract GraphQL type (interface or union).
	ResolveType(ctx context.Context, abstractType string, value any) (string, error)

	// SerializeLeafValue serializes a scalar or enum value to a JSON-safe Go
	// value according to the GraphQL schema and custom scalar mappings.
	SerializeLeafValue(ctx context.Context, scalarOrEnumTypeName string, value any) (any, error)
}

type ResolveTask struct {
	// ObjectType is the parent GraphQL object type name for the field.
	ObjectType string
	// Field is the GraphQL field name to resolve.
	Field string
	// Source is the parent object value (nil for root fields).
	Source any
	// Args are the field arguments, coerced to Go values per the schema.
	Args map[string]any
	// Deps holds the raw values of the sibling fields named in the field's
	// Requires list, keyed by field name.
	Deps map[string]any
}
