package executor

import (
	"context"
	"fmt"
	"sync"

	schema "github.com/fermi-ad/extapi-acsys/internal/schema"
)

// MockResolver resolves a single field; MockRuntime routes sync and async
// calls to it by "ObjectType.Field".
type MockResolver func(ctx context.Context, source any, args map[string]any) (any, error)

// CallKind identifies whether a call was from ResolveSync or ResolveAsync.
const (
	CallKindSync  = "sync"
	CallKindAsync = "async"
)

// NewMockValueResolver returns a MockResolver that always returns the provided value.
func NewMockValueResolver(val any) MockResolver {
	return func(ctx context.Context, source any, args map[string]any) (any, error) {
		return val, nil
	}
}

// NewMockErrorResolver returns a MockResolver that always returns the provided error.
func NewMockErrorResolver(err error) MockResolver {
	return func(ctx context.Context, source any, args map[string]any) (any, error) {
		return nil, err
	}
}

// NewMockBlockingResolver returns a MockResolver that waits until release is
// closed or ctx ends, then returns val.
func NewMockBlockingResolver(release <-chan struct{}, val any) MockResolver {
	return func(ctx context.Context, source any, args map[string]any) (any, error) {
		select {
		case <-release:
			return val, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Call represents a single task-level invocation record, logged when the
// resolver returns.
type Call struct {
	Kind       string
	ObjectType string
	Field      string
	Source     any
	Args       map[string]any
	Deps       map[string]any
}

// DepsKey is the context key under which MockRuntime exposes ResolveTask.Deps
// to resolvers.
type DepsKey struct{}

// MockRuntime implements Runtime with a single resolver registry and a single call log.
type MockRuntime struct {
	mu        sync.Mutex
	resolvers map[string]MockResolver
	calls     []Call
	started   []string

	typeResolver func(value any) (string, error)
	serializer   func(val any, t schema.TypeRef) (any, error)
}

// NewMockRuntime creates a MockRuntime with the provided resolvers.
// The resolvers map keys are of the form "ObjectType.Field".
func NewMockRuntime(resolvers map[string]MockResolver) *MockRuntime {
	m := &MockRuntime{
		resolvers: make(map[string]MockResolver),
		typeResolver: func(value any) (string, error) {
			if m, ok := value.(map[string]any); ok {
				if typename, ok := m["__typename"].(string); ok {
					return typename, nil
				}
			}
			return "", fmt.Errorf("cannot resolve type")
		},
		serializer: func(val any, t schema.TypeRef) (any, error) {
			return val, nil
		},
	}
	for k, v := range resolvers {
		m.resolvers[k] = v
	}
	return m
}

// SetResolver registers or updates a resolver for the given object type and field.
func (m *MockRuntime) SetResolver(objectType, field string, resolver MockResolver) {
	key := objectType + "." + field
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resolvers[key] = resolver
}

func SetTypeResolver(r Runtime, f func(value any) (string, error)) {
	if mr, ok := r.(*MockRuntime); ok {
		mr.mu.Lock()
		mr.typeResolver = f
		mr.mu.Unlock()
	}
}

func SetSerializer(r Runtime, f func(val any, t schema.TypeRef) (any, error)) {
	if mr, ok := r.(*MockRuntime); ok {
		mr.mu.Lock()
		mr.serializer = f
		mr.mu.Unlock()
	}
}

// ResolveSync implements Runtime.ResolveSync.
func (m *MockRuntime) ResolveSync(ctx context.Context, objectType string, field string, source any, args map[string]any) (any, error) {
	val, err := m.invoke(ctx, objectType+"."+field, source, args)
	m.record(Call{Kind: CallKindSync, ObjectType: objectType, Field: field, Source: source, Args: args})
	return val, err
}

// ResolveAsync implements Runtime.ResolveAsync. Deps are made available to
// the resolver through DepsKey.
func (m *MockRuntime) ResolveAsync(ctx context.Context, task ResolveTask) (any, error) {
	key := task.ObjectType + "." + task.Field
	m.mu.Lock()
	m.started = append(m.started, key)
	m.mu.Unlock()

	val, err := m.invoke(context.WithValue(ctx, DepsKey{}, task.Deps), key, task.Source, task.Args)
	m.record(Call{Kind: CallKindAsync, ObjectType: task.ObjectType, Field: task.Field, Source: task.Source, Args: task.Args, Deps: task.Deps})
	return val, err
}

func (m *MockRuntime) invoke(ctx context.Context, key string, source any, args map[string]any) (any, error) {
	m.mu.Lock()
	r := m.resolvers[key]
	m.mu.Unlock()
	if r == nil {
		return nil, nil
	}
	return r(ctx, source, args)
}

func (m *MockRuntime) record(c Call) {
	m.mu.Lock()
	m.calls = append(m.calls, c)
	m.mu.Unlock()
}

// ResolveType implements Runtime.ResolveType
func (m *MockRuntime) ResolveType(ctx context.Context, abstractType string, value any) (string, error) {
	if m.typeResolver == nil {
		return "", fmt.Errorf("type resolver not configured")
	}
	return m.typeResolver(value)
}

// SerializeLeafValue implements Runtime.SerializeLeafValue
func (m *MockRuntime) SerializeLeafValue(ctx context.Context, scalarOrEnumTypeName string, value any) (any, error) {
	if m.serializer == nil {
		return value, nil
	}
	return m.serializer(value, *schema.NamedType(scalarOrEnumTypeName))
}

// GetCalls returns a copy of the recorded calls in completion order.
func (m *MockRuntime) GetCalls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// Started returns the "ObjectType.Field" keys of async calls in the order
// they were dispatched.
func (m *MockRuntime) Started() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.started...)
}

// Called reports whether a resolver for objectType.field ran.
func (m *MockRuntime) Called(objectType, field string) bool {
	for _, c := range m.GetCalls() {
		if c.ObjectType == objectType && c.Field == field {
			return true
		}
	}
	return false
}

// Reset clears recorded calls (resolvers remain).
func (m *MockRuntime) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.started = nil
}
