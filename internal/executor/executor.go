package executor

import (
	"context"
	"fmt"
	"reflect"

	"github.com/fermi-ad/extapi-acsys/internal/failure"
	language "github.com/fermi-ad/extapi-acsys/internal/language"
	schema "github.com/fermi-ad/extapi-acsys/internal/schema"
)

type Path []PathElement

type PathElement any

type NodeID uint64

// executionState holds the state of one operation. It is owned by the
// coordinator goroutine; resolver goroutines only see ResolveTask values.
type executionState struct {
	runtime        Runtime
	schema         *schema.Schema
	document       *language.QueryDocument
	variableValues map[string]any
	context        context.Context
	opts           Options
	result         *aggregator
	sched          *scheduler
	// prefixes of paths that have been nullified (tombstoned)
	nullifiedPrefix map[string]struct{}
}

type asyncPending struct{}

type Executor struct {
	runtime Runtime
	schema  *schema.Schema
	opts    Options
}

func NewExecutor(runtime Runtime, schema *schema.Schema, opts ...Option) *Executor {
	e := &Executor{runtime: runtime, schema: schema}
	for _, opt := range opts {
		opt(&e.opts)
	}
	return e
}

// ExecuteRequest runs a query or mutation. Backend-bound fields are
// dispatched as soon as the fields they depend on have resolved; a failed
// field fails its direct dependents with DependencyFailed and leaves every
// other field untouched. When ctx expires, fields that have not resolved
// are reported as Timeout and the partial result is returned.
func (e *Executor) ExecuteRequest(
	ctx context.Context,
	document *language.QueryDocument,
	operationName string,
	variableValues map[string]any,
	initialValue any,
) *ExecutionResult {
	state, operation, gerr := e.prepare(ctx, document, operationName, variableValues)
	if gerr != nil {
		return &ExecutionResult{Errors: []GraphQLError{*gerr}}
	}

	var rootType *schema.Type
	switch operation.Operation {
	case language.Query:
		rootType = e.schema.GetQueryType()
	case language.Mutation:
		rootType = e.schema.GetMutationType()
	case language.Subscription:
		return requestError(failure.InvalidArgument, "subscriptions must be executed over a streaming transport")
	default:
		return requestError(failure.InvalidArgument, fmt.Sprintf("unsupported operation type: %s", operation.Operation))
	}
	if rootType == nil {
		return requestError(failure.InvalidArgument, fmt.Sprintf("root type not found for %s operation", operation.Operation))
	}

	roots := len(state.sched.fresh)
	rootResult := executeSelectionSet(state, rootType, operation.SelectionSet, initialValue, Path{})
	for k, v := range rootResult {
		if state.hasNullifiedPrefix(Path{k}) {
			continue
		}
		state.result.data[k] = v
	}
	if operation.Operation == language.Mutation {
		// root mutation fields run one after another in document order
		state.sched.serialize(state.sched.fresh[roots:])
	}

	state.sched.run()
	return state.result.result()
}

// RootField is one top-level field of a subscription operation.
type RootField struct {
	ResponseName string
	Name         string
	Args         map[string]any
}

// SubscriptionFields returns the top-level fields of a subscription
// operation with their arguments coerced.
func (e *Executor) SubscriptionFields(document *language.QueryDocument, operationName string, variableValues map[string]any) ([]RootField, error) {
	state, operation, gerr := e.prepare(context.Background(), document, operationName, variableValues)
	if gerr != nil {
		return nil, failure.New(failure.InvalidArgument, "", gerr.Message)
	}
	if operation.Operation != language.Subscription {
		return nil, failure.Newf(failure.InvalidArgument, "", "operation %q is a %s, not a subscription", operation.Name, operation.Operation)
	}
	rootType := e.schema.GetSubscriptionType()
	if rootType == nil {
		return nil, failure.New(failure.InvalidArgument, "", "schema does not define a subscription type")
	}

	var out []RootField
	for _, cf := range collectFields(state, rootType, operation.SelectionSet).orderedFields() {
		fieldDef := getFieldDefinition(rootType, cf.Fields[0].Name)
		if fieldDef == nil {
			return nil, failure.Newf(failure.InvalidArgument, "", "cannot subscribe to field '%s'", cf.Fields[0].Name)
		}
		args := coerceArgumentValues(fieldDef, cf.Fields[0].Arguments, state.variableValues, state, Path{cf.ResponseName})
		if len(state.result.errors) > 0 {
			return nil, failure.New(failure.InvalidArgument, "", state.result.errors[0].Message)
		}
		out = append(out, RootField{ResponseName: cf.ResponseName, Name: fieldDef.Name, Args: args})
	}
	if len(out) == 0 {
		return nil, failure.New(failure.InvalidArgument, "", "subscription selects no fields")
	}
	return out, nil
}

// ExecuteEvent completes one event produced by the subscription field
// selected under responseName. The result's data holds only that field.
func (e *Executor) ExecuteEvent(
	ctx context.Context,
	document *language.QueryDocument,
	operationName string,
	variableValues map[string]any,
	responseName string,
	event any,
) *ExecutionResult {
	state, operation, gerr := e.prepare(ctx, document, operationName, variableValues)
	if gerr != nil {
		return &ExecutionResult{Errors: []GraphQLError{*gerr}}
	}
	rootType := e.schema.GetSubscriptionType()
	if rootType == nil {
		return requestError(failure.InvalidArgument, "schema does not define a subscription type")
	}

	var fields []*language.Field
	for _, cf := range collectFields(state, rootType, operation.SelectionSet).orderedFields() {
		if cf.ResponseName == responseName {
			fields = cf.Fields
			break
		}
	}
	if fields == nil {
		return requestError(failure.InvalidArgument, fmt.Sprintf("subscription has no field %q", responseName))
	}
	fieldDef := getFieldDefinition(rootType, fields[0].Name)
	if fieldDef == nil {
		return requestError(failure.InvalidArgument, fmt.Sprintf("cannot subscribe to field '%s'", fields[0].Name))
	}

	path := Path{responseName}
	completed := completeValue(state, fieldDef.Type, fields, event, path)
	if !state.hasNullifiedPrefix(path) {
		state.result.resolve(path, completed)
	}
	state.sched.run()
	return state.result.result()
}

func (e *Executor) prepare(ctx context.Context, document *language.QueryDocument, operationName string, variableValues map[string]any) (*executionState, *language.OperationDefinition, *GraphQLError) {
	operation := getOperation(document, operationName)
	if operation == nil {
		ge := NewError(nil, failure.New(failure.InvalidArgument, "", "operation not found"))
		return nil, nil, &ge
	}
	coercedVariableValues, err := coerceVariableValues(e.schema, operation, variableValues)
	if err != nil {
		ge := NewError(nil, failure.Wrap(failure.InvalidArgument, "", err, err.Error()))
		return nil, nil, &ge
	}
	state := &executionState{
		runtime:         e.runtime,
		schema:          e.schema,
		document:        document,
		variableValues:  coercedVariableValues,
		context:         ctx,
		opts:            e.opts,
		result:          newAggregator(),
		nullifiedPrefix: make(map[string]struct{}),
	}
	state.sched = newScheduler(state)
	return state, operation, nil
}

func requestError(kind failure.Kind, message string) *ExecutionResult {
	return &ExecutionResult{Errors: []GraphQLError{NewError(nil, failure.New(kind, "", message))}}
}

// siblings tracks the fields of one object instance so that fields naming
// a sibling in their Requires list can be linked to it.
type siblings struct {
	objectType *schema.Type
	source     any
	path       Path
	tasks      map[string]*fieldTask
	values     map[string]any
	failed     map[string]error
	created    []*fieldTask
}

func newSiblings(objectType *schema.Type, source any, path Path) *siblings {
	return &siblings{
		objectType: objectType,
		source:     source,
		path:       path,
		tasks:      make(map[string]*fieldTask),
		values:     make(map[string]any),
		failed:     make(map[string]error),
	}
}

// executeSelectionSet executes a selection set, registering backend-bound
// fields with the scheduler. Nothing is dispatched until the scheduler
// flushes, so dependency edges added here are in place before any call.
func executeSelectionSet(state *executionState, objectType *schema.Type, selectionSet language.SelectionSet, objectValue any, path Path) map[string]any {
	groupedFields := collectFields(state, objectType, selectionSet)
	resultMap := make(map[string]any)
	sib := newSiblings(objectType, objectValue, path)

	for _, collectedField := range groupedFields.orderedFields() {
		responseName := collectedField.ResponseName
		fields := collectedField.Fields
		fieldPath := appendPath(path, responseName)

		fieldResult := executeFieldGroup(state, sib, fields, fieldPath)

		// Handle __typename special case
		if fields[0].Name == "__typename" {
			resultMap[responseName] = fieldResult
			continue
		}

		fieldDef := getFieldDefinition(objectType, fields[0].Name)
		if fieldDef == nil {
			// Unknown field – error was already recorded in executeFieldGroup; do not include it
			continue
		}

		// Handle non-null child behavior with nullish detection
		if schema.IsNonNull(fieldDef.Type) && isNullish(fieldResult) {
			if len(path) > 0 {
				state.sched.discardUnder(path)
				return nil
			}
			// Root level: keep going but write nil
			resultMap[responseName] = nil
			continue
		}

		// For nullable fields, coerce typed-nil to interface-nil
		if isNullish(fieldResult) {
			resultMap[responseName] = nil
		} else {
			resultMap[responseName] = fieldResult
		}
	}

	linkRequires(state, sib)
	// fields failed while linking are not in the response tree yet
	for _, t := range sib.created {
		if t.hidden || t.state != taskFailed {
			continue
		}
		if name, ok := t.path[len(t.path)-1].(string); ok {
			resultMap[name] = nil
		}
	}
	return resultMap
}

func executeFieldGroup(state *executionState, sib *siblings, fields []*language.Field, path Path) any {
	field := fields[0]
	fieldName := field.Name
	objectType := sib.objectType

	// Handle __typename meta field
	if fieldName == "__typename" {
		return objectType.Name
	}

	fieldDef := getFieldDefinition(objectType, fieldName)
	if fieldDef == nil {
		state.invalid(path, "Cannot query field '%s' on type '%s'", fieldName, objectType.Name)
		return nil
	}

	argumentValues := coerceArgumentValues(fieldDef, field.Arguments, state.variableValues, state, path)

	if !fieldDef.Async {
		value, err := state.runtime.ResolveSync(state.context, objectType.Name, fieldName, sib.source, argumentValues)
		if err != nil {
			state.result.fail(path, err)
			if _, seen := sib.failed[fieldName]; !seen {
				sib.failed[fieldName] = err
			}
			return nil
		}
		if _, seen := sib.values[fieldName]; !seen {
			sib.values[fieldName] = value
		}
		return completeValue(state, fieldDef.Type, fields, value, path)
	}

	t := state.sched.add(ResolveTask{
		ObjectType: objectType.Name,
		Field:      fieldName,
		Source:     sib.source,
		Args:       argumentValues,
	}, path, fieldDef.Type, fields, false)
	if _, seen := sib.tasks[fieldName]; !seen {
		sib.tasks[fieldName] = t
	}
	sib.created = append(sib.created, t)
	return asyncPending{}
}

// linkRequires adds dependency edges for the backend-bound fields of sib.
// A required sibling that was not selected is resolved as a hidden field
// whose value only feeds its dependents.
func linkRequires(state *executionState, sib *siblings) {
	for i := 0; i < len(sib.created); i++ {
		t := sib.created[i]
		fieldDef := getFieldDefinition(sib.objectType, t.task.Field)
		if fieldDef == nil {
			continue
		}
		for _, req := range fieldDef.Requires {
			if t.state != taskWaiting {
				break
			}
			if dep, ok := sib.tasks[req]; ok {
				if dep == t {
					state.sched.fail(t, failure.Newf(failure.DependencyFailed, "", "field %q requires itself", req))
					continue
				}
				state.sched.link(dep, t)
				continue
			}
			if err, ok := sib.failed[req]; ok {
				state.sched.fail(t, dependencyError(req, err))
				continue
			}
			if v, ok := sib.values[req]; ok {
				t.task.Deps[req] = v
				continue
			}

			reqDef := getFieldDefinition(sib.objectType, req)
			if reqDef == nil {
				state.sched.fail(t, failure.Newf(failure.DependencyFailed, "", "unknown dependency %q", req))
				continue
			}
			args := coerceArgumentValues(reqDef, nil, state.variableValues, state, t.path)
			if !reqDef.Async {
				v, err := state.runtime.ResolveSync(state.context, sib.objectType.Name, req, sib.source, args)
				if err != nil {
					sib.failed[req] = err
					state.sched.fail(t, dependencyError(req, err))
					continue
				}
				sib.values[req] = v
				t.task.Deps[req] = v
				continue
			}
			hidden := state.sched.add(ResolveTask{
				ObjectType: sib.objectType.Name,
				Field:      req,
				Source:     sib.source,
				Args:       args,
			}, appendPath(sib.path, req), reqDef.Type, nil, true)
			sib.tasks[req] = hidden
			sib.created = append(sib.created, hidden)
			state.sched.link(hidden, t)
		}
	}
}

func dependencyError(field string, err error) error {
	return failure.Wrap(failure.DependencyFailed, "", err, fmt.Sprintf("dependency %q failed: %v", field, err))
}

// completeTask writes the value of a resolved backend-bound field.
func (state *executionState) completeTask(t *fieldTask, value any) {
	path := t.path
	// If this path is already nullified by an ancestor, ignore
	if state.hasNullifiedPrefix(path) {
		return
	}

	completed := completeValue(state, t.fieldType, t.fields, value, path)

	// If non-null type but completion yielded nullish → propagate
	if schema.IsNonNull(t.fieldType) && isNullish(completed) {
		state.nullify(path)
		return
	}
	state.result.resolve(path, completed)
}

// failTask records the error of a backend-bound field, with non-null
// propagation to the top-level field.
func (state *executionState) failTask(t *fieldTask, err error) {
	path := t.path
	if state.hasNullifiedPrefix(path) {
		return
	}
	if schema.IsNonNull(t.fieldType) {
		state.result.record(path, NewError(path, err))
		state.nullify(path)
		return
	}
	state.result.fail(path, err)
}

func (state *executionState) nullify(path Path) {
	top := topLevelFieldPath(path)
	setValueAtPath(state.result.data, top, nil)
	state.markNullifiedPrefix(top)
}

// completeValue completes a value
func completeValue(state *executionState, fieldType *schema.TypeRef, fields []*language.Field, result any, path Path) any {
	if schema.IsNonNull(fieldType) {
		if isNullish(result) {
			if !state.result.hasErrorAt(path) {
				state.violation(path, "Cannot return null for non-nullable field %s", pathToString(path))
			}
			return nil
		}
		inner := schema.Unwrap(fieldType)
		completed := completeValue(state, inner, fields, result, path)
		if isNullish(completed) {
			// Error already recorded at its own path; propagate only
			return nil
		}
		return completed
	}

	if isNullish(result) {
		return nil
	}

	if schema.IsList(fieldType) {
		return completeListValue(state, fieldType, fields, result, path)
	}
	namedType := schema.GetNamedType(fieldType)
	typeObj := state.schema.Types[namedType]
	if typeObj == nil {
		state.violation(path, "Unknown type: %s", namedType)
		return nil
	}

	switch typeObj.Kind {
	case schema.TypeKindScalar, schema.TypeKindEnum:
		serialized, err := state.runtime.SerializeLeafValue(state.context, namedType, result)
		if err != nil {
			state.addError(path, failure.Wrap(failure.ProtocolViolation, "", err, err.Error()))
			return nil
		}
		return serialized
	case schema.TypeKindObject:
		return completeObjectValue(state, typeObj, fields, result, path)
	case schema.TypeKindInterface, schema.TypeKindUnion:
		return completeAbstractValue(state, namedType, fields, result, path)
	default:
		state.violation(path, "Cannot complete value of unexpected type: %s", typeObj.Kind)
		return nil
	}
}

// completeListValue completes a list value
func completeListValue(state *executionState, listType *schema.TypeRef, fields []*language.Field, result any, path Path) any {
	var items []any
	if direct, ok := result.([]any); ok {
		items = direct
	} else {
		rv := reflect.ValueOf(result)
		if rv.Kind() != reflect.Slice {
			state.violation(path, "Expected list value, got %T", result)
			return nil
		}
		items = make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			items[i] = rv.Index(i).Interface()
		}
	}

	inner := schema.Unwrap(listType)
	completed := make([]any, len(items))
	for i, item := range items {
		p := appendPath(path, i)
		v := completeValue(state, inner, fields, item, p)
		if schema.IsNonNull(inner) && isNullish(v) {
			// Propagate null to the list field; error already recorded by inner completion
			return nil
		}
		completed[i] = v
	}
	return completed
}

func completeObjectValue(state *executionState, objectType *schema.Type, fields []*language.Field, result any, path Path) any {
	sub := mergeSelectionSets(fields)
	return executeSelectionSet(state, objectType, sub, result, path)
}

func completeAbstractValue(state *executionState, abstractTypeName string, fields []*language.Field, result any, path Path) any {
	typeName, err := state.runtime.ResolveType(state.context, abstractTypeName, result)
	if err != nil {
		state.addError(path, failure.Wrap(failure.ProtocolViolation, "", err, err.Error()))
		return nil
	}
	objectType := state.schema.Types[typeName]
	if objectType == nil || objectType.Kind != schema.TypeKindObject {
		state.violation(path, "Abstract type %s must resolve to an Object type at runtime. Got: %s", abstractTypeName, typeName)
		return nil
	}
	return completeObjectValue(state, objectType, fields, result, path)
}

func pathToString(path Path) string {
	result := ""
	for i, elem := range path {
		if i > 0 {
			result += "."
		}
		switch v := elem.(type) {
		case string:
			result += v
		case int:
			result += fmt.Sprintf("[%d]", v)
		}
	}
	return result
}

func appendPath(path Path, elem PathElement) Path {
	newPath := make(Path, len(path)+1)
	copy(newPath, path)
	newPath[len(path)] = elem
	return newPath
}

// Prefix tombstone helpers
func (s *executionState) markNullifiedPrefix(p Path) {
	key := pathToString(p)
	if key != "" {
		s.nullifiedPrefix[key] = struct{}{}
	}
}

func (s *executionState) hasNullifiedPrefix(p Path) bool {
	if len(s.nullifiedPrefix) == 0 {
		return false
	}
	// Build prefixes progressively
	cur := Path{}
	for _, elem := range p {
		cur = append(cur, elem)
		key := pathToString(cur)
		if _, ok := s.nullifiedPrefix[key]; ok {
			return true
		}
	}
	return false
}

func topLevelFieldPath(p Path) Path {
	for _, elem := range p {
		if name, ok := elem.(string); ok {
			return Path{name}
		}
	}
	return Path{}
}

// getOperation retrieves the operation from the document
func getOperation(document *language.QueryDocument, operationName string) *language.OperationDefinition {
	if document == nil {
		return nil
	}
	if operationName == "" && len(document.Operations) == 1 {
		for _, op := range document.Operations {
			return op
		}
	}
	for _, op := range document.Operations {
		if op.Name == operationName {
			return op
		}
	}
	return nil
}

func typeRefFromAST(t *language.Type) *schema.TypeRef {
	if t == nil {
		return nil
	}
	if t.NonNull {
		return schema.NonNullType(typeRefFromAST(&language.Type{NamedType: t.NamedType, Elem: t.Elem}))
	}
	if t.NamedType != "" {
		return schema.NamedType(t.NamedType)
	}
	if t.Elem != nil {
		return schema.ListType(typeRefFromAST(t.Elem))
	}
	return nil
}

func (state *executionState) addError(path Path, err error) {
	state.result.record(path, NewError(path, err))
}

// invalid records a request-level problem such as an uncoercible argument.
func (state *executionState) invalid(path Path, format string, args ...any) {
	state.addError(path, failure.Newf(failure.InvalidArgument, "", format, args...))
}

// violation records a value that does not match its declared type.
func (state *executionState) violation(path Path, format string, args ...any) {
	state.addError(path, failure.Newf(failure.ProtocolViolation, "", format, args...))
}

// Helper function to set value at a specific path in response tree
func setValueAtPath(responseRoot map[string]any, path Path, value any) {
	if len(path) == 0 {
		return
	}
	current := any(responseRoot)
	for _, elem := range path[:len(path)-1] {
		switch e := elem.(type) {
		case string:
			m, ok := current.(map[string]any)
			if !ok {
				return
			}
			next, ok := m[e]
			if !ok || next == nil {
				// the ancestor is nulled or not attached yet; the caller's
				// result map already holds the value
				return
			}
			current = next
		case int:
			slice, ok := current.([]any)
			if !ok || e >= len(slice) || slice[e] == nil {
				return
			}
			current = slice[e]
		}
	}
	switch fe := path[len(path)-1].(type) {
	case string:
		if m, ok := current.(map[string]any); ok {
			m[fe] = value
		}
	case int:
		if slice, ok := current.([]any); ok && fe < len(slice) {
			slice[fe] = value
		}
	}
}

// mergeSelectionSets merges selection sets from multiple fields
func mergeSelectionSets(fields []*language.Field) language.SelectionSet {
	var merged language.SelectionSet
	for _, f := range fields {
		merged = append(merged, f.SelectionSet...)
	}
	return merged
}

// isNullish returns true for nil interfaces and typed nils (map, slice, ptr, interface)
func isNullish(v any) bool {
	if v == nil {
		return true
	}
	if _, ok := v.(asyncPending); ok {
		return false
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Interface, reflect.Ptr, reflect.Slice, reflect.Map, reflect.Func, reflect.Chan:
		return rv.IsNil()
	default:
		return false
	}
}
