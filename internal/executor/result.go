package executor

import (
	"github.com/fermi-ad/extapi-acsys/internal/failure"
)

// GraphQLError represents an error that occurred during execution
type GraphQLError struct {
	Message    string         `json:"message"`
	Path       Path           `json:"path,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

func (e GraphQLError) Error() string {
	return e.Message
}

// Kind returns the failure kind recorded in the error's extensions.
func (e GraphQLError) Kind() failure.Kind {
	k, _ := e.Extensions["kind"].(string)
	return failure.Kind(k)
}

// ExecutionResult represents the result of executing a GraphQL query
type ExecutionResult struct {
	Data   any            `json:"data"`
	Errors []GraphQLError `json:"errors,omitempty"`
}

// NewError builds a located error classified from err.
func NewError(path Path, err error) GraphQLError {
	ext := map[string]any{"kind": string(failure.KindOf(err))}
	if b := failure.BackendOf(err); b != "" {
		ext["backend"] = b
	}
	return GraphQLError{Message: err.Error(), Path: path, Extensions: ext}
}

// aggregator assembles one response envelope. Values land in a map tree so
// the final data does not depend on the order fields complete in; errors are
// appended in completion order.
type aggregator struct {
	data   map[string]any
	errors []GraphQLError
	failed map[string]struct{}
}

func newAggregator() *aggregator {
	return &aggregator{
		data:   make(map[string]any),
		errors: []GraphQLError{},
		failed: make(map[string]struct{}),
	}
}

// resolve writes a completed value, or null for nullish values.
func (a *aggregator) resolve(path Path, value any) {
	if isNullish(value) {
		value = nil
	}
	setValueAtPath(a.data, path, value)
}

// fail records err for path and writes null there. A path is reported at
// most once.
func (a *aggregator) fail(path Path, err error) {
	a.record(path, NewError(path, err))
	setValueAtPath(a.data, path, nil)
}

// record appends an error without touching the data tree.
func (a *aggregator) record(path Path, ge GraphQLError) {
	key := pathToString(path)
	if _, dup := a.failed[key]; dup && key != "" {
		return
	}
	a.failed[key] = struct{}{}
	a.errors = append(a.errors, ge)
}

func (a *aggregator) hasErrorAt(path Path) bool {
	_, ok := a.failed[pathToString(path)]
	return ok
}

func (a *aggregator) result() *ExecutionResult {
	return &ExecutionResult{Data: a.data, Errors: a.errors}
}
