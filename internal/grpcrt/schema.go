package grpcrt

import (
	_ "embed"
	"fmt"

	"github.com/vektah/gqlparser/v2/ast"

	"github.com/fermi-ad/extapi-acsys/internal/protoreg"
	"github.com/fermi-ad/extapi-acsys/internal/schema"
)

//go:embed schema.graphql
var sdl string

// SDL returns the GraphQL schema served by the gateway.
func SDL() string { return sdl }

// Schema loads the gateway schema and binds it to the backend contracts of
// reg. The gqlparser schema is returned for query validation.
func Schema(reg *protoreg.Registry) (*schema.Schema, *ast.Schema, error) {
	sch, src, err := schema.Load("schema.graphql", sdl)
	if err != nil {
		return nil, nil, err
	}
	if err := Bind(sch, reg); err != nil {
		return nil, nil, err
	}
	return sch, src, nil
}

// Bind marks the backend-bound fields of sch async, records their
// dependencies and checks every bound method against reg.
func Bind(sch *schema.Schema, reg *protoreg.Registry) error {
	for key, b := range fieldBindings() {
		f := sch.Field(key.typ, key.field)
		if f == nil {
			return fmt.Errorf("grpcrt: schema has no field %s", key)
		}
		if err := b.check(reg, false); err != nil {
			return fmt.Errorf("grpcrt: %s: %w", key, err)
		}
		f.SetAsync(true).SetRequires(b.requires...)
	}
	for name, b := range streamBindings() {
		if sch.Field(sch.SubscriptionType, name) == nil {
			return fmt.Errorf("grpcrt: schema has no subscription field %s", name)
		}
		if err := b.check(reg, true); err != nil {
			return fmt.Errorf("grpcrt: subscription %s: %w", name, err)
		}
	}
	return nil
}
