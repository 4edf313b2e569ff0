package schema

import (
	"bytes"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/formatter"
)

// Render prints src as SDL. Built-in scalars, directives and the
// introspection types are left out, so the output loads back unchanged.
func Render(src *ast.Schema) string {
	var buf bytes.Buffer
	formatter.NewFormatter(&buf).FormatSchema(src)
	return buf.String()
}
