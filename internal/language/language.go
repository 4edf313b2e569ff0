package language

import (
	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"
	"github.com/vektah/gqlparser/v2/parser"
	validatorrules "github.com/vektah/gqlparser/v2/validator/rules"
)

type (
	Error     = gqlerror.Error
	ErrorList = gqlerror.List
	Schema    = ast.Schema
)

func ParseQuery(source string) (*QueryDocument, error) {
	doc, err := parser.ParseQuery(&ast.Source{Input: source})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// LoadQuery parses source and validates it against sch. Subscriptions may
// select several root fields; each is served by its own stream.
func LoadQuery(sch *Schema, source string) (*QueryDocument, ErrorList) {
	rules := validatorrules.NewDefaultRules()
	rules.RemoveRule("SingleFieldSubscriptions")
	return gqlparser.LoadQueryWithRules(sch, source, rules)
}
