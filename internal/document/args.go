package document

import "github.com/vektah/gqlparser/v2/ast"

// BindArgs evaluates a field's argument AST against the operation's
// variables, producing the plain-value map KeyGen.FieldKeyOf expects.
// This runs per-traversal since it depends on runtime variable values,
// not on document identity alone.
func BindArgs(args ast.ArgumentList, vars map[string]interface{}) map[string]interface{} {
	if len(args) == 0 {
		return nil
	}
	bound := make(map[string]interface{}, len(args))
	for _, arg := range args {
		if arg.Value == nil {
			continue
		}
		v, err := arg.Value.Value(vars)
		if err != nil {
			continue
		}
		bound[arg.Name] = v
	}
	return bound
}
