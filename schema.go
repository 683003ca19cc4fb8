package graphcache

// IntrospectionSchema is the already-minified introspection descriptor the
// host pipeline may supply - downloading and decoding introspection is the
// host's job, this cache only consumes the result. It records, per
// typename, which fields the schema declares nullable, letting the read
// traversal tolerate those fields being missing the same way an explicit
// @_optional would.
type IntrospectionSchema struct {
	// Nullable maps typename -> fieldName -> whether the schema declares
	// that field nullable.
	Nullable map[string]map[string]bool
}

// NewIntrospectionSchema builds a schema from a typename->nullable-fields
// map, the shape a host pipeline's own introspection decoder would already
// produce.
func NewIntrospectionSchema(nullable map[string]map[string]bool) *IntrospectionSchema {
	return &IntrospectionSchema{Nullable: nullable}
}

// IsNullable implements internal/readtrav.SchemaNullability.
func (s *IntrospectionSchema) IsNullable(typename, fieldName string) bool {
	if s == nil {
		return false
	}
	fields, ok := s.Nullable[typename]
	if !ok {
		return false
	}
	return fields[fieldName]
}
