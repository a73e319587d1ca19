package schema

import "fmt"

// Validate checks doc against the schema and returns a typed value holding
// only the declared fields. Unknown extra fields are dropped, not rejected.
// A nil value for an optional field is treated as absent; for a required
// field it is a validation failure. Validation is total: the result is either
// a fully typed map or a *ValidationError.
func Validate(doc map[string]any, s Schema) (map[string]any, error) {
	return validateFields(doc, s.Fields, "")
}

func validateFields(doc map[string]any, fields []FieldSpec, prefix string) (map[string]any, error) {
	out := make(map[string]any, len(fields))

	for _, f := range fields {
		path := f.Key
		if prefix != "" {
			path = prefix + "." + f.Key
		}

		val, present := doc[f.Key]
		if !present || val == nil {
			if f.Required {
				return nil, &ValidationError{Field: path, Reason: "required field missing"}
			}
			continue
		}

		typed, err := validateValue(val, f, path)
		if err != nil {
			return nil, err
		}
		out[f.Key] = typed
	}

	return out, nil
}

func validateValue(val any, f FieldSpec, path string) (any, error) {
	switch f.Type {
	case TypeString:
		s, ok := val.(string)
		if !ok {
			return nil, &ValidationError{Field: path, Reason: fmt.Sprintf("expected string, got %T", val)}
		}
		return s, nil

	case TypeBool:
		b, ok := val.(bool)
		if !ok {
			return nil, &ValidationError{Field: path, Reason: fmt.Sprintf("expected bool, got %T", val)}
		}
		return b, nil

	case TypeEnum:
		s, ok := val.(string)
		if !ok {
			return nil, &ValidationError{Field: path, Reason: fmt.Sprintf("expected enum string, got %T", val)}
		}
		for _, allowed := range f.Enum {
			if s == allowed {
				return s, nil
			}
		}
		return nil, &ValidationError{Field: path, Reason: fmt.Sprintf("value %q not in enum", s)}

	case TypeList:
		items, ok := val.([]any)
		if !ok {
			return nil, &ValidationError{Field: path, Reason: fmt.Sprintf("expected list, got %T", val)}
		}
		out := make([]map[string]any, 0, len(items))
		for i, item := range items {
			elem, ok := item.(map[string]any)
			if !ok {
				return nil, &ValidationError{
					Field:  fmt.Sprintf("%s[%d]", path, i),
					Reason: fmt.Sprintf("expected object, got %T", item),
				}
			}
			typed, err := validateFields(elem, f.Fields, fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return nil, err
			}
			out = append(out, typed)
		}
		return out, nil

	default:
		return nil, &ValidationError{Field: path, Reason: fmt.Sprintf("unknown field type %q", f.Type)}
	}
}
