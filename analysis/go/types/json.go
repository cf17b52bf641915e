package types

// CopyObject returns a deep copy of a JSON-shaped object: maps, slices, and
// scalars as produced by encoding/json. Returns nil for nil.
func CopyObject(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	rv := make(map[string]interface{}, len(m))
	for k, v := range m {
		rv[k] = copyValue(v)
	}
	return rv
}

func copyValue(v interface{}) interface{} {
	switch v := v.(type) {
	case map[string]interface{}:
		return CopyObject(v)
	case []interface{}:
		rv := make([]interface{}, len(v))
		for i, e := range v {
			rv[i] = copyValue(e)
		}
		return rv
	default:
		return v
	}
}
