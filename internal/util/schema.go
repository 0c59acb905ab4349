package util

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

var scalarTypes = map[reflect.Kind]string{
	reflect.String:  "string",
	reflect.Bool:    "boolean",
	reflect.Float32: "number",
	reflect.Float64: "number",
	reflect.Int:     "integer",
	reflect.Int32:   "integer",
	reflect.Int64:   "integer",
}

// StructSchema derives a JSON object schema from the exported scalar fields
// of a flat struct. Fields tagged json:"-" are skipped and fields without
// omitempty are required. The "description" and "minLength" tags are copied
// into the property. Any other field kind is an error.
func StructSchema(v any) (map[string]any, error) {
	t := reflect.TypeOf(v)
	if t == nil || t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("schema: %T is not a struct", v)
	}

	properties := make(map[string]any, t.NumField())
	var required []string
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name, opts, _ := strings.Cut(f.Tag.Get("json"), ",")
		if !f.IsExported() || name == "-" {
			continue
		}
		if name == "" {
			name = f.Name
		}

		typ, ok := scalarTypes[f.Type.Kind()]
		if !ok {
			return nil, fmt.Errorf("schema: field %s has unsupported kind %s", f.Name, f.Type.Kind())
		}
		prop := map[string]any{"type": typ}
		if d := f.Tag.Get("description"); d != "" {
			prop["description"] = d
		}
		if ml, err := strconv.Atoi(f.Tag.Get("minLength")); err == nil {
			prop["minLength"] = ml
		}
		properties[name] = prop

		if !strings.Contains(","+opts+",", ",omitempty,") {
			required = append(required, name)
		}
	}

	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema, nil
}
