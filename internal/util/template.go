package util

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
)

var funcs = template.FuncMap{
	"default": func(defaultVal any, val any) any {
		if val == nil || val == "" {
			return defaultVal
		}
		return val
	},
	"join": func(sep string, items any) string {
		switch v := items.(type) {
		case []string:
			return strings.Join(v, sep)
		case []any:
			strItems := make([]string, len(v))
			for i, item := range v {
				strItems[i] = fmt.Sprintf("%v", item)
			}
			return strings.Join(strItems, sep)
		default:
			return fmt.Sprintf("%v", items)
		}
	},
}

// ParseTemplate compiles a prompt template with the helper funcs attached,
// plus any extra funcs. Prompts are plain text, so no HTML escaping is applied.
func ParseTemplate(name, text string, extra ...template.FuncMap) (*template.Template, error) {
	tmpl := template.New(name).Funcs(funcs)
	for _, fm := range extra {
		tmpl = tmpl.Funcs(fm)
	}
	return tmpl.Parse(text)
}

// Execute runs a compiled template against data.
func Execute(tmpl *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}

	return buf.String(), nil
}
