package schemagen

import (
	"reflect"
	"strconv"

	"github.com/invopop/jsonschema"
)

// GenerateSchema reflects the JSON schema of configObject, without references
// and with every property inlined.
func GenerateSchema(title string, configObject interface{}) *jsonschema.Schema {
	var reflector = jsonschema.Reflector{
		ExpandedStruct: true,
		DoNotReference: true,
	}
	var schema = reflector.ReflectFromType(reflect.TypeOf(configObject))
	schema.AdditionalProperties = nil // Unset permits additional properties on the root object.
	schema.Definitions = nil
	schema.Title = title

	walkSchema(schema, fixFlagBools("advanced", "secret"), fixOrderInts)
	return schema
}

// walkSchema applies each visit to every property schema beneath root, in
// declaration order.
func walkSchema(root *jsonschema.Schema, visits ...func(*jsonschema.Schema)) {
	if root.Properties == nil {
		return
	}
	for pair := root.Properties.Oldest(); pair != nil; pair = pair.Next() {
		for _, visit := range visits {
			visit(pair.Value)
		}
		walkSchema(pair.Value, visits...)
		if pair.Value.Items != nil {
			walkSchema(pair.Value.Items, visits...)
		}
	}
}

// Struct tag extras are always strings. Flags are booleans in the schema.
func fixFlagBools(flags ...string) func(*jsonschema.Schema) {
	return func(t *jsonschema.Schema) {
		for _, flag := range flags {
			switch t.Extras[flag] {
			case "true":
				t.Extras[flag] = true
			case "false":
				t.Extras[flag] = false
			}
		}
	}
}

func fixOrderInts(t *jsonschema.Schema) {
	if str, ok := t.Extras["order"].(string); ok {
		if n, err := strconv.Atoi(str); err == nil {
			t.Extras["order"] = n
		}
	}
}
