package tool

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"llmproxy/internal/models"
)

const (
	typeObject  = "object"
	typeInteger = "integer"
	typeNumber  = "number"
	typeString  = "string"
	typeBoolean = "boolean"
	typeArray   = "array"
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

type param struct {
	name string
	typ  reflect.Type
}

// signature is the inspected shape of a Go function usable as a tool.
type signature struct {
	tool       string
	fn         reflect.Value
	takesCtx   bool
	params     []param
	returnsErr bool
}

// DeriveSchema builds the parameter schema for fn. Go does not expose parameter
// names through reflection, so they are supplied in declaration order. A leading
// context.Context parameter is not part of the schema.
func DeriveSchema(fn any, paramNames ...string) (models.JSONSchema, error) {
	sig, err := inspect("", fn, paramNames)
	if err != nil {
		return models.JSONSchema{}, err
	}
	return sig.schema(), nil
}

// NewFunc turns fn into a tool definition and the executor that calls it.
// fn must return either a single value or a value and an error; every
// parameter becomes a required property.
func NewFunc(name, description string, fn any, paramNames ...string) (models.Tool, Executor, error) {
	sig, err := inspect(name, fn, paramNames)
	if err != nil {
		return models.Tool{}, nil, err
	}

	def := models.Tool{
		Name:        name,
		Description: description,
		Parameters:  sig.schema(),
	}
	return def, sig.executor(), nil
}

func inspect(name string, fn any, paramNames []string) (*signature, error) {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		return nil, &SchemaError{Tool: name, Reason: fmt.Sprintf("expected a function, got %T", fn)}
	}

	t := v.Type()
	if t.IsVariadic() {
		return nil, &SchemaError{Tool: name, Reason: "variadic functions are not supported"}
	}

	sig := &signature{tool: name, fn: v}

	first := 0
	if t.NumIn() > 0 && t.In(0) == contextType {
		sig.takesCtx = true
		first = 1
	}

	if got := t.NumIn() - first; got != len(paramNames) {
		return nil, &SchemaError{Tool: name, Reason: fmt.Sprintf("function takes %d parameters but %d names were given", got, len(paramNames))}
	}

	seen := make(map[string]struct{}, len(paramNames))
	for i, pname := range paramNames {
		pname = strings.TrimSpace(pname)
		if pname == "" {
			return nil, &SchemaError{Tool: name, Reason: fmt.Sprintf("parameter %d has an empty name", i)}
		}
		if _, dup := seen[pname]; dup {
			return nil, &SchemaError{Tool: name, Param: pname, Reason: "duplicate parameter name"}
		}
		seen[pname] = struct{}{}

		ptype := t.In(first + i)
		if _, err := propertyFor(ptype); err != nil {
			return nil, &SchemaError{Tool: name, Param: pname, Reason: err.Error()}
		}
		sig.params = append(sig.params, param{name: pname, typ: ptype})
	}

	switch {
	case t.NumOut() == 1 && t.Out(0) != errorType:
	case t.NumOut() == 2 && t.Out(0) != errorType && t.Out(1) == errorType:
		sig.returnsErr = true
	default:
		return nil, &SchemaError{Tool: name, Reason: "function must return a value, or a value and an error"}
	}

	return sig, nil
}

func (s *signature) schema() models.JSONSchema {
	schema := models.JSONSchema{
		Type:       typeObject,
		Properties: make(map[string]*models.PropertySchema, len(s.params)),
		Required:   make([]string, 0, len(s.params)),
	}
	for _, p := range s.params {
		prop, _ := propertyFor(p.typ)
		schema.Properties[p.name] = prop
		schema.Required = append(schema.Required, p.name)
	}
	return schema
}

// propertyFor maps a Go type onto its schema fragment.
func propertyFor(t reflect.Type) (*models.PropertySchema, error) {
	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return &models.PropertySchema{Type: typeInteger}, nil
	case reflect.Float32, reflect.Float64:
		return &models.PropertySchema{Type: typeNumber}, nil
	case reflect.String:
		return &models.PropertySchema{Type: typeString}, nil
	case reflect.Bool:
		return &models.PropertySchema{Type: typeBoolean}, nil
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Slice {
			return nil, fmt.Errorf("nested sequence type %s is not supported", t)
		}
		items, err := propertyFor(t.Elem())
		if err != nil {
			return nil, err
		}
		return &models.PropertySchema{Type: typeArray, Items: items}, nil
	default:
		return nil, fmt.Errorf("type %s is not supported", t)
	}
}
