package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"reflect"
	"strconv"
	"strings"

	"llmproxy/internal/logging"
	"llmproxy/internal/models"
)

// Executor runs a tool with arguments already validated against its schema.
// Numbers arrive as json.Number so integers keep their exact value.
type Executor func(ctx context.Context, args map[string]any) (any, error)

// Execute looks up the named tool, validates argsJSON against its schema,
// runs it and returns its result serialized as JSON text.
func (r *Registry) Execute(ctx context.Context, name, argsJSON string) (result string, err error) {
	ent, ok := r.lookup(name)
	if !ok {
		return "", &NotFoundError{Name: name}
	}

	args, err := decodeArguments(name, ent.def.Parameters, argsJSON)
	if err != nil {
		return "", err
	}

	defer func() {
		if rec := recover(); rec != nil {
			logging.Error().Str("tool", name).Interface("panic", rec).Msg("tool panicked")
			result, err = "", &ExecutionError{Tool: name, Err: fmt.Errorf("panic: %v", rec)}
		}
	}()

	value, err := ent.exec(ctx, args)
	if err != nil {
		var argErr *ArgumentError
		if errors.As(err, &argErr) {
			return "", err
		}
		return "", &ExecutionError{Tool: name, Err: err}
	}

	encoded, err := json.Marshal(byteSliceAsNumbers(value))
	if err != nil {
		return "", &ExecutionError{Tool: name, Err: fmt.Errorf("encode result: %w", err)}
	}

	logging.Debug().Str("tool", name).Int("result_bytes", len(encoded)).Msg("tool executed")
	return string(encoded), nil
}

// byteSliceAsNumbers turns a result whose kind is []uint8 into a slice of
// wider integers so it encodes as a JSON array of numbers, not base64.
func byteSliceAsNumbers(value any) any {
	v := reflect.ValueOf(value)
	if !v.IsValid() || v.Kind() != reflect.Slice || v.Type().Elem().Kind() != reflect.Uint8 || v.IsNil() {
		return value
	}
	out := make([]uint16, v.Len())
	for i := range out {
		out[i] = uint16(v.Index(i).Uint())
	}
	return out
}

// decodeArguments parses argsJSON as an object and checks it against schema.
// A blank argument string is treated as an empty object.
func decodeArguments(tool string, schema models.JSONSchema, argsJSON string) (map[string]any, error) {
	trimmed := strings.TrimSpace(argsJSON)
	if trimmed == "" {
		trimmed = "{}"
	}

	dec := json.NewDecoder(strings.NewReader(trimmed))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, &ArgumentError{Tool: tool, Reason: fmt.Sprintf("arguments are not valid JSON: %v", err)}
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, &ArgumentError{Tool: tool, Reason: "arguments contain trailing data"}
	}

	args, ok := raw.(map[string]any)
	if !ok {
		return nil, &ArgumentError{Tool: tool, Reason: "arguments must be a JSON object"}
	}

	for _, name := range schema.Required {
		if _, ok := args[name]; !ok {
			return nil, &ArgumentError{Tool: tool, Param: name, Reason: "missing required argument"}
		}
	}

	for name, prop := range schema.Properties {
		value, ok := args[name]
		if !ok || prop == nil {
			continue
		}
		if err := checkType(prop, value); err != nil {
			return nil, &ArgumentError{Tool: tool, Param: name, Reason: err.Error()}
		}
	}

	return args, nil
}

func checkType(prop *models.PropertySchema, value any) error {
	switch prop.Type {
	case typeInteger:
		n, ok := value.(json.Number)
		if !ok || !isIntegral(n) {
			return mismatch(prop.Type, value)
		}
	case typeNumber:
		if _, ok := value.(json.Number); !ok {
			return mismatch(prop.Type, value)
		}
	case typeString:
		if _, ok := value.(string); !ok {
			return mismatch(prop.Type, value)
		}
	case typeBoolean:
		if _, ok := value.(bool); !ok {
			return mismatch(prop.Type, value)
		}
	case typeArray:
		items, ok := value.([]any)
		if !ok {
			return mismatch(prop.Type, value)
		}
		if prop.Items == nil {
			return nil
		}
		for i, item := range items {
			if err := checkType(prop.Items, item); err != nil {
				return fmt.Errorf("element %d: %w", i, err)
			}
		}
	case typeObject:
		if _, ok := value.(map[string]any); !ok {
			return mismatch(prop.Type, value)
		}
	}
	return nil
}

func mismatch(want string, got any) error {
	return fmt.Errorf("expected %s, got %s", want, jsonKind(got))
}

func jsonKind(v any) string {
	switch n := v.(type) {
	case nil:
		return "null"
	case json.Number:
		if isIntegral(n) {
			return "integer"
		}
		return "number"
	case string:
		return "string"
	case bool:
		return "boolean"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}

func isIntegral(n json.Number) bool {
	if _, err := n.Int64(); err == nil {
		return true
	}
	if _, err := strconv.ParseUint(string(n), 10, 64); err == nil {
		return true
	}
	f, err := n.Float64()
	return err == nil && !math.IsInf(f, 0) && f == math.Trunc(f)
}

// executor adapts the inspected function to the Executor signature.
func (s *signature) executor() Executor {
	return func(ctx context.Context, args map[string]any) (any, error) {
		in := make([]reflect.Value, 0, len(s.params)+1)
		if s.takesCtx {
			if ctx == nil {
				ctx = context.Background()
			}
			in = append(in, reflect.ValueOf(ctx))
		}

		for _, p := range s.params {
			v, err := convertArg(args[p.name], p.typ)
			if err != nil {
				return nil, &ArgumentError{Tool: s.tool, Param: p.name, Reason: err.Error()}
			}
			in = append(in, v)
		}

		out := s.fn.Call(in)
		if s.returnsErr && !out[1].IsNil() {
			return nil, out[1].Interface().(error)
		}
		return out[0].Interface(), nil
	}
}

// convertArg decodes a validated JSON value into a Go value of type t,
// rejecting values that do not fit the target width.
func convertArg(raw any, t reflect.Type) (reflect.Value, error) {
	v := reflect.New(t).Elem()

	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, ok := raw.(json.Number)
		if !ok {
			return v, mismatch(typeInteger, raw)
		}
		i, err := parseInt(n)
		if err != nil {
			return v, err
		}
		if v.OverflowInt(i) {
			return v, fmt.Errorf("value %s overflows %s", n, t)
		}
		v.SetInt(i)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, ok := raw.(json.Number)
		if !ok {
			return v, mismatch(typeInteger, raw)
		}
		u, err := parseUint(n)
		if err != nil {
			return v, err
		}
		if v.OverflowUint(u) {
			return v, fmt.Errorf("value %s overflows %s", n, t)
		}
		v.SetUint(u)
	case reflect.Float32, reflect.Float64:
		n, ok := raw.(json.Number)
		if !ok {
			return v, mismatch(typeNumber, raw)
		}
		f, err := n.Float64()
		if err != nil {
			return v, fmt.Errorf("value %s is not a number", n)
		}
		if v.OverflowFloat(f) {
			return v, fmt.Errorf("value %s overflows %s", n, t)
		}
		v.SetFloat(f)
	case reflect.String:
		s, ok := raw.(string)
		if !ok {
			return v, mismatch(typeString, raw)
		}
		v.SetString(s)
	case reflect.Bool:
		b, ok := raw.(bool)
		if !ok {
			return v, mismatch(typeBoolean, raw)
		}
		v.SetBool(b)
	case reflect.Slice:
		items, ok := raw.([]any)
		if !ok {
			return v, mismatch(typeArray, raw)
		}
		slice := reflect.MakeSlice(t, len(items), len(items))
		for i, item := range items {
			elem, err := convertArg(item, t.Elem())
			if err != nil {
				return v, fmt.Errorf("element %d: %w", i, err)
			}
			slice.Index(i).Set(elem)
		}
		v.Set(slice)
	default:
		return v, fmt.Errorf("type %s is not supported", t)
	}

	return v, nil
}

func parseInt(n json.Number) (int64, error) {
	if i, err := n.Int64(); err == nil {
		return i, nil
	}
	f, err := n.Float64()
	if err != nil || f != math.Trunc(f) {
		return 0, fmt.Errorf("value %s is not an integer", n)
	}
	if f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, fmt.Errorf("value %s overflows int64", n)
	}
	return int64(f), nil
}

func parseUint(n json.Number) (uint64, error) {
	if u, err := strconv.ParseUint(string(n), 10, 64); err == nil {
		return u, nil
	}
	f, err := n.Float64()
	if err != nil || f != math.Trunc(f) {
		return 0, fmt.Errorf("value %s is not an integer", n)
	}
	if f < 0 {
		return 0, fmt.Errorf("value %s must not be negative", n)
	}
	if f >= math.MaxUint64 {
		return 0, fmt.Errorf("value %s overflows uint64", n)
	}
	return uint64(f), nil
}
