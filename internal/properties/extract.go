package properties

import (
	"encoding/json"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// Extract returns the present, well typed fields of raw. It never panics;
// a panic while inspecting a value leaves that field out.
func Extract(raw map[string]any, schema Schema) map[string]any {
	out := make(map[string]any, len(schema.Fields))
	if raw == nil {
		return out
	}

	for _, f := range schema.Fields {
		v, ok := lookup(raw, f)
		if !ok {
			continue
		}
		if c, ok := safeCoerce(f.Kind, v); ok {
			out[f.Name] = c
		}
	}

	known := schema.known()
	for k, v := range raw {
		if _, skip := known[k]; skip || k == "" {
			continue
		}
		if c, ok := safeClean(v); ok {
			out[k] = c
		}
	}
	return out
}

func lookup(raw map[string]any, f Field) (any, bool) {
	if v, ok := raw[f.Name]; ok && v != nil {
		return v, true
	}
	for _, a := range f.Aliases {
		if v, ok := raw[a]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func safeCoerce(k Kind, v any) (out any, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			out, ok = nil, false
		}
	}()
	switch k {
	case String:
		return ToString(v)
	case Int:
		return ToInt(v)
	case Float:
		return ToFloat(v)
	case Bool:
		return ToBool(v)
	case Nested:
		return cleanNested(v)
	default:
		return nil, false
	}
}

func safeClean(v any) (out any, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			out, ok = nil, false
		}
	}()
	return clean(v)
}

func deref(v any) any {
	if v == nil {
		return nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer {
		return v
	}
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	return rv.Interface()
}

func ToString(v any) (string, bool) {
	switch t := deref(v).(type) {
	case string:
		s := strings.TrimSpace(t)
		return s, s != ""
	case []byte:
		if !utf8.Valid(t) || len(t) == 0 {
			return "", false
		}
		return string(t), true
	case json.Number:
		return t.String(), true
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		n, ok := ToInt(t)
		if !ok {
			return "", false
		}
		return strconv.FormatInt(n, 10), true
	case float32, float64:
		f, ok := ToFloat(t)
		if !ok {
			return "", false
		}
		return strconv.FormatFloat(f, 'f', -1, 64), true
	default:
		return "", false
	}
}

func ToInt(v any) (int64, bool) {
	switch t := deref(v).(type) {
	case int:
		return int64(t), true
	case int8:
		return int64(t), true
	case int16:
		return int64(t), true
	case int32:
		return int64(t), true
	case int64:
		return t, true
	case uint:
		return uintToInt(uint64(t))
	case uint8:
		return int64(t), true
	case uint16:
		return int64(t), true
	case uint32:
		return int64(t), true
	case uint64:
		return uintToInt(t)
	case float32:
		return floatToInt(float64(t))
	case float64:
		return floatToInt(t)
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n, true
		}
		f, err := t.Float64()
		if err != nil {
			return 0, false
		}
		return floatToInt(f)
	case string:
		s := strings.TrimSpace(t)
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, true
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		return floatToInt(f)
	default:
		return 0, false
	}
}

func uintToInt(u uint64) (int64, bool) {
	if u > math.MaxInt64 {
		return 0, false
	}
	return int64(u), true
}

func floatToInt(f float64) (int64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, false
	}
	if f > math.MaxInt64 || f < math.MinInt64 {
		return 0, false
	}
	return int64(f), true
}

func ToFloat(v any) (float64, bool) {
	var f float64
	switch t := deref(v).(type) {
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		n, ok := ToInt(t)
		if !ok {
			return 0, false
		}
		f = float64(n)
	case json.Number:
		var err error
		if f, err = t.Float64(); err != nil {
			return 0, false
		}
	case string:
		var err error
		if f, err = strconv.ParseFloat(strings.TrimSpace(t), 64); err != nil {
			return 0, false
		}
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func ToBool(v any) (bool, bool) {
	switch t := deref(v).(type) {
	case bool:
		return t, true
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "t", "1", "yes":
			return true, true
		case "false", "f", "0", "no":
			return false, true
		}
		return false, false
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, json.Number:
		n, ok := ToInt(t)
		if !ok || (n != 0 && n != 1) {
			return false, false
		}
		return n == 1, true
	default:
		return false, false
	}
}

func cleanNested(v any) (any, bool) {
	c, ok := clean(v)
	if !ok {
		return nil, false
	}
	switch c.(type) {
	case map[string]any, []any:
		return c, true
	default:
		return nil, false
	}
}

// clean converts v into a JSON-friendly value, dropping missing markers
// and invalid members of nested values.
func clean(v any) (any, bool) {
	v = deref(v)
	switch t := v.(type) {
	case nil:
		return nil, false
	case string:
		if strings.TrimSpace(t) == "" {
			return nil, false
		}
		return t, true
	case bool:
		return t, true
	case float32, float64:
		return ToFloat(t)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32:
		return ToInt(t)
	case uint64:
		return uintToInt(t)
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n, true
		}
		return ToFloat(t)
	case []byte:
		return ToString(t)
	case time.Time:
		if t.IsZero() {
			return nil, false
		}
		return t.UTC().Format(time.RFC3339Nano), true
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			if c, ok := clean(e); ok {
				out[k] = c
			}
		}
		return out, len(out) > 0
	case []any:
		out := make([]any, 0, len(t))
		for _, e := range t {
			if c, ok := clean(e); ok {
				out = append(out, c)
			}
		}
		return out, len(out) > 0
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		m := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			m[iter.Key().String()] = iter.Value().Interface()
		}
		return clean(m)
	case reflect.Slice, reflect.Array:
		s := make([]any, rv.Len())
		for i := range s {
			s[i] = rv.Index(i).Interface()
		}
		return clean(s)
	case reflect.Struct:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, false
		}
		var m any
		if err := json.Unmarshal(b, &m); err != nil {
			return nil, false
		}
		return clean(m)
	default:
		return nil, false
	}
}
