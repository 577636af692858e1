package bounded

import (
	"encoding"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
)

// DefaultMaxDepth — предел вложенности параметров, сохраняемых в очередь
const DefaultMaxDepth = 100

const circularMarker = "<circular_reference>"

// Служебные ключи контекста задачи не попадают в очередь согласования
var droppedKeys = map[string]struct{}{
	"_shared_context":   {},
	"_previous_results": {},
}

// SanitizeParams приводит параметры к виду, который гарантированно кодируется в JSON.
func SanitizeParams(params map[string]any) map[string]any {
	if params == nil {
		return map[string]any{}
	}
	out, ok := Sanitize(params, DefaultMaxDepth).(map[string]any)
	if !ok {
		return map[string]any{}
	}
	return out
}

// Sanitize обходит значение: циклы заменяются маркером, глубина ограничена,
// несериализуемые значения превращаются в строки.
func Sanitize(v any, maxDepth int) any {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	s := sanitizer{maxDepth: maxDepth, path: make(map[uintptr]struct{})}
	return s.walk(reflect.ValueOf(v), 0)
}

type sanitizer struct {
	maxDepth int
	path     map[uintptr]struct{} // ссылки на текущем пути обхода
}

var (
	textMarshalerType = reflect.TypeFor[encoding.TextMarshaler]()
	jsonMarshalerType = reflect.TypeFor[json.Marshaler]()
)

func (s *sanitizer) walk(v reflect.Value, depth int) any {
	if !v.IsValid() {
		return nil
	}
	if depth > s.maxDepth {
		return fmt.Sprintf("<max_depth_exceeded: %d>", depth)
	}

	if v.Kind() != reflect.Pointer && v.Kind() != reflect.Interface {
		if v.Type().Implements(jsonMarshalerType) || v.Type().Implements(textMarshalerType) {
			return s.marshaled(v, depth)
		}
	}

	switch v.Kind() {
	case reflect.Bool:
		return v.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return v.Uint()
	case reflect.Float32, reflect.Float64:
		f := v.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Sprint(f)
		}
		return f
	case reflect.String:
		return v.String()

	case reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return s.walk(v.Elem(), depth)

	case reflect.Pointer:
		if v.IsNil() {
			return nil
		}
		if v.Type().Implements(jsonMarshalerType) || v.Type().Implements(textMarshalerType) {
			return s.marshaled(v, depth)
		}
		leave, cyclic := s.enter(v.Pointer())
		if cyclic {
			return circularMarker
		}
		defer leave()
		return s.walk(v.Elem(), depth)

	case reflect.Map:
		if v.IsNil() {
			return nil
		}
		leave, cyclic := s.enter(v.Pointer())
		if cyclic {
			return circularMarker
		}
		defer leave()

		out := make(map[string]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			key := mapKey(iter.Key())
			if _, drop := droppedKeys[key]; drop {
				continue
			}
			out[key] = s.walk(iter.Value(), depth+1)
		}
		return out

	case reflect.Slice:
		if v.IsNil() {
			return nil
		}
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return string(v.Bytes())
		}
		if v.Len() > 0 {
			leave, cyclic := s.enter(v.Pointer())
			if cyclic {
				return circularMarker
			}
			defer leave()
		}
		return s.list(v, depth)

	case reflect.Array:
		return s.list(v, depth)

	case reflect.Struct:
		return s.marshaled(v, depth)
	}

	// func, chan, complex, unsafe.Pointer
	return fmt.Sprint(v.Interface())
}

func (s *sanitizer) enter(ptr uintptr) (func(), bool) {
	if _, seen := s.path[ptr]; seen {
		return nil, true
	}
	s.path[ptr] = struct{}{}
	return func() { delete(s.path, ptr) }, false
}

func (s *sanitizer) list(v reflect.Value, depth int) []any {
	out := make([]any, v.Len())
	for i := range v.Len() {
		out[i] = s.walk(v.Index(i), depth+1)
	}
	return out
}

// marshaled — структуры и типы со своим кодированием проходят через JSON
func (s *sanitizer) marshaled(v reflect.Value, depth int) any {
	if !v.CanInterface() {
		return fmt.Sprint(v)
	}
	b, err := json.Marshal(v.Interface())
	if err != nil {
		return fmt.Sprintf("%v", v.Interface())
	}
	var generic any
	if err := json.Unmarshal(b, &generic); err != nil {
		return string(b)
	}
	if _, isMap := generic.(map[string]any); !isMap {
		return generic
	}
	return s.walk(reflect.ValueOf(generic), depth)
}

func mapKey(k reflect.Value) string {
	if k.Kind() == reflect.String {
		return k.String()
	}
	if k.Type().Implements(textMarshalerType) {
		if b, err := k.Interface().(encoding.TextMarshaler).MarshalText(); err == nil {
			return string(b)
		}
	}
	return fmt.Sprint(k.Interface())
}
