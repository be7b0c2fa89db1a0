package inject

import (
	"fmt"
	"reflect"
	"strings"
)

// tagKey is the struct tag InstantiateForScenario's field-injection
// pass scans for, e.g. `inject:"port=kv,type=SessionKV,qualifier=audit"`.
const tagKey = "inject"

// injectFields fills every tagged field of inst by resolving against
// scope — this is how a service that itself needs a KV handle or
// another service gets it, without the factory function threading
// every dependency through by hand.
func injectFields(scope *Scope, inst any) error {
	v := reflect.ValueOf(inst)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return nil
	}
	v = v.Elem()
	if v.Kind() != reflect.Struct {
		return nil
	}
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag, ok := field.Tag.Lookup(tagKey)
		if !ok {
			continue
		}
		spec, err := parseTag(tag)
		if err != nil {
			return fmt.Errorf("inject: field %s.%s: %w", t.Name(), field.Name, err)
		}
		resolved, err := scope.Resolve(spec.port, spec.dataType, spec.qualifier)
		if err != nil {
			return fmt.Errorf("inject: field %s.%s: %w", t.Name(), field.Name, err)
		}
		fv := v.Field(i)
		if !fv.CanSet() {
			return fmt.Errorf("inject: field %s.%s is unexported, cannot inject", t.Name(), field.Name)
		}
		rv := reflect.ValueOf(resolved)
		if !rv.Type().AssignableTo(fv.Type()) {
			return fmt.Errorf("inject: field %s.%s: resolved type %s is not assignable to %s", t.Name(), field.Name, rv.Type(), fv.Type())
		}
		fv.Set(rv)
	}
	return nil
}

type tagSpec struct {
	port      Port
	dataType  string
	qualifier string
}

func parseTag(tag string) (tagSpec, error) {
	var spec tagSpec
	for _, part := range strings.Split(tag, ",") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return spec, fmt.Errorf("malformed tag segment %q", part)
		}
		key, val := strings.TrimSpace(kv[0]), strings.TrimSpace(kv[1])
		switch key {
		case "port":
			spec.port = Port(val)
		case "type":
			spec.dataType = val
		case "qualifier":
			spec.qualifier = val
		default:
			return spec, fmt.Errorf("unknown inject tag key %q", key)
		}
	}
	if spec.port == "" {
		return spec, fmt.Errorf("inject tag missing port")
	}
	return spec, nil
}
