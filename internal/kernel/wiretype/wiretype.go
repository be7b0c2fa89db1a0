// Package wiretype resolves a node output's wire type name — the
// string contracts declare in Consumes/Emits (spec.md §4.1, §4.4) —
// from an arbitrary Go payload value at runtime.
package wiretype

import "reflect"

// Named lets a payload type declare its own wire type name, for cases
// where the bare struct name would collide or isn't descriptive
// enough (e.g. a generic envelope wrapper).
type Named interface {
	KernelType() string
}

// NameOf returns payload's wire type name: Named.KernelType() if
// implemented, otherwise the dereferenced struct/type name reflect
// reports. There is no ecosystem library for this — it is the direct
// Go analogue of the source runtime's dynamic type(payload).__name__
// lookup, and reflect is the only mechanism the standard library (or
// any third-party package in this corpus) exposes for it.
func NameOf(payload any) string {
	if n, ok := payload.(Named); ok {
		return n.KernelType()
	}
	if payload == nil {
		return ""
	}
	t := reflect.TypeOf(payload)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Name()
}
