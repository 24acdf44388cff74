// Package ptr provides shorthand helpers for taking pointers to values,
// mostly used when filling optional config and variant fields.
package ptr

// T returns a pointer to the given value.
func T[V any](v V) *V {
	return &v
}

// Bool returns a pointer to the given bool.
func Bool(v bool) *bool { return &v }

// Int returns a pointer to the given int.
func Int(v int) *int { return &v }

// Int64 returns a pointer to the given int64.
func Int64(v int64) *int64 { return &v }

// Uint64 returns a pointer to the given uint64.
func Uint64(v uint64) *uint64 { return &v }

// String returns a pointer to the given string.
func String(v string) *string { return &v }

// ValueOrDefault dereferences p, falling back to def when p is nil.
func ValueOrDefault[V any](p *V, def V) V {
	if p == nil {
		return def
	}
	return *p
}
