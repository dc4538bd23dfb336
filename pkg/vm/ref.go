// Package vm is the execution environment the runtime dispatches into.
// Contexts link modules in order, functions carry attributes that select
// their invocation model, and invocation is asynchronous against an event
// loop. Only native (host Go) functions execute; no bytecode is interpreted.
package vm

import "fmt"

// Ref is an opaque reference value trafficked through argument and result
// lists. The zero Ref is the null ref.
type Ref struct {
	value any
}

func RefOf(value any) Ref {
	return Ref{value: value}
}

func (r Ref) IsNull() bool { return r.value == nil }
func (r Ref) Value() any   { return r.value }

func (r Ref) String() string {
	if r.IsNull() {
		return "<null>"
	}
	return fmt.Sprintf("<ref %T>", r.value)
}

// List is a VM variant list holding refs and primitive scalars.
type List struct {
	items []any
}

func NewList(capacity int) *List {
	return &List{items: make([]any, 0, capacity)}
}

func (l *List) Size() int { return len(l.items) }

// PushRef appends a reference value.
func (l *List) PushRef(r Ref) {
	l.items = append(l.items, r)
}

// Push appends a primitive scalar.
func (l *List) Push(v any) {
	l.items = append(l.items, v)
}

// Get returns the raw slot value: a Ref for reference slots, the scalar
// otherwise.
func (l *List) Get(i int) any {
	return l.items[i]
}

// RefAt returns the ref at index i, or the null ref if the slot holds a
// primitive scalar.
func (l *List) RefAt(i int) Ref {
	if r, ok := l.items[i].(Ref); ok {
		return r
	}
	return Ref{}
}
