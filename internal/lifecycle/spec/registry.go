package spec

// Registry is an ordered name->implementation map. Registration order is
// preserved for iteration; re-registering a name overrides the value in
// place, which is how later layers shadow earlier ones deterministically.
type Registry[T any] struct {
	order []string
	m     map[string]T
}

func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{m: map[string]T{}}
}

func (r *Registry[T]) Register(name string, v T) {
	if _, ok := r.m[name]; !ok {
		r.order = append(r.order, name)
	}
	r.m[name] = v
}

func (r *Registry[T]) Lookup(name string) (T, bool) {
	v, ok := r.m[name]
	return v, ok
}

func (r *Registry[T]) Has(name string) bool {
	_, ok := r.m[name]
	return ok
}

// Names returns registered names in first-registration order.
func (r *Registry[T]) Names() []string {
	return append([]string{}, r.order...)
}
