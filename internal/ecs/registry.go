package ecs

import "fmt"

// Registry holds every component type known to a world. Types are registered
// up front and the registry is sealed before the first tick; lookups after
// that point are read-only and safe for concurrent use.
type Registry struct {
	byID   map[ComponentID]*ComponentType
	byName map[string]*ComponentType
	types  []*ComponentType
	sealed bool
}

func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[ComponentID]*ComponentType),
		byName: make(map[string]*ComponentType),
	}
}

// Register adds a component type. The name is hashed to a stable ID; a second
// registration of the same name must carry an identical shape and element
// type, otherwise a SchemaError is returned.
func (r *Registry) Register(name string, shape []int, elem ElemType) (*ComponentType, error) {
	if r.sealed {
		return nil, ErrSealed
	}
	if name == "" {
		return nil, &SchemaError{Component: name, Want: "non-empty name", Got: "empty"}
	}
	if elem.Size() == 0 {
		return nil, &SchemaError{Component: name, Want: "known element type", Got: elem.String()}
	}
	for _, d := range shape {
		if d <= 0 {
			return nil, &SchemaError{Component: name, Want: "positive shape dims", Got: fmt.Sprintf("%v", shape)}
		}
	}
	id := NameID(name)
	if prev, ok := r.byID[id]; ok {
		if prev.Name != name || !shapeEqual(prev.Shape, shape) || prev.Elem != elem {
			return nil, &SchemaError{Component: name, Want: prev.String(), Got: fmt.Sprintf("%s%v:%s", name, shape, elem)}
		}
		return prev, nil
	}
	if len(r.types) >= MaxComponentTypes {
		return nil, fmt.Errorf("ecs: component type limit %d reached", MaxComponentTypes)
	}
	t := &ComponentType{
		ID:    id,
		Name:  name,
		Shape: append([]int(nil), shape...),
		Elem:  elem,
		index: uint8(len(r.types)),
	}
	t.stride = t.Count() * elem.Size()
	r.byID[id] = t
	r.byName[name] = t
	r.types = append(r.types, t)
	return t, nil
}

// Lookup returns the type for an ID.
func (r *Registry) Lookup(id ComponentID) (*ComponentType, bool) {
	t, ok := r.byID[id]
	return t, ok
}

// LookupName returns the type for a component name.
func (r *Registry) LookupName(name string) (*ComponentType, bool) {
	t, ok := r.byName[name]
	return t, ok
}

// Types returns all registered types in registration order.
func (r *Registry) Types() []*ComponentType { return r.types }

// Len returns the number of registered types.
func (r *Registry) Len() int { return len(r.types) }

// Sealed reports whether registration is closed.
func (r *Registry) Sealed() bool { return r.sealed }

// Seal closes the registry for further registration.
func (r *Registry) Seal() { r.sealed = true }

func (r *Registry) byIndex(idx uint8) *ComponentType {
	return r.types[idx]
}

// maskOf builds the mask covering the given IDs. Unknown IDs yield an error.
func (r *Registry) maskOf(ids []ComponentID) (mask, error) {
	var m mask
	for _, id := range ids {
		t, ok := r.byID[id]
		if !ok {
			return mask{}, fmt.Errorf("%w: id %d", ErrUnknownComponent, id)
		}
		m.set(t.index)
	}
	return m, nil
}
