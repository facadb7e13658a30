package ecs

import (
	"errors"
	"fmt"
)

var (
	// ErrEntityNotFound is returned when an entity reference is stale or was
	// never spawned.
	ErrEntityNotFound = errors.New("ecs: entity not found")

	// ErrComponentNotFound is returned when an entity does not carry the
	// requested component.
	ErrComponentNotFound = errors.New("ecs: component not found")

	// ErrUnknownComponent is returned when a component ID was never registered.
	ErrUnknownComponent = errors.New("ecs: unknown component")

	// ErrSealed is returned when registering types or systems after the world
	// has started executing.
	ErrSealed = errors.New("ecs: registry sealed")

	// ErrWorldLocked is returned when a structural change is attempted while a
	// tick stage is running. Use Defer instead.
	ErrWorldLocked = errors.New("ecs: world locked during stage execution")

	// ErrCorrupt signals an internal storage inconsistency (column lengths out
	// of step with the row count). It is never expected in normal operation.
	ErrCorrupt = errors.New("ecs: archetype storage corrupt")
)

// SchemaError reports a component definition or payload that does not match
// the registered type.
type SchemaError struct {
	Component string
	Want      string
	Got       string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("ecs: schema mismatch for %q: want %s, got %s", e.Component, e.Want, e.Got)
}
