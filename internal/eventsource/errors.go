package eventsource

import "fmt"

// UnresolvedReferenceError is returned when a declaration references a
// resource that is not declared, or lacks the property naming it.
type UnresolvedReferenceError struct {
	Resource string
	Property string
}

func (e *UnresolvedReferenceError) Error() string {
	if e.Property != "" {
		return fmt.Sprintf("resource %s has no %s property", e.Resource, e.Property)
	}
	return fmt.Sprintf("no resource defined with name %s", e.Resource)
}
