package graph

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when a graph is not in the collection.
	ErrNotFound = errors.New("graph not found")
	// ErrDependencyNotFound is returned when a dependency name does not
	// resolve to any node in the graph.
	ErrDependencyNotFound = errors.New("dependency not found")
	// ErrDuplicateNode is returned when a name is defined twice.
	ErrDuplicateNode = errors.New("duplicate node")
	// ErrDependencyCycle is returned when dependencies form a cycle.
	ErrDependencyCycle = errors.New("dependency cycle")
	// ErrInvalidGraph covers other malformed input.
	ErrInvalidGraph = errors.New("invalid graph")
)

// Error describes why a graph was rejected. Kind is one of the sentinel
// errors above.
type Error struct {
	Kind error
	Msg  string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Msg == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Msg)
}

func (e *Error) Unwrap() error { return e.Kind }

func errorf(kind error, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func cycleError(path []string) error {
	return &Error{Kind: ErrDependencyCycle, Msg: strings.Join(path, " -> ")}
}
