package engine

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation    = errors.New("validation failed")
	ErrCycle         = errors.New("dependency cycle detected")
	ErrDependency    = errors.New("dependency failed")
	ErrExecution     = errors.New("execution failed")
	ErrSerialization = errors.New("serialization failed")
)

// ExecError wraps a coordinator failure with its kind and node.
type ExecError struct {
	Kind   error
	NodeID string
	Msg    string
}

func (e *ExecError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("node %q: %s", e.NodeID, e.Kind.Error())
	}
	return fmt.Sprintf("node %q: %s: %s", e.NodeID, e.Kind.Error(), e.Msg)
}

func (e *ExecError) Unwrap() error { return e.Kind }

func cyclePath(stack []string, nodeID string) string {
	return strings.Join(append(append([]string{}, stack...), nodeID), " -> ")
}
