package models

import (
	"fmt"
	"time"
)

type NodeKind string

const (
	KindSource    NodeKind = "source"
	KindTransform NodeKind = "transform"
	KindVisual    NodeKind = "visual"
	KindLibrary   NodeKind = "library"
)

// ParseKind validates a kind string read from storage or a manifest.
func ParseKind(s string) (NodeKind, error) {
	switch NodeKind(s) {
	case KindSource, KindTransform, KindVisual, KindLibrary:
		return NodeKind(s), nil
	}
	return "", fmt.Errorf("unknown node kind %q", s)
}

type NodeStatus string

const (
	StatusNotExecuted       NodeStatus = "not_executed"
	StatusExecuting         NodeStatus = "executing"
	StatusValidated         NodeStatus = "validated"
	StatusPendingValidation NodeStatus = "pending_validation"
)

// ParseStatus validates a status string read from storage.
func ParseStatus(s string) (NodeStatus, error) {
	switch NodeStatus(s) {
	case StatusNotExecuted, StatusExecuting, StatusValidated, StatusPendingValidation:
		return NodeStatus(s), nil
	}
	return "", fmt.Errorf("unknown node status %q", s)
}

// CanTransitionTo reports whether a status change is legal. A node enters
// executing only from a settled state, and settles back into validated or
// pending_validation.
func (s NodeStatus) CanTransitionTo(to NodeStatus) bool {
	switch s {
	case StatusNotExecuted, StatusValidated, StatusPendingValidation:
		return to == StatusExecuting
	case StatusExecuting:
		return to == StatusValidated || to == StatusPendingValidation
	default:
		return false
	}
}

type ResultFormat string

const (
	FormatTable ResultFormat = "table" // columnar CSV file
	FormatJSON  ResultFormat = "json"  // structured text
	FormatChart ResultFormat = "chart" // renderable chart spec, JSON encoded
	FormatNone  ResultFormat = "none"  // no artifact, in-session binding only
)

// ResultRef points at a persisted node result. Location is relative to the
// result store's base directory; it is empty for FormatNone.
type ResultRef struct {
	Format   ResultFormat
	Location string
}

// Node is one named unit of computation inside a project. Code is owned by
// the code store; the copy here reflects storage at read time.
type Node struct {
	ID             string
	ProjectID      string
	Kind           NodeKind
	Code           string
	Status         NodeStatus
	DependsOn      []string
	Result         *ResultRef
	Error          string
	CreatedAt      time.Time
	LastExecutedAt *time.Time
}
