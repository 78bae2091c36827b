package uow

import (
	"context"
	"errors"
	"fmt"

	"warehousecore/pkg/domain"
)

// RecordOperation is the kind of deferred operation a record stands for.
type RecordOperation uint8

// Record operations.
const (
	RecordSave RecordOperation = iota + 1
	RecordRemoveObject
	RecordRemoveCondition
	RecordModifyExpression
	RecordPackage
)

func (o RecordOperation) String() string {
	switch o {
	case RecordSave:
		return "save"
	case RecordRemoveObject:
		return "remove_object"
	case RecordRemoveCondition:
		return "remove_condition"
	case RecordModifyExpression:
		return "modify_expression"
	case RecordPackage:
		return "package"
	default:
		return fmt.Sprintf("record(%d)", uint8(o))
	}
}

// writesObject reports whether the record targets one identity, which makes
// it subject to last-write-wins.
func (o RecordOperation) writesObject() bool {
	return o == RecordSave || o == RecordRemoveObject
}

// Options carries per-record activation settings copied onto the command the
// record produces.
type Options struct {
	StartingEvents   []domain.EventBinding
	CallbackEvents   []domain.EventBinding
	MustAffectedData bool
}

// Activation is the read-only view of a record handed to its CommandSource
// at commit.
type Activation struct {
	ID            int64
	Operation     RecordOperation
	ObjectName    string
	IdentityValue string
	Query         *domain.Query
	Modification  *domain.Modification
	Options       Options
}

// CommandSource materializes a record into at most one command. A nil
// command means there is nothing to persist.
type CommandSource interface {
	Command(ctx context.Context, a Activation) (*domain.Command, error)
}

// CommandSourceFunc adapts a function to CommandSource.
type CommandSourceFunc func(ctx context.Context, a Activation) (*domain.Command, error)

// Command calls f.
func (f CommandSourceFunc) Command(ctx context.Context, a Activation) (*domain.Command, error) {
	return f(ctx, a)
}

// RecordSpec describes a record to add to a unit of work.
type RecordSpec struct {
	Operation     RecordOperation
	ObjectName    string
	IdentityValue string
	Query         *domain.Query
	Modification  *domain.Modification
	Options       Options
	Source        CommandSource
}

// ErrStaleRecord is returned when a record handle outlives its unit of
// work's commit or discard.
var ErrStaleRecord = errors.New("record belongs to a finished unit of work")

// node is one arena slot. Package nodes only group children; every other
// node produces at most one command.
type node struct {
	id       int64
	parent   int
	children []int
	spec     RecordSpec
	obsolete bool
}

// Record is a handle onto a record held by a unit of work.
type Record struct {
	u     *Unit
	index int
	gen   uint64
}

func (r Record) node() (*node, error) {
	if r.u == nil || r.gen != r.u.gen || r.index >= len(r.u.nodes) {
		return nil, ErrStaleRecord
	}
	return &r.u.nodes[r.index], nil
}

// ID returns the sequential id assigned at commit, or zero before.
func (r Record) ID() int64 {
	n, err := r.node()
	if err != nil {
		return 0
	}
	return n.id
}

// Operation returns the record operation.
func (r Record) Operation() RecordOperation {
	n, err := r.node()
	if err != nil {
		return 0
	}
	return n.spec.Operation
}

// IdentityValue returns the identity of the targeted entity, if any.
func (r Record) IdentityValue() string {
	n, err := r.node()
	if err != nil {
		return ""
	}
	return n.spec.IdentityValue
}

// MarkObsolete cancels the record; it produces no command at commit.
func (r Record) MarkObsolete() {
	if n, err := r.node(); err == nil {
		n.obsolete = true
	}
}

// Follow moves top-level records under this package record. They commit in
// the order given, at the package's position.
func (r Record) Follow(records ...Record) error {
	parent, err := r.node()
	if err != nil {
		return err
	}
	if parent.spec.Operation != RecordPackage {
		return fmt.Errorf("uow: %s record cannot hold follow records", parent.spec.Operation)
	}
	for _, child := range records {
		n, err := child.node()
		if err != nil {
			return err
		}
		if child.u != r.u {
			return fmt.Errorf("uow: record belongs to another unit of work")
		}
		if n.parent >= 0 {
			return fmt.Errorf("uow: %s record already follows a package", n.spec.Operation)
		}
		if r.u.hasAncestor(r.index, child.index) {
			return fmt.Errorf("uow: package cannot follow itself")
		}
		r.u.detachRoot(child.index)
		n.parent = r.index
		parent.children = append(parent.children, child.index)
	}
	return nil
}
