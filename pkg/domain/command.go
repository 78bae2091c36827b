package domain

import (
	"fmt"

	"warehousecore/pkg/numeric"
)

// Operation enumerates the kinds of executable command.
type Operation uint8

// Command operations.
const (
	OperationInsert Operation = iota + 1
	OperationUpdate
	OperationDelete
	OperationQuery
	OperationExist
	OperationMax
	OperationMin
	OperationSum
	OperationAvg
	OperationCount
)

var operationNames = map[Operation]string{
	OperationInsert: "insert",
	OperationUpdate: "update",
	OperationDelete: "delete",
	OperationQuery:  "query",
	OperationExist:  "exist",
	OperationMax:    "max",
	OperationMin:    "min",
	OperationSum:    "sum",
	OperationAvg:    "avg",
	OperationCount:  "count",
}

func (o Operation) String() string {
	if name, ok := operationNames[o]; ok {
		return name
	}
	return fmt.Sprintf("operation(%d)", uint8(o))
}

// IsWrite reports whether the operation mutates storage.
func (o Operation) IsWrite() bool {
	return o == OperationInsert || o == OperationUpdate || o == OperationDelete
}

// IsAggregate reports whether the operation computes a single value.
func (o Operation) IsAggregate() bool {
	switch o {
	case OperationMax, OperationMin, OperationSum, OperationAvg, OperationCount:
		return true
	}
	return false
}

// Command is the unit of executable work sent to executors. ID and ObjectName
// identify the command; the remaining fields are the execution payload.
type Command struct {
	ID         int64
	Operation  Operation
	ObjectName string

	// Keys holds the primary-key values of the entity an object-level
	// command targets. Empty for condition-level commands.
	Keys Row
	// Fields lists the fields written by Insert/Update or read by Query.
	Fields []string
	// Parameters holds field values written by Insert/Update.
	Parameters Row
	// Modification carries a modify-by-expression payload for Update.
	Modification *Modification
	Query        *Query

	// MustAffectedData fails the commit when the command changes no rows.
	MustAffectedData bool

	// AggregateField and ValueKind configure aggregate operations.
	AggregateField string
	ValueKind      numeric.Kind

	StartingEvents []EventBinding
	CallbackEvents []EventBinding
}

// IsObsolete reports whether the command's filter is known to be a no-op.
func (c *Command) IsObsolete() bool {
	return c != nil && c.Query != nil && c.Query.Obsolete
}

// Clone returns a copy safe to hand to another executor concurrently.
func (c *Command) Clone() *Command {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Keys = c.Keys.Clone()
	cp.Parameters = c.Parameters.Clone()
	cp.Fields = append([]string(nil), c.Fields...)
	cp.Query = c.Query.Clone()
	cp.Modification = c.Modification.Clone()
	cp.StartingEvents = append([]EventBinding(nil), c.StartingEvents...)
	cp.CallbackEvents = append([]EventBinding(nil), c.CallbackEvents...)
	return &cp
}

func (c *Command) String() string {
	return fmt.Sprintf("%s %s#%d", c.Operation, c.ObjectName, c.ID)
}
