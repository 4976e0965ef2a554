package model

import (
	"errors"
	"fmt"
)

type SchemaReason string

const (
	MissingTable      SchemaReason = "missing_table"
	MissingColumn     SchemaReason = "missing_column"
	MissingPrimaryKey SchemaReason = "missing_primary_key"
	DuplicateTable    SchemaReason = "duplicate_table"
	DuplicateColumn   SchemaReason = "duplicate_column"
	DependencyCycle   SchemaReason = "dependency_cycle"
)

// ErrSchema matches any *SchemaError with errors.Is.
var ErrSchema = errors.New("schema error")

// SchemaError reports a logical schema that the physical store (or the set
// itself) cannot satisfy.
type SchemaError struct {
	Reason SchemaReason
	Table  string
	Column string
	Detail string
}

func (e *SchemaError) Error() string {
	msg := fmt.Sprintf("schema error (%s): table %s", e.Reason, e.Table)
	if e.Column != "" {
		msg += ", column " + e.Column
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *SchemaError) Is(target error) bool { return target == ErrSchema }
