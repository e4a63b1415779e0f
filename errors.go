package dbconn

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Error categories. Every error returned by a Connection wraps one of these
// (or is a *ConstraintViolationError), so callers can use errors.Is.
var (
	// ErrConfiguration covers invalid configuration and misuse: unknown limit
	// categories, conflicting deferred-insert options, missing dependency targets.
	ErrConfiguration = errors.New("dbconn: configuration error")
	// ErrGuardrailExceeded is returned when a per-query, per-table or total
	// statement ceiling is breached.
	ErrGuardrailExceeded = errors.New("dbconn: query limit exceeded")
	// ErrUnsafeOperation is returned for full-table writes without confirmation
	// and for access to a table with an open deferred-insert buffer.
	ErrUnsafeOperation = errors.New("dbconn: unsafe operation")
	// ErrDriver wraps failures reported by the native driver.
	ErrDriver = errors.New("dbconn: driver error")
	// ErrClosed is returned by operations on a closed connection.
	ErrClosed = errors.New("dbconn: connection closed")
)

// ConstraintViolationError is a readable re-wrap of a foreign-key failure
// raised while deleting a referenced row.
type ConstraintViolationError struct {
	ReferencingTable string // table holding the foreign key
	Column           string // foreign-key column in ReferencingTable
	ReferencedTable  string // table the row was deleted from
	ReferencedColumn string
	Err              error // original driver error
}

func (e *ConstraintViolationError) Error() string {
	return fmt.Sprintf("dbconn: cannot delete a row from table %q: it is referenced by table %q in column %q",
		e.ReferencedTable, e.ReferencingTable, e.Column)
}

func (e *ConstraintViolationError) Unwrap() error {
	return e.Err
}

// fkViolationPattern matches the MySQL foreign-key failure detail, e.g.
// (`shop`.`orders`, CONSTRAINT `fk_user` FOREIGN KEY (`user_id`) REFERENCES `users` (`id`))
var fkViolationPattern = regexp.MustCompile("`([^`]+?)`, CONSTRAINT `(.+?)` FOREIGN KEY \\(`(.+?)`\\) REFERENCES `(.+?)` \\(`(.+?)`\\)")

// ParseConstraintViolation returns a *ConstraintViolationError when err
// is or carries a foreign-key failure, and nil otherwise. Drivers that
// already classified the failure are returned unchanged.
func ParseConstraintViolation(err error) *ConstraintViolationError {
	if err == nil {
		return nil
	}
	var cv *ConstraintViolationError
	if errors.As(err, &cv) {
		return cv
	}
	msg := err.Error()
	if !strings.Contains(strings.ToLower(msg), "a foreign key constraint fails") {
		return nil
	}
	m := fkViolationPattern.FindStringSubmatch(msg)
	if len(m) != 6 {
		return nil
	}
	return &ConstraintViolationError{
		ReferencingTable: m[1],
		Column:           m[3],
		ReferencedTable:  m[4],
		ReferencedColumn: m[5],
		Err:              err,
	}
}
