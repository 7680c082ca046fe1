package postgres

import (
	"errors"
	"strings"

	"github.com/lib/pq"
)

// IsUniqueViolation reports whether err is a Postgres unique_violation
// (23505), optionally narrowed to one constraint. The pointer store uses it
// to tell "subgraph row already exists" apart from a real write failure.
func IsUniqueViolation(err error, constraintName string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	if pqErr.Code != "23505" {
		return false
	}
	if constraintName == "" {
		return true
	}
	return strings.Contains(pqErr.Constraint, constraintName) ||
		strings.Contains(pqErr.Detail, constraintName)
}
