package prospect

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when a prospect does not exist within the tenant.
var ErrNotFound = errors.New("prospect not found")

// ErrRunSuperseded is returned by run-scoped writes after another run has claimed
// the prospect.
var ErrRunSuperseded = errors.New("enrichment run superseded")

// ValidationError reports malformed candidate data. It is raised before any store
// or provider access.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

// PersistenceError wraps a failed prospect store operation.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("prospect store: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func persistErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Err: err}
}

// Validate checks a candidate before it reaches the store.
func (c Candidate) Validate() error {
	if displayName(c.FullName, c.FirstName, c.LastName) == "" {
		return &ValidationError{Field: "name", Message: "full_name or first_name/last_name is required"}
	}
	if strings.TrimSpace(c.WorkEmail) != "" && NormalizeEmail(c.WorkEmail) == "" {
		return &ValidationError{Field: "work_email", Message: "not a valid email address"}
	}
	if strings.TrimSpace(c.PersonalEmail) != "" && NormalizeEmail(c.PersonalEmail) == "" {
		return &ValidationError{Field: "personal_email", Message: "not a valid email address"}
	}
	if strings.TrimSpace(c.ProfileURL) != "" && NormalizeProfileURL(c.ProfileURL) == "" {
		return &ValidationError{Field: "profile_url", Message: "not a valid URL"}
	}
	return nil
}
