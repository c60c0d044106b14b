package internal

import "fmt"

// NotFoundError reports a load of an absent session or record.
type NotFoundError struct {
	Kind string // "session", "index", "recovery point"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// ValidationError reports a schema mismatch on save or load.
type ValidationError struct {
	SessionID string
	Err       error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed [%s]: %v", e.SessionID, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// IntegrityError reports a checksum or structural mismatch on import or
// recovery, with the itemized issues when available.
type IntegrityError struct {
	SessionID string
	Issues    []RecoveryIssue
	Err       error
}

func (e *IntegrityError) Error() string {
	if len(e.Issues) > 0 {
		return fmt.Sprintf("integrity check failed [%s]: %d issue(s): %v", e.SessionID, len(e.Issues), e.Err)
	}
	return fmt.Sprintf("integrity check failed [%s]: %v", e.SessionID, e.Err)
}

func (e *IntegrityError) Unwrap() error {
	return e.Err
}

// MigrationError reports a failed from-version migration. The original
// record is left untouched in storage.
type MigrationError struct {
	SessionID   string
	FromVersion string
	Err         error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("migration error [%s] from version %s: %v", e.SessionID, e.FromVersion, e.Err)
}

func (e *MigrationError) Unwrap() error {
	return e.Err
}
