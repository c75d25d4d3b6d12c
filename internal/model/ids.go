package model

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

var (
	processIDPattern      = regexp.MustCompile(`^PROC-[a-z0-9_]+-\d{8}-\d{6}-\d{3,6}$`)
	idempotencyKeyPattern = regexp.MustCompile(`^IDEM-PROC-[a-z0-9_]+-\d{8}-\d{6}-\d{3,6}$`)
	slugPattern           = regexp.MustCompile(`^[a-z0-9_]+$`)
)

// ErrInvalidIdentifier is matched by every *InvalidIdentifierError.
var ErrInvalidIdentifier = errors.New("invalid identifier")

// InvalidIdentifierError reports a malformed process_id or idempotency_key.
type InvalidIdentifierError struct {
	Field  string
	Value  string
	Reason string
}

func (e *InvalidIdentifierError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
	}
	return fmt.Sprintf("invalid %s format: %s", e.Field, e.Value)
}

func (e *InvalidIdentifierError) Is(target error) bool { return target == ErrInvalidIdentifier }

// Expected marks identifier failures as caller mistakes.
func (e *InvalidIdentifierError) Expected() bool { return true }

// ValidateProcessID checks PROC-<slug>-<yyyymmdd>-<hhmmss>-<seq>.
func ValidateProcessID(processID string) error {
	if !processIDPattern.MatchString(processID) {
		return &InvalidIdentifierError{Field: "process_id", Value: processID}
	}
	return nil
}

// ValidateIdempotencyKey checks that key is well formed and equals
// "IDEM-" + processID. An empty key is valid.
func ValidateIdempotencyKey(key, processID string) error {
	if key == "" {
		return nil
	}
	if !idempotencyKeyPattern.MatchString(key) {
		return &InvalidIdentifierError{Field: "idempotency_key", Value: key}
	}
	if key != "IDEM-"+processID {
		return &InvalidIdentifierError{
			Field:  "idempotency_key",
			Value:  key,
			Reason: "does not match process_id " + processID,
		}
	}
	return nil
}

// ValidateHDOIdentifiers validates process_id and meta.idempotency_key.
func ValidateHDOIdentifiers(h HDO) error {
	if err := ValidateProcessID(h.ProcessID); err != nil {
		return err
	}
	return ValidateIdempotencyKey(h.Meta.IdempotencyKey, h.ProcessID)
}

// NewProcessID builds a process id from a slug, a timestamp, and a sequence
// number (rendered with at least three digits).
func NewProcessID(slug string, t time.Time, seq int) (string, error) {
	if !slugPattern.MatchString(slug) {
		return "", &InvalidIdentifierError{Field: "slug", Value: slug, Reason: "must be lowercase alphanumeric or underscore"}
	}
	if seq < 0 || seq > 999999 {
		return "", &InvalidIdentifierError{Field: "sequence", Value: fmt.Sprint(seq), Reason: "must be between 0 and 999999"}
	}
	t = t.UTC()
	return fmt.Sprintf("PROC-%s-%s-%s-%03d", slug, t.Format("20060102"), t.Format("150405"), seq), nil
}

// IdempotencyKeyFor returns the idempotency key bound to processID.
func IdempotencyKeyFor(processID string) string {
	return "IDEM-" + processID
}
