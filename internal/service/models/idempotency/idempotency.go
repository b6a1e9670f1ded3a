package idempotency

import (
	"errors"
	"regexp"
	"time"
)

var (
	// ErrInvalidKeyFormat is returned for keys outside the allowed pattern.
	ErrInvalidKeyFormat = errors.New("invalid idempotency key format")

	// ErrKeyConflict is returned when a live key is reused by a different
	// user. The request is rejected; cached results never leak across users.
	ErrKeyConflict = errors.New("idempotency key conflict")
)

// keyPattern bounds keys to 1-64 characters from a URL-safe set.
var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidateKey checks the client-supplied key format.
func ValidateKey(key string) error {
	if !keyPattern.MatchString(key) {
		return ErrInvalidKeyFormat
	}

	return nil
}

// RecordStatus tracks whether the first attempt has finished.
type RecordStatus string

const (
	// StatusReserved marks a key claimed by an in-flight attempt.
	StatusReserved RecordStatus = "RESERVED"
	// StatusCompleted marks a key holding the recorded terminal response.
	StatusCompleted RecordStatus = "COMPLETED"
)

// Record binds a client key to the outcome of the first attempt. A record is
// bound to exactly one owner for its lifetime; expired records are treated
// as absent.
type Record struct {
	RequestKey     string
	OwnerUserID    int64
	OperationType  string
	Status         RecordStatus
	CachedResponse []byte
	ResultStatus   int
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

// Live reports whether the record is still visible.
func (r Record) Live(now time.Time) bool {
	return now.Before(r.ExpiresAt)
}

// Outcome is the result of a checkOrCreate call.
type Outcome int

const (
	// OutcomeFresh means the key was reserved for this caller; the caller
	// must complete the reservation, on failure paths too.
	OutcomeFresh Outcome = iota
	// OutcomeDuplicate means a completed record exists for the same owner;
	// the stored response must be replayed without re-executing anything.
	OutcomeDuplicate
	// OutcomeInFlight means the same owner holds a live reservation that has
	// not completed yet; the caller should retry later.
	OutcomeInFlight
	// OutcomeConflict means the key is owned by a different user.
	OutcomeConflict
)
