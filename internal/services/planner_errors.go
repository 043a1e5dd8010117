package services

import (
	"fmt"
	"strings"

	contextutils "packplanner/internal/utils"
)

// CatalogUnderProvisionedError is returned when the catalog cannot supply a
// feasible candidate pool even at the largest pool size.
type CatalogUnderProvisionedError struct {
	UserID   int
	SessSeq  int
	PoolSize int
	Reasons  []string
}

func (e *CatalogUnderProvisionedError) Error() string {
	return fmt.Sprintf("catalog under-provisioned (user_id=%d sess_seq=%d pool_size=%d): %s",
		e.UserID, e.SessSeq, e.PoolSize, strings.Join(e.Reasons, "; "))
}

// Unwrap allows errors.Is(..., contextutils.ErrCatalogUnderProvisioned) to work.
func (e *CatalogUnderProvisionedError) Unwrap() error {
	return contextutils.ErrCatalogUnderProvisioned
}

// InvariantViolationError is returned when an assembled pack fails its final
// validation. It indicates a bug upstream and is never patched over.
type InvariantViolationError struct {
	UserID     int
	SessionID  string
	Violations []string
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("pack invariant violated (user_id=%d session_id=%s): %s",
		e.UserID, e.SessionID, strings.Join(e.Violations, "; "))
}

// Unwrap allows errors.Is(..., contextutils.ErrInvariantViolation) to work.
func (e *InvariantViolationError) Unwrap() error {
	return contextutils.ErrInvariantViolation
}
