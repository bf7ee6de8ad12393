// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidStatus       = errors.New("campaign status does not allow this operation")
	ErrNoChannels          = errors.New("campaign has no channels selected")
	ErrNoRecipients        = errors.New("audience resolved to zero consenting recipients")
	ErrUnsupportedAudience = errors.New("unsupported audience specification")
	ErrComplianceViolation = errors.New("campaign content failed compliance")
	ErrForbidden           = errors.New("operator is not allowed to perform this operation")
	ErrValidation          = errors.New("validation failed")
	ErrMessageResolved     = errors.New("campaign message already resolved")
	ErrMemberNotFound      = errors.New("member not found")

	// ErrDeliveryInDoubt marks a message whose last provider call has no
	// recorded outcome. It is failed instead of being sent again.
	ErrDeliveryInDoubt = errors.New("outcome of an earlier delivery attempt was not recorded")
)

// ErrCampaignNotFound is returned when no campaign with the ID exists for
// the calling tenant.
type ErrCampaignNotFound struct {
	CampaignID int
}

func (e *ErrCampaignNotFound) Error() string {
	return fmt.Sprintf("campaign with ID %d not found", e.CampaignID)
}

// Helper constructor
func NewCampaignNotFound(id int) error {
	return &ErrCampaignNotFound{CampaignID: id}
}

func IsNotFound(err error) bool {
	var nf *ErrCampaignNotFound
	return errors.As(err, &nf) || errors.Is(err, ErrMemberNotFound)
}

// StatusError carries the status that blocked an operation.
type StatusError struct {
	CampaignID int
	Status     string
	Op         string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("cannot %s campaign %d in status %q", e.Op, e.CampaignID, e.Status)
}

func (e *StatusError) Unwrap() error { return ErrInvalidStatus }

func NewStatusError(id int, status, op string) error {
	return &StatusError{CampaignID: id, Status: status, Op: op}
}

// ComplianceError lists the reasons content was rejected.
type ComplianceError struct {
	Violations []string
}

func (e *ComplianceError) Error() string {
	return "compliance violations: " + strings.Join(e.Violations, "; ")
}

func (e *ComplianceError) Unwrap() error { return ErrComplianceViolation }
