package validation

import "time"

// DateLayout is the wire format of calendar dates.
const DateLayout = "2006-01-02"

// Participant identifies the person being screened.
type Participant struct {
	NHSNumber   string `json:"nhs_number" validate:"required,len=10,numeric"`
	FirstName   string `json:"first_name" validate:"required,max=64"`
	LastName    string `json:"last_name" validate:"required,max=64"`
	DateOfBirth string `json:"date_of_birth" validate:"required,datetime=2006-01-02"`
	Gender      string `json:"gender,omitempty" validate:"omitempty,max=16"`
}

// CreateWorklistItemRequest is the payload for POST /worklist-items
type CreateWorklistItemRequest struct {
	AppointmentID string      `json:"appointment_id" validate:"required,max=128"`
	ProviderID    string      `json:"provider_id" validate:"required,max=64"`
	SlotStartsAt  time.Time   `json:"slot_starts_at" validate:"required"`
	Participant   Participant `json:"participant"`
}

// BirthDate parses DateOfBirth. It only fails for requests that did not pass
// validation.
func (p Participant) BirthDate() (time.Time, error) {
	return time.Parse(DateLayout, p.DateOfBirth)
}
