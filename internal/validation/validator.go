package validation

import (
	validatorv10 "github.com/go-playground/validator/v10"
)

// New returns a configured validator with custom struct-level validation registered.
func New() *validatorv10.Validate {
	v := validatorv10.New()

	// a participant cannot be booked before they were born
	v.RegisterStructValidation(createWorklistItemStructValidation, CreateWorklistItemRequest{})

	return v
}

func createWorklistItemStructValidation(sl validatorv10.StructLevel) {
	req := sl.Current().Interface().(CreateWorklistItemRequest)

	dob, err := req.Participant.BirthDate()
	if err != nil || req.SlotStartsAt.IsZero() {
		// field-level tags report these
		return
	}
	if !dob.Before(req.SlotStartsAt) {
		sl.ReportError(req.Participant.DateOfBirth, "date_of_birth", "DateOfBirth", "before_slot", "")
	}
}
