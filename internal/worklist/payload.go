package worklist

import (
	"encoding/json"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/imrishuroy/screening-gateway/internal/actions"
)

// SchemaVersion is the envelope version understood by the gateway.
const SchemaVersion = 1

// SourceSystem identifies this service to the gateway.
const SourceSystem = "manage-breast-screening"

// DICOM date and time layouts.
const (
	dicomDate = "20060102"
	dicomTime = "150405"
)

// Participant is the person being screened.
type Participant struct {
	NHSNumber   string
	FirstName   string
	LastName    string
	DateOfBirth time.Time
	Gender      string
}

// Appointment is a booked screening slot.
type Appointment struct {
	ID          string
	ProviderID  string
	StartsAt    time.Time
	Participant Participant
}

// Envelope is the action message sent to the gateway.
type Envelope struct {
	SchemaVersion   int             `json:"schema_version"`
	ActionID        string          `json:"action_id"`
	ActionType      string          `json:"action_type"`
	Timestamp       string          `json:"timestamp"`
	SourceSystem    string          `json:"source_system"`
	SourceReference SourceReference `json:"source_reference"`
	Parameters      Parameters      `json:"parameters"`
}

type SourceReference struct {
	AppointmentID string `json:"appointment_id"`
	ParticipantID string `json:"participant_id"`
}

type Parameters struct {
	WorklistItem Item `json:"worklist_item"`
}

type Item struct {
	AccessionNumber string          `json:"accession_number"`
	Participant     ItemParticipant `json:"participant"`
	Scheduled       Scheduled       `json:"scheduled"`
	Procedure       Procedure       `json:"procedure"`
}

type ItemParticipant struct {
	NHSNumber string `json:"nhs_number"`
	Name      string `json:"name"`
	BirthDate string `json:"birth_date"`
	Sex       string `json:"sex"`
}

type Scheduled struct {
	Date string `json:"date"`
	Time string `json:"time"`
}

type Procedure struct {
	Modality         string `json:"modality"`
	StudyDescription string `json:"study_description"`
}

// NewEnvelope builds the worklist.create_item envelope for an appointment.
// now stamps the envelope; every other field is derived from the inputs.
func NewEnvelope(appt Appointment, actionID, accession string, now time.Time) Envelope {
	p := appt.Participant
	starts := appt.StartsAt.UTC()
	return Envelope{
		SchemaVersion: SchemaVersion,
		ActionID:      actionID,
		ActionType:    actions.TypeWorklistCreateItem,
		Timestamp:     now.UTC().Format(time.RFC3339),
		SourceSystem:  SourceSystem,
		SourceReference: SourceReference{
			AppointmentID: appt.ID,
			ParticipantID: p.NHSNumber,
		},
		Parameters: Parameters{
			WorklistItem: Item{
				AccessionNumber: accession,
				Participant: ItemParticipant{
					NHSNumber: p.NHSNumber,
					Name:      PersonName(p.LastName, p.FirstName),
					BirthDate: p.DateOfBirth.Format(dicomDate),
					Sex:       Sex(p.Gender),
				},
				Scheduled: Scheduled{
					Date: starts.Format(dicomDate),
					Time: starts.Format(dicomTime),
				},
				Procedure: Procedure{
					Modality:         "MG",
					StudyDescription: "Screening Mammography",
				},
			},
		},
	}
}

// BuildPayload returns the JSON encoding of NewEnvelope.
func BuildPayload(appt Appointment, actionID, accession string, now time.Time) (json.RawMessage, error) {
	return json.Marshal(NewEnvelope(appt, actionID, accession, now))
}

// PersonName formats a DICOM PN value: LAST^FIRST, upper-cased.
func PersonName(last, first string) string {
	return strings.ToUpper(last) + "^" + strings.ToUpper(first)
}

// Sex returns the upper-cased first letter of gender, or "F" when gender is
// empty.
func Sex(gender string) string {
	gender = strings.TrimSpace(gender)
	if gender == "" {
		return "F"
	}
	r, _ := utf8.DecodeRuneInString(gender)
	return string(unicode.ToUpper(r))
}
