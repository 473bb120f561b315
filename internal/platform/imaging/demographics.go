package imaging

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

// ErrMissingPatientID is returned when raw demographics carry no identifier.
var ErrMissingPatientID = errors.New("imaging: patient_id is required")

// RawDemographics is the caller-supplied patient record.
type RawDemographics struct {
	PatientID       string `json:"patient_id"`
	Age             *int   `json:"age,omitempty"`
	Gender          string `json:"gender,omitempty"`
	ClinicalHistory string `json:"clinical_history,omitempty"`
}

// Demographics is the canonical, pseudonymous patient record.
type Demographics struct {
	Age          *int   `json:"age,omitempty"`
	Gender       string `json:"gender,omitempty"`
	History      string `json:"clinical_history,omitempty"`
	AnonymizedID string `json:"anonymized_id"`
}

// CanonicalizeDemographics maps raw input to Demographics. AnonymizedID is
// the UUIDv5 of the patient identifier in the DNS namespace, so the same
// identifier always yields the same pseudonym.
func CanonicalizeDemographics(raw RawDemographics) (Demographics, error) {
	id := strings.TrimSpace(raw.PatientID)
	if id == "" {
		return Demographics{}, ErrMissingPatientID
	}
	return Demographics{
		Age:          raw.Age,
		Gender:       strings.ToLower(strings.TrimSpace(raw.Gender)),
		History:      strings.TrimSpace(raw.ClinicalHistory),
		AnonymizedID: PseudonymFor(id).String(),
	}, nil
}

// PseudonymFor derives the stable pseudonymous UUID for a patient identifier.
func PseudonymFor(patientID string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceDNS, []byte(patientID))
}
