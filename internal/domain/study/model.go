// Package study persists encrypted imaging studies: voxel data and metadata
// go to the blob store as separately encrypted artifacts, and a row in the
// studies table links them to the pseudonymous patient.
package study

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/radpipe/internal/platform/imaging"
)

var (
	ErrStudyNotFound = errors.New("study not found")
	ErrNoVolume      = errors.New("study: volume is required")
)

// Blob names inside a study directory.
const (
	ImageBlob    = "image.enc"
	MetadataBlob = "metadata.enc"
)

// Study maps to the studies table.
type Study struct {
	ID                    uuid.UUID `db:"id" json:"id"`
	PatientUUID           string    `db:"patient_uuid" json:"patient_uuid"`
	StudyDate             time.Time `db:"study_date" json:"study_date"`
	EncryptedFilePath     string    `db:"encrypted_file_path" json:"encrypted_file_path"`
	EncryptedMetadataBlob string    `db:"encrypted_metadata_blob" json:"-"`
	KeyVersion            int       `db:"key_version" json:"key_version"`
	CreatedBy             string    `db:"created_by" json:"created_by,omitempty"`
	CreatedAt             time.Time `db:"created_at" json:"created_at"`
}

// MaxListLimit caps ListForPatient.
const MaxListLimit = 100

// Detail is a study row together with its decrypted metadata.
type Detail struct {
	*Study
	Metadata *Metadata `json:"metadata"`
}

// Metadata is the plaintext of metadata.enc.
type Metadata struct {
	StudyID  string                `json:"study_id"`
	Patient  *imaging.Demographics `json:"patient,omitempty"`
	Geometry imaging.Geometry      `json:"geometry"`
	Extra    map[string]string     `json:"extra,omitempty"`
}

// PersistInput describes one study to store. A nil StudyID is replaced by a
// random UUID.
type PersistInput struct {
	StudyID   uuid.UUID
	Volume    *imaging.Volume
	Patient   *imaging.Demographics
	Extra     map[string]string
	CreatedBy string
}

func imageKey(id uuid.UUID) string    { return id.String() + "/" + ImageBlob }
func metadataKey(id uuid.UUID) string { return id.String() + "/" + MetadataBlob }
