package study

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ehr/radpipe/internal/platform/db"
)

type studyRepoSQL struct {
	db *db.DB
}

// NewStudyRepo returns a StudyRepository over PostgreSQL or SQLite.
func NewStudyRepo(database *db.DB) StudyRepository {
	return &studyRepoSQL{db: database}
}

const studyCols = `id, patient_uuid, study_date, encrypted_file_path, encrypted_metadata_blob,
	key_version, created_by, created_at`

func (r *studyRepoSQL) Create(ctx context.Context, s *Study) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	s.CreatedAt = db.Now()
	if s.StudyDate.IsZero() {
		s.StudyDate = s.CreatedAt
	}

	var createdBy sql.NullString
	if s.CreatedBy != "" {
		createdBy = sql.NullString{String: s.CreatedBy, Valid: true}
	}

	_, err := r.db.SQL.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO studies (id, patient_uuid, study_date, encrypted_file_path, encrypted_metadata_blob,
			key_version, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		s.ID.String(), s.PatientUUID, s.StudyDate, s.EncryptedFilePath, s.EncryptedMetadataBlob,
		s.KeyVersion, createdBy, s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("study create: %w", err)
	}
	return nil
}

func (r *studyRepoSQL) GetByID(ctx context.Context, id uuid.UUID) (*Study, error) {
	row := r.db.SQL.QueryRowContext(ctx,
		r.db.Rebind(`SELECT `+studyCols+` FROM studies WHERE id = ?`), id.String())
	s, err := scanStudy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStudyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("study get by id: %w", err)
	}
	return s, nil
}

func (r *studyRepoSQL) ListByPatient(ctx context.Context, patientUUID string, limit int) ([]*Study, error) {
	if limit <= 0 || limit > MaxListLimit {
		limit = MaxListLimit
	}
	rows, err := r.db.SQL.QueryContext(ctx,
		r.db.Rebind(`SELECT `+studyCols+` FROM studies WHERE patient_uuid = ? ORDER BY study_date DESC LIMIT ?`),
		patientUUID, limit)
	if err != nil {
		return nil, fmt.Errorf("study list by patient: %w", err)
	}
	defer rows.Close()

	var out []*Study
	for rows.Next() {
		s, err := scanStudy(rows)
		if err != nil {
			return nil, fmt.Errorf("study list by patient: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *studyRepoSQL) UpdateEncryption(ctx context.Context, id uuid.UUID, metadataBlob string, keyVersion int) error {
	res, err := r.db.SQL.ExecContext(ctx,
		r.db.Rebind(`UPDATE studies SET encrypted_metadata_blob = ?, key_version = ? WHERE id = ?`),
		metadataBlob, keyVersion, id.String())
	if err != nil {
		return fmt.Errorf("study update encryption: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("study update encryption: %w", err)
	}
	if n == 0 {
		return ErrStudyNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanStudy(row scanner) (*Study, error) {
	var (
		s                    Study
		id                   string
		createdBy            sql.NullString
		studyDate, createdAt db.Timestamp
	)
	if err := row.Scan(&id, &s.PatientUUID, &studyDate, &s.EncryptedFilePath, &s.EncryptedMetadataBlob,
		&s.KeyVersion, &createdBy, &createdAt); err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse study id: %w", err)
	}
	s.ID = parsed
	s.StudyDate = studyDate.Time
	s.CreatedAt = createdAt.Time
	s.CreatedBy = createdBy.String
	return &s, nil
}
