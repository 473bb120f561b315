package study

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/ehr/radpipe/internal/platform/db"
)

var studyColumns = []string{"id", "patient_uuid", "study_date", "encrypted_file_path",
	"encrypted_metadata_blob", "key_version", "created_by", "created_at"}

func newMockRepo(t *testing.T) (StudyRepository, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })
	return NewStudyRepo(db.Wrap(sqlDB, db.DriverPostgres)), mock
}

func newSQLiteRepo(t *testing.T) StudyRepository {
	t.Helper()
	ctx := context.Background()
	sqlDB, err := db.OpenSQLite(ctx, db.MemoryPath)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })
	database := db.Wrap(sqlDB, db.DriverSQLite)
	if _, err := db.NewMigrator(database, db.EmbeddedMigrations()).Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewStudyRepo(database)
}

func TestStudyRepo_GetByID(t *testing.T) {
	repo, mock := newMockRepo(t)
	id := uuid.New()
	at := time.Date(2026, 6, 2, 9, 30, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM studies WHERE id = $1`)).
		WithArgs(id.String()).
		WillReturnRows(sqlmock.NewRows(studyColumns).
			AddRow(id.String(), "pseudo-1", at, "/data/"+id.String()+"/image.enc", "c2VhbGVk", 2, nil, at))

	s, err := repo.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("GetByID() error: %v", err)
	}
	if s.ID != id || s.KeyVersion != 2 || s.CreatedBy != "" || !s.StudyDate.Equal(at) {
		t.Errorf("unexpected study %+v", s)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestStudyRepo_GetByID_NotFound(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery(regexp.QuoteMeta(`FROM studies WHERE id = $1`)).
		WillReturnRows(sqlmock.NewRows(studyColumns))

	if _, err := repo.GetByID(context.Background(), uuid.New()); !errors.Is(err, ErrStudyNotFound) {
		t.Errorf("expected ErrStudyNotFound, got %v", err)
	}
}

func TestStudyRepo_Create_Postgres(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectExec(regexp.QuoteMeta(`VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	s := &Study{PatientUUID: "pseudo-1", EncryptedFilePath: "mem://x/image.enc", KeyVersion: 1, CreatedBy: "dr_smith"}
	if err := repo.Create(context.Background(), s); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if s.ID == uuid.Nil || s.CreatedAt.IsZero() || !s.StudyDate.Equal(s.CreatedAt) {
		t.Errorf("expected defaults to be filled, got %+v", s)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestStudyRepo_UpdateEncryption_NotFound(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE studies SET encrypted_metadata_blob = $1, key_version = $2 WHERE id = $3`)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := repo.UpdateEncryption(context.Background(), uuid.New(), "x", 2); !errors.Is(err, ErrStudyNotFound) {
		t.Errorf("expected ErrStudyNotFound, got %v", err)
	}
}

func TestStudyRepo_SQLiteRoundTrip(t *testing.T) {
	repo := newSQLiteRepo(t)
	ctx := context.Background()

	older := &Study{
		PatientUUID:           "pseudo-1",
		StudyDate:             time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC),
		EncryptedFilePath:     "mem://a/image.enc",
		EncryptedMetadataBlob: "b2xk",
		KeyVersion:            1,
	}
	newer := &Study{
		PatientUUID:           "pseudo-1",
		StudyDate:             time.Date(2026, 3, 9, 8, 0, 0, 0, time.UTC),
		EncryptedFilePath:     "mem://b/image.enc",
		EncryptedMetadataBlob: "bmV3",
		KeyVersion:            1,
		CreatedBy:             "dr_smith",
	}
	other := &Study{PatientUUID: "pseudo-2", EncryptedFilePath: "mem://c/image.enc", KeyVersion: 1}
	for _, s := range []*Study{older, newer, other} {
		if err := repo.Create(ctx, s); err != nil {
			t.Fatalf("Create() error: %v", err)
		}
	}

	got, err := repo.GetByID(ctx, older.ID)
	if err != nil {
		t.Fatalf("GetByID() error: %v", err)
	}
	if got.CreatedBy != "" || got.EncryptedMetadataBlob != "b2xk" || !got.StudyDate.Equal(older.StudyDate) {
		t.Errorf("unexpected study %+v", got)
	}

	list, err := repo.ListByPatient(ctx, "pseudo-1", 10)
	if err != nil {
		t.Fatalf("ListByPatient() error: %v", err)
	}
	if len(list) != 2 || list[0].ID != newer.ID || list[1].ID != older.ID {
		t.Fatalf("expected newest first, got %d studies", len(list))
	}
	if list[0].CreatedBy != "dr_smith" {
		t.Errorf("expected created_by dr_smith, got %q", list[0].CreatedBy)
	}

	if err := repo.UpdateEncryption(ctx, older.ID, "cm90YXRlZA==", 2); err != nil {
		t.Fatalf("UpdateEncryption() error: %v", err)
	}
	got, _ = repo.GetByID(ctx, older.ID)
	if got.KeyVersion != 2 || got.EncryptedMetadataBlob != "cm90YXRlZA==" {
		t.Errorf("expected rotated row, got %+v", got)
	}
}
