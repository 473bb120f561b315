package study

import (
	"context"

	"github.com/google/uuid"
)

type StudyRepository interface {
	Create(ctx context.Context, s *Study) error
	GetByID(ctx context.Context, id uuid.UUID) (*Study, error)
	ListByPatient(ctx context.Context, patientUUID string, limit int) ([]*Study, error)
	UpdateEncryption(ctx context.Context, id uuid.UUID, metadataBlob string, keyVersion int) error
}
