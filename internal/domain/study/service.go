package study

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/radpipe/internal/platform/auth"
	"github.com/ehr/radpipe/internal/platform/blobstore"
	"github.com/ehr/radpipe/internal/platform/hipaa"
	"github.com/ehr/radpipe/internal/platform/imaging"
)

// versioned is implemented by encryptors that stamp a key version.
type versioned interface {
	CurrentVersion() int
}

// rekeyer is implemented by encryptors that support key rotation.
type rekeyer interface {
	versioned
	NeedsReEncryption(token []byte) bool
	ReEncrypt(token []byte) ([]byte, error)
}

// ErrRotationUnsupported is returned by ReEncrypt when the configured
// encryptor has no notion of key versions.
var ErrRotationUnsupported = errors.New("study: encryptor does not support key rotation")

type Service struct {
	repo   StudyRepository
	blobs  blobstore.Store
	enc    hipaa.BlobEncryptor
	audit  auth.Auditor
	logger zerolog.Logger
}

func NewService(repo StudyRepository, blobs blobstore.Store, enc hipaa.BlobEncryptor, audit auth.Auditor, logger zerolog.Logger) *Service {
	return &Service{repo: repo, blobs: blobs, enc: enc, audit: audit, logger: logger}
}

// PersistStudy de-identifies the volume, encrypts voxels and metadata
// independently, writes <id>/image.enc and <id>/metadata.enc and records the
// study row. Blobs already written are removed if a later step fails.
func (s *Service) PersistStudy(ctx context.Context, in PersistInput) (id uuid.UUID, err error) {
	actor := auth.UserIDFromContext(ctx)
	if actor == "" {
		actor = in.CreatedBy
	}
	id = in.StudyID
	if id == uuid.Nil {
		id = uuid.New()
	}
	defer func() {
		status := hipaa.StatusSuccess
		if err != nil {
			status = hipaa.StatusFailed
		}
		s.audit.Record(ctx, actor, hipaa.ActionPersistStudy, id.String(), status)
	}()

	if in.Volume == nil {
		return id, ErrNoVolume
	}
	vol := imaging.Deidentify(in.Volume)

	meta := Metadata{
		StudyID:  id.String(),
		Patient:  in.Patient,
		Geometry: imaging.GeometryOf(vol),
		Extra:    in.Extra,
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return id, fmt.Errorf("marshal study metadata: %w", err)
	}

	sealedImage, err := s.enc.EncryptBytes(vol.VoxelBytes())
	if err != nil {
		return id, fmt.Errorf("encrypt study image: %w", err)
	}
	sealedMeta, err := s.enc.EncryptBytes(metaJSON)
	if err != nil {
		return id, fmt.Errorf("encrypt study metadata: %w", err)
	}

	written := make([]string, 0, 2)
	defer func() {
		if err == nil {
			return
		}
		for _, key := range written {
			if derr := s.blobs.Delete(context.WithoutCancel(ctx), key); derr != nil {
				s.logger.Warn().Err(derr).Str("key", key).Msg("orphaned study blob")
			}
		}
	}()

	if err = s.blobs.Put(ctx, imageKey(id), sealedImage); err != nil {
		return id, fmt.Errorf("store study image: %w", err)
	}
	written = append(written, imageKey(id))
	if err = s.blobs.Put(ctx, metadataKey(id), sealedMeta); err != nil {
		return id, fmt.Errorf("store study metadata: %w", err)
	}
	written = append(written, metadataKey(id))

	row := &Study{
		ID:                    id,
		EncryptedFilePath:     s.blobs.Location(imageKey(id)),
		EncryptedMetadataBlob: base64.StdEncoding.EncodeToString(sealedMeta),
		KeyVersion:            1,
		CreatedBy:             actor,
	}
	if in.Patient != nil {
		row.PatientUUID = in.Patient.AnonymizedID
	}
	if v, ok := s.enc.(versioned); ok {
		row.KeyVersion = v.CurrentVersion()
	}
	if err = s.repo.Create(ctx, row); err != nil {
		return id, err
	}

	s.logger.Info().Str("study_id", id.String()).Int("voxels", vol.Voxels()).Msg("study persisted")
	return id, nil
}

// Read returns the study row with its decrypted metadata. The caller in ctx
// must be allowed to read studies; every attempt is audited.
func (s *Service) Read(ctx context.Context, id uuid.UUID) (d *Detail, err error) {
	defer func() { s.record(ctx, hipaa.ActionReadStudy, id.String(), err) }()
	if err := auth.Check(ctx, auth.ActionReadStudy); err != nil {
		return nil, err
	}
	st, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	meta, err := s.loadMetadata(st)
	if err != nil {
		return nil, err
	}
	return &Detail{Study: st, Metadata: meta}, nil
}

// Export decrypts image.enc and rebuilds the de-identified volume with the
// geometry recorded in the metadata.
func (s *Service) Export(ctx context.Context, id uuid.UUID) (vol *imaging.Volume, err error) {
	defer func() { s.record(ctx, hipaa.ActionExportStudy, id.String(), err) }()
	if err := auth.Check(ctx, auth.ActionReadStudy); err != nil {
		return nil, err
	}
	st, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	meta, err := s.loadMetadata(st)
	if err != nil {
		return nil, err
	}
	return s.loadVolume(ctx, id, meta)
}

// ListForPatient returns up to limit studies recorded for a pseudonymous
// patient, newest first. Limits outside 1..MaxListLimit mean MaxListLimit.
func (s *Service) ListForPatient(ctx context.Context, patientUUID string, limit int) (out []*Study, err error) {
	defer func() { s.record(ctx, hipaa.ActionReadStudy, patientUUID, err) }()
	if err := auth.Check(ctx, auth.ActionReadStudy); err != nil {
		return nil, err
	}
	return s.repo.ListByPatient(ctx, patientUUID, limit)
}

func (s *Service) record(ctx context.Context, action, resource string, err error) {
	status := hipaa.StatusSuccess
	switch {
	case errors.Is(err, auth.ErrForbidden):
		status = hipaa.StatusDenied
	case err != nil:
		status = hipaa.StatusFailed
	}
	actor := auth.UserIDFromContext(ctx)
	if actor == "" {
		actor = "unknown"
	}
	s.audit.Record(ctx, actor, action, resource, status)
}

func (s *Service) loadMetadata(st *Study) (*Metadata, error) {
	sealed, err := base64.StdEncoding.DecodeString(st.EncryptedMetadataBlob)
	if err != nil {
		return nil, fmt.Errorf("decode study metadata: %w", err)
	}
	plain, err := s.enc.DecryptBytes(sealed)
	if err != nil {
		return nil, fmt.Errorf("decrypt study metadata: %w", err)
	}
	var meta Metadata
	if err := json.Unmarshal(plain, &meta); err != nil {
		return nil, fmt.Errorf("unmarshal study metadata: %w", err)
	}
	return &meta, nil
}

func (s *Service) loadVolume(ctx context.Context, id uuid.UUID, meta *Metadata) (*imaging.Volume, error) {
	sealed, err := s.blobs.Get(ctx, imageKey(id))
	if errors.Is(err, blobstore.ErrBlobNotFound) {
		return nil, fmt.Errorf("%w: image blob missing", ErrStudyNotFound)
	}
	if err != nil {
		return nil, err
	}
	plain, err := s.enc.DecryptBytes(sealed)
	if err != nil {
		return nil, fmt.Errorf("decrypt study image: %w", err)
	}
	data, err := imaging.VoxelsFromBytes(plain)
	if err != nil {
		return nil, err
	}
	vol := &imaging.Volume{
		Dims:      meta.Geometry.Dims,
		Spacing:   meta.Geometry.Spacing,
		Origin:    meta.Geometry.Origin,
		Direction: meta.Geometry.Direction,
		Format:    meta.Geometry.Format,
		Data:      data,
	}
	if err := vol.Validate(); err != nil {
		return nil, fmt.Errorf("stored study is inconsistent: %w", err)
	}
	return vol, nil
}

// ReEncrypt reseals both artifacts of a study under the current key. It
// reports false when the study already uses the current key.
func (s *Service) ReEncrypt(ctx context.Context, id uuid.UUID) (changed bool, err error) {
	defer func() {
		status := hipaa.StatusSuccess
		if err != nil {
			status = hipaa.StatusFailed
		}
		s.audit.Record(ctx, auth.UserIDFromContext(ctx), hipaa.ActionRekeyStudy, id.String(), status)
	}()
	rk, ok := s.enc.(rekeyer)
	if !ok {
		return false, ErrRotationUnsupported
	}
	st, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return false, err
	}
	sealedMeta, err := base64.StdEncoding.DecodeString(st.EncryptedMetadataBlob)
	if err != nil {
		return false, fmt.Errorf("decode study metadata: %w", err)
	}
	sealedImage, err := s.blobs.Get(ctx, imageKey(id))
	if err != nil {
		return false, fmt.Errorf("read study image: %w", err)
	}
	if !rk.NeedsReEncryption(sealedMeta) && !rk.NeedsReEncryption(sealedImage) {
		return false, nil
	}

	newImage, err := rk.ReEncrypt(sealedImage)
	if err != nil {
		return false, fmt.Errorf("re-encrypt study image: %w", err)
	}
	newMeta, err := rk.ReEncrypt(sealedMeta)
	if err != nil {
		return false, fmt.Errorf("re-encrypt study metadata: %w", err)
	}

	if err := s.blobs.Put(ctx, imageKey(id), newImage); err != nil {
		return false, fmt.Errorf("store study image: %w", err)
	}
	if err := s.blobs.Put(ctx, metadataKey(id), newMeta); err != nil {
		return false, fmt.Errorf("store study metadata: %w", err)
	}
	if err := s.repo.UpdateEncryption(ctx, id, base64.StdEncoding.EncodeToString(newMeta), rk.CurrentVersion()); err != nil {
		return false, err
	}
	s.logger.Info().Str("study_id", id.String()).Int("key_version", rk.CurrentVersion()).Msg("study re-encrypted")
	return true, nil
}
