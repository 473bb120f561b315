package diagnostics

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/radpipe/internal/domain/study"
	"github.com/ehr/radpipe/internal/platform/auth"
	"github.com/ehr/radpipe/internal/platform/hipaa"
	"github.com/ehr/radpipe/internal/platform/imaging"
	"github.com/ehr/radpipe/internal/platform/webhook"
)

// StudyPersister stores a de-identified study. *study.Service satisfies it.
type StudyPersister interface {
	PersistStudy(ctx context.Context, in study.PersistInput) (uuid.UUID, error)
}

// Notifier publishes completion events to downstream systems.
// *webhook.Dispatcher satisfies it.
type Notifier interface {
	Publish(ctx context.Context, eventType, resourceID string, data any)
}

// CompletedEvent is the PHI-free summary published after a successful run.
type CompletedEvent struct {
	StudyID        string  `json:"study_id,omitempty"`
	ImageSource    string  `json:"image_source"`
	DiceScore      float64 `json:"dice_score"`
	RiskScore      float64 `json:"risk_score"`
	AlignmentScore float64 `json:"alignment_score"`
	LatencySec     float64 `json:"latency_sec"`
}

// Service runs diagnostic requests and audits their outcome.
type Service struct {
	pipeline *Pipeline
	studies  StudyPersister
	audit    auth.Auditor
	notifier Notifier
	logger   zerolog.Logger
}

// NewService wires the pipeline to study persistence. studies may be nil, in
// which case patient data on a request is ignored.
func NewService(pipeline *Pipeline, studies StudyPersister, audit auth.Auditor, logger zerolog.Logger) *Service {
	return &Service{pipeline: pipeline, studies: studies, audit: audit, logger: logger}
}

// SetNotifier enables completion events.
func (s *Service) SetNotifier(n Notifier) {
	s.notifier = n
}

// Diagnose runs the pipeline and, for uploaded images with a patient
// identifier, persists the study. Exactly one run_pipeline audit record is
// written per call.
func (s *Service) Diagnose(ctx context.Context, req Request) (res *Result, err error) {
	actor := auth.UserIDFromContext(ctx)
	if actor == "" {
		actor = "system"
	}
	resource := req.Filename
	if resource == "" {
		resource = "none"
	}
	defer func() {
		status := hipaa.StatusSuccess
		if err != nil {
			status = hipaa.StatusFailed
		}
		s.audit.Record(ctx, actor, hipaa.ActionRunPipeline, resource, status)
	}()

	if strings.TrimSpace(req.History) == "" {
		return nil, ErrMissingHistory
	}
	if len(req.History) > MaxHistoryBytes {
		return nil, ErrHistoryTooLong
	}

	res, err = s.pipeline.Run(ctx, req.ImagePath, req.History)
	if err != nil {
		s.logger.Error().Err(err).Msg("diagnostic pipeline failed")
		return nil, err
	}

	if err := s.persist(ctx, req, res, actor); err != nil {
		return nil, err
	}
	s.notify(ctx, res)
	return res, nil
}

func (s *Service) persist(ctx context.Context, req Request, res *Result, actor string) error {
	if req.Patient == nil || s.studies == nil {
		return nil
	}
	if res.ImageSource != ImageSourceUpload || res.Source == nil {
		s.logger.Info().Msg("synthetic run, study not persisted")
		return nil
	}

	raw := *req.Patient
	if raw.ClinicalHistory == "" {
		raw.ClinicalHistory = req.History
	}
	patient, err := imaging.CanonicalizeDemographics(raw)
	if err != nil {
		return &StageError{Stage: StagePersist, Err: err}
	}
	id, err := s.studies.PersistStudy(ctx, study.PersistInput{
		Volume:    res.Source,
		Patient:   &patient,
		Extra:     map[string]string{"report": res.Report},
		CreatedBy: actor,
	})
	if err != nil {
		return &StageError{Stage: StagePersist, Err: err}
	}
	res.StudyID = id.String()
	return nil
}

func (s *Service) notify(ctx context.Context, res *Result) {
	if s.notifier == nil {
		return
	}
	s.notifier.Publish(ctx, webhook.EventDiagnosticCompleted, res.StudyID, CompletedEvent{
		StudyID:        res.StudyID,
		ImageSource:    res.ImageSource,
		DiceScore:      res.DiceScore,
		RiskScore:      res.RiskScore,
		AlignmentScore: res.AlignmentScore,
		LatencySec:     res.LatencySec,
	})
}
