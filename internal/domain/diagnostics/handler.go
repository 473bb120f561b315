package diagnostics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/radpipe/internal/platform/auth"
	"github.com/ehr/radpipe/internal/platform/hipaa"
	"github.com/ehr/radpipe/internal/platform/imaging"
	"github.com/ehr/radpipe/internal/platform/middleware"
)

// Uploads beyond this are spooled to disk by mime/multipart.
const multipartMemory = 32 << 20

// HandlerConfig controls upload staging and the per-request pipeline deadline.
type HandlerConfig struct {
	UploadDir string
	Timeout   time.Duration
}

type Handler struct {
	svc   *Service
	audit auth.Auditor
	cfg   HandlerConfig
}

func NewHandler(svc *Service, audit auth.Auditor, cfg HandlerConfig) *Handler {
	return &Handler{svc: svc, audit: audit, cfg: cfg}
}

// RegisterRoutes mounts POST /diagnose behind the diagnose permission. The
// bearer token is checked by the global JWT middleware.
func (h *Handler) RegisterRoutes(e *echo.Echo, mw ...echo.MiddlewareFunc) {
	mw = append(mw, auth.RequireAction(auth.ActionDiagnose, h.audit))
	e.POST("/diagnose", h.Diagnose, mw...)
}

// Diagnose accepts multipart history and file fields, with optional
// patient_id, age and gender, and returns the pipeline result.
func (h *Handler) Diagnose(c echo.Context) error {
	ctx := c.Request().Context()
	user := auth.UserIDFromContext(ctx)

	if err := c.Request().ParseMultipartForm(multipartMemory); middleware.IsBodyTooLarge(err) {
		h.audit.Record(ctx, user, hipaa.ActionRunPipeline, "none", hipaa.StatusFailed)
		return err
	}

	history := c.FormValue("history")
	fh, err := c.FormFile("file")
	if err != nil || strings.TrimSpace(history) == "" {
		h.audit.Record(ctx, user, hipaa.ActionRunPipeline, "none", hipaa.StatusFailed)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, ErrMissingFile.Error())
		}
		return echo.NewHTTPError(http.StatusBadRequest, ErrMissingHistory.Error())
	}
	if len(history) > MaxHistoryBytes {
		h.audit.Record(ctx, user, hipaa.ActionRunPipeline, "none", hipaa.StatusFailed)
		return echo.NewHTTPError(http.StatusBadRequest, ErrHistoryTooLong.Error())
	}

	filename := middleware.SanitizeFilename(fh.Filename)

	patient, err := patientFromForm(c)
	if err != nil {
		h.audit.Record(ctx, user, hipaa.ActionRunPipeline, filename, hipaa.StatusFailed)
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	path, err := h.stageUpload(c)
	if err != nil {
		h.audit.Record(ctx, user, hipaa.ActionRunPipeline, filename, hipaa.StatusFailed)
		return echo.NewHTTPError(http.StatusInternalServerError, "could not store upload").SetInternal(err)
	}
	defer os.Remove(path)

	if h.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.cfg.Timeout)
		defer cancel()
	}

	res, err := h.svc.Diagnose(ctx, Request{
		ImagePath: path,
		History:   history,
		Filename:  filename,
		Patient:   patient,
	})
	if err != nil {
		return diagnoseError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func diagnoseError(err error) error {
	switch {
	case errors.Is(err, ErrMissingHistory), errors.Is(err, ErrHistoryTooLong):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, imaging.ErrImageParse):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "uploaded file is not a supported medical image")
	case errors.Is(err, imaging.ErrMissingPatientID):
		return echo.NewHTTPError(http.StatusBadRequest, "patient_id is required")
	case errors.Is(err, context.DeadlineExceeded):
		return echo.NewHTTPError(http.StatusGatewayTimeout, "diagnostic pipeline timed out").SetInternal(err)
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "diagnostic pipeline failed").SetInternal(err)
	}
}

// stageUpload copies the multipart file to a unique temp file in UploadDir.
func (h *Handler) stageUpload(c echo.Context) (string, error) {
	fh, err := c.FormFile("file")
	if err != nil {
		return "", err
	}
	src, err := fh.Open()
	if err != nil {
		return "", fmt.Errorf("open upload: %w", err)
	}
	defer src.Close()

	if h.cfg.UploadDir != "" {
		if err := os.MkdirAll(h.cfg.UploadDir, 0o700); err != nil {
			return "", fmt.Errorf("create upload dir: %w", err)
		}
	}
	dst, err := os.CreateTemp(h.cfg.UploadDir, "upload-*")
	if err != nil {
		return "", fmt.Errorf("create temp upload: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(dst.Name())
		return "", fmt.Errorf("write temp upload: %w", err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(dst.Name())
		return "", fmt.Errorf("close temp upload: %w", err)
	}
	return dst.Name(), nil
}

func patientFromForm(c echo.Context) (*imaging.RawDemographics, error) {
	id := strings.TrimSpace(c.FormValue("patient_id"))
	if id == "" {
		return nil, nil
	}
	raw := &imaging.RawDemographics{
		PatientID: id,
		Gender:    c.FormValue("gender"),
	}
	if s := strings.TrimSpace(c.FormValue("age")); s != "" {
		age, err := strconv.Atoi(s)
		if err != nil || age < 0 || age > 150 {
			return nil, errors.New("age must be an integer between 0 and 150")
		}
		raw.Age = &age
	}
	return raw, nil
}
