package study

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/radpipe/internal/platform/auth"
	"github.com/ehr/radpipe/internal/platform/imaging"
)

type Handler struct {
	svc   *Service
	audit auth.Auditor
}

func NewHandler(svc *Service, audit auth.Auditor) *Handler {
	return &Handler{svc: svc, audit: audit}
}

// RegisterRoutes mounts the read-only study endpoints behind the read
// permission.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/studies", auth.RequireAction(auth.ActionReadStudy, h.audit))
	g.GET("", h.List)
	g.GET("/:id", h.Get)
}

// Get returns one study row with its decrypted metadata.
func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid study id")
	}
	d, err := h.svc.Read(c.Request().Context(), id)
	if err != nil {
		return studyError(err)
	}
	return c.JSON(http.StatusOK, d)
}

// List returns the studies of the patient named by the patient_id query
// parameter. The identifier is pseudonymized before lookup.
func (h *Handler) List(c echo.Context) error {
	patientID := strings.TrimSpace(c.QueryParam("patient_id"))
	if patientID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "patient_id is required")
	}
	limit := MaxListLimit
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = n
	}

	pseudonym := imaging.PseudonymFor(patientID).String()
	studies, err := h.svc.ListForPatient(c.Request().Context(), pseudonym, limit)
	if err != nil {
		return studyError(err)
	}
	if studies == nil {
		studies = []*Study{}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"patient_uuid": pseudonym,
		"studies":      studies,
	})
}

func studyError(err error) error {
	switch {
	case errors.Is(err, ErrStudyNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "study not found")
	case errors.Is(err, auth.ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, "not authorized to perform this action").SetInternal(err)
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "study unavailable").SetInternal(err)
}
