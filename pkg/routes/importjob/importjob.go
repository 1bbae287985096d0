package importjob

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	importjobrepo "github.com/Ramsey-B/fern/internal/repositories/importjob"
	"github.com/Ramsey-B/fern/internal/repositories/stagerow"
	"github.com/Ramsey-B/fern/pkg/apply"
	"github.com/Ramsey-B/fern/pkg/appcontext"
	"github.com/Ramsey-B/fern/pkg/decision"
	"github.com/Ramsey-B/fern/pkg/governance"
	"github.com/Ramsey-B/fern/pkg/layoutsig"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/staging"
	"github.com/Ramsey-B/fern/pkg/utils"
)

// Register registers import job routes
func Register(g *echo.Group) {
	g.POST("", CreateJob)
	g.GET("", ListJobs)
	g.GET("/:id", GetJob)
	g.GET("/:id/rows", ListRows)
	g.POST("/:id/stage", StageRows)
	g.POST("/:id/validate", ValidateJob)
	g.POST("/:id/decide", DecideJob)
	g.POST("/:id/apply", ApplyJob)
}

// CreateJob registers an uploaded file and computes its layout key
func CreateJob(c echo.Context) error {
	ctx := c.Request().Context()

	req, err := utils.BindRequest[models.CreateImportJobRequest](c)
	if err != nil {
		return err
	}

	layoutKey, err := layoutsig.LayoutKey(req.FileFormat, req.Headers)
	if err != nil {
		return httperror.WrapError(http.StatusBadRequest, err)
	}

	ctx, repo, err := ectoinject.GetContext[*importjobrepo.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	var jobContext json.RawMessage
	if req.Context != nil {
		jobContext, err = json.Marshal(req.Context)
		if err != nil {
			return httperror.WrapError(http.StatusBadRequest, err)
		}
	}

	now := time.Now().UTC()
	job := &models.ImportJob{
		ID:           uuid.NewString(),
		SourceSystem: req.SourceSystem,
		FileName:     req.FileName,
		FileFormat:   req.FileFormat,
		LayoutKey:    layoutKey,
		Status:       models.ImportJobStatusUploaded,
		Context:      jobContext,
		CreatedBy:    appcontext.GetActorID(ctx),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := repo.Create(ctx, job); err != nil {
		return err
	}

	return c.JSON(http.StatusCreated, job)
}

// ListJobs lists import jobs, newest first
func ListJobs(c echo.Context) error {
	ctx := c.Request().Context()

	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	offset, _ := strconv.Atoi(c.QueryParam("offset"))

	ctx, repo, err := ectoinject.GetContext[*importjobrepo.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	jobs, err := repo.List(ctx, limit, offset)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, jobs)
}

// GetJob gets an import job by ID
func GetJob(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	ctx, repo, err := ectoinject.GetContext[*importjobrepo.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	job, err := repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if job == nil {
		return httperror.NewHTTPError(http.StatusNotFound, "import job not found")
	}

	return c.JSON(http.StatusOK, job)
}

// ListRows returns the staged rows for a job, optionally for one area
func ListRows(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	area := c.QueryParam("area")

	ctx, rows, err := ectoinject.GetContext[*stagerow.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	staged, err := rows.ListByJob(ctx, id)
	if err != nil {
		return err
	}

	if area != "" {
		filtered := staged[:0]
		for _, row := range staged {
			if row.Area == area {
				filtered = append(filtered, row)
			}
		}
		staged = filtered
	}

	return c.JSON(http.StatusOK, staged)
}

// StageRows stages a parsed batch of rows into the job
func StageRows(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	req, err := utils.BindRequest[models.StageRowsRequest](c)
	if err != nil {
		return err
	}

	ctx, engine, err := ectoinject.GetContext[*staging.Engine](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	report, err := engine.Stage(ctx, id, req)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, report)
}

// ValidateJob runs governance validation over the staged rows
func ValidateJob(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	ctx, engine, err := ectoinject.GetContext[*governance.Engine](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	report, err := engine.Validate(ctx, id)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, report)
}

// DecideJob resolves a create/merge/skip decision for every ready row
func DecideJob(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	ctx, engine, err := ectoinject.GetContext[*decision.Engine](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	report, err := engine.Decide(ctx, id)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, report)
}

// ApplyJob executes the decided rows against the catalog
func ApplyJob(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	ctx, engine, err := ectoinject.GetContext[*apply.Engine](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	result, err := engine.Apply(ctx, id)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, result)
}
