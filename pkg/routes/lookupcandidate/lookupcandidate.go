package lookupcandidate

import (
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/internal/repositories/lookup"
	"github.com/Ramsey-B/fern/pkg/appcontext"
	"github.com/Ramsey-B/fern/pkg/governance"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/utils"
)

// Register registers lookup candidate routes
func Register(g *echo.Group) {
	g.GET("", ListCandidates)
	g.GET("/:id", GetCandidate)
	g.POST("/:id/review", ReviewCandidate)
}

// ListCandidates lists lookup candidates for a job, optionally by status
func ListCandidates(c echo.Context) error {
	ctx := c.Request().Context()

	jobID := c.QueryParam("job_id")
	if jobID == "" {
		return httperror.NewHTTPError(http.StatusBadRequest, "job_id query parameter is required")
	}
	status := models.LookupCandidateStatus(c.QueryParam("status"))

	ctx, repo, err := ectoinject.GetContext[*lookup.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	candidates, err := repo.ListCandidatesByJob(ctx, jobID, status)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, candidates)
}

// GetCandidate gets a lookup candidate by ID
func GetCandidate(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	ctx, repo, err := ectoinject.GetContext[*lookup.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	candidate, err := repo.GetCandidate(ctx, id)
	if err != nil {
		return err
	}
	if candidate == nil {
		return httperror.NewHTTPError(http.StatusNotFound, "lookup candidate not found")
	}

	return c.JSON(http.StatusOK, candidate)
}

// ReviewCandidate records a steward verdict; approval mints a lookup option
func ReviewCandidate(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	req, err := utils.BindRequest[models.ReviewCandidateRequest](c)
	if err != nil {
		return err
	}

	ctx, engine, err := ectoinject.GetContext[*governance.Engine](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	candidate, err := engine.Review(ctx, id, req, appcontext.GetActorID(ctx))
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, candidate)
}
