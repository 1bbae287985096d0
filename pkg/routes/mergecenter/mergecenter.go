package mergecenter

import (
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/internal/repositories/mergeevent"
	enginepkg "github.com/Ramsey-B/fern/pkg/mergecenter"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/utils"
)

// Register registers vendor merge routes
func Register(g *echo.Group) {
	g.POST("/preview", PreviewMerge)
	g.POST("", ExecuteMerge)
	g.GET("/:id", GetMergeEvent)
	g.GET("/:id/members", ListMergeMembers)
	g.GET("/:id/snapshots", ListMergeSnapshots)
}

// PreviewMerge runs the read-only dry run of a vendor merge
func PreviewMerge(c echo.Context) error {
	ctx := c.Request().Context()

	req, err := utils.BindRequest[models.PreviewMergeRequest](c)
	if err != nil {
		return err
	}

	ctx, engine, err := ectoinject.GetContext[*enginepkg.Engine](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	preview, err := engine.Preview(ctx, req)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, preview)
}

// ExecuteMerge executes a vendor merge under the caller's event ID
func ExecuteMerge(c echo.Context) error {
	ctx := c.Request().Context()

	req, err := utils.BindRequest[models.ExecuteMergeRequest](c)
	if err != nil {
		return err
	}

	ctx, engine, err := ectoinject.GetContext[*enginepkg.Engine](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	result, err := engine.Execute(ctx, req)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusCreated, result)
}

// GetMergeEvent gets an executed merge event by ID
func GetMergeEvent(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	ctx, repo, err := ectoinject.GetContext[*mergeevent.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	event, err := repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if event == nil {
		return httperror.NewHTTPError(http.StatusNotFound, "merge event not found")
	}

	return c.JSON(http.StatusOK, event)
}

// ListMergeMembers lists the members recorded for a merge event
func ListMergeMembers(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	ctx, repo, err := ectoinject.GetContext[*mergeevent.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	members, err := repo.ListMembers(ctx, id)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, members)
}

// ListMergeSnapshots lists the pre-merge snapshots for a merge event
func ListMergeSnapshots(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	ctx, repo, err := ectoinject.GetContext[*mergeevent.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	snapshots, err := repo.ListSnapshots(ctx, id)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, snapshots)
}
