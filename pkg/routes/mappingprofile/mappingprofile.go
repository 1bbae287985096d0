package mappingprofile

import (
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/labstack/echo/v4"

	mappingprofilerepo "github.com/Ramsey-B/fern/internal/repositories/mappingprofile"
	"github.com/Ramsey-B/fern/pkg/appcontext"
	"github.com/Ramsey-B/fern/pkg/layoutsig"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/utils"
)

// Register registers mapping profile routes
func Register(g *echo.Group) {
	g.GET("/:layoutKey", GetProfile)
	g.PUT("/:layoutKey", UpsertProfile)
	g.POST("/resolve", ResolveLayout)
}

// GetProfile returns the head profile revision for a layout
func GetProfile(c echo.Context) error {
	ctx := c.Request().Context()
	layoutKey := c.Param("layoutKey")

	ctx, repo, err := ectoinject.GetContext[*mappingprofilerepo.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	profile, err := repo.GetHead(ctx, layoutKey)
	if err != nil {
		return err
	}
	if profile == nil {
		return httperror.NewHTTPError(http.StatusNotFound, "no mapping profile for layout")
	}

	return c.JSON(http.StatusOK, profile)
}

// UpsertProfile creates or revises the profile for a layout. The request's
// base_version must match the stored head or the write is rejected.
func UpsertProfile(c echo.Context) error {
	ctx := c.Request().Context()
	layoutKey := c.Param("layoutKey")

	req, err := utils.BindRequest[models.UpsertMappingProfileRequest](c)
	if err != nil {
		return err
	}

	ctx, repo, err := ectoinject.GetContext[*mappingprofilerepo.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	profile, err := repo.Upsert(ctx, layoutKey, req, appcontext.GetActorID(ctx))
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, profile)
}

// ResolveLayoutRequest asks for the layout key of a file shape.
type ResolveLayoutRequest struct {
	FileFormat string   `json:"file_format" validate:"required"`
	Headers    []string `json:"headers" validate:"required,min=1"`
}

// ResolveLayoutResponse returns the layout key and its head profile, if any.
type ResolveLayoutResponse struct {
	LayoutKey string                 `json:"layout_key"`
	Profile   *models.MappingProfile `json:"profile,omitempty"`
}

// ResolveLayout computes the layout key for a file shape and returns the
// head profile bound to it, so uploads can be pre-checked before staging.
func ResolveLayout(c echo.Context) error {
	ctx := c.Request().Context()

	req, err := utils.BindRequest[ResolveLayoutRequest](c)
	if err != nil {
		return err
	}

	layoutKey, err := layoutsig.LayoutKey(req.FileFormat, req.Headers)
	if err != nil {
		return httperror.WrapError(http.StatusBadRequest, err)
	}

	ctx, repo, err := ectoinject.GetContext[*mappingprofilerepo.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	profile, err := repo.GetHead(ctx, layoutKey)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, ResolveLayoutResponse{
		LayoutKey: layoutKey,
		Profile:   profile,
	})
}
