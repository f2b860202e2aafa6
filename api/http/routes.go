package http

import (
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"evalorch.io/internal/domain"
	"evalorch.io/internal/engine"
	"evalorch.io/internal/enginerr"
)

// api wraps the engine for route handlers that need nothing else.
type api struct {
	eng *engine.Engine
}

// RegisterRoutes mounts one route per operation in the engine's
// operations table, plus a health check. This is the thin HTTP shell
// around internal/engine — no orchestration logic lives here.
func RegisterRoutes(e *echo.Echo, eng *engine.Engine, serviceName, version string) {
	e.GET("/healthz", HealthCheckHandler(serviceName, version))

	a := &api{eng: eng}

	g := e.Group("/usecases")
	g.POST("", a.createUseCase)
	g.GET("/:id", a.getUseCase)
	g.GET("", a.listUseCases)
	g.POST("/:id/cancel", a.cancelUseCase)
	g.GET("/:id/requirements", a.uploadRequirements)
	g.GET("/:id/state", a.useCaseState)
	g.POST("/:id/models", a.createModel)
	g.POST("/:id/models/:modelId/cancel", a.cancelModel)
	g.GET("/:id/models/:modelId/state", a.modelState)

	// Upload endpoints accept large artifact bodies and are the engine's
	// only externally-triggered writes, so they get their own rate
	// limiter distinct from the rest of the API.
	uploads := e.Group("/usecases", uploadRateLimiter())
	uploads.PUT("/:id/config", a.uploadConfig)
	uploads.PUT("/:id/models/:modelId/dataset", a.uploadDataset)
	uploads.PUT("/:id/models/:modelId/predictions", a.uploadPredictions)
}

// uploadRateLimiter caps sustained upload throughput per process; burst
// allows a handful of uploads in quick succession (e.g. a batch of model
// datasets for one use case) without rejecting the first requests.
func uploadRateLimiter() echo.MiddlewareFunc {
	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
			Rate:  rate.Limit(5),
			Burst: 10,
		}),
	})
}

type createUseCaseRequest struct {
	Name      string `json:"name"`
	TeamEmail string `json:"team_email"`
}

func (a *api) createUseCase(c echo.Context) error {
	var req createUseCaseRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	uc, err := a.eng.CreateUseCase(c.Request().Context(), req.Name, req.TeamEmail)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusCreated, uc)
}

func (a *api) getUseCase(c echo.Context) error {
	uc, err := a.eng.GetUseCase(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, uc)
}

func (a *api) listUseCases(c echo.Context) error {
	state := domain.UseCaseState(c.QueryParam("state"))
	list, err := a.eng.ListUseCases(c.Request().Context(), state)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, list)
}

type cancelRequest struct {
	Reason      string `json:"reason"`
	TriggeredBy string `json:"triggered_by"`
}

func (a *api) cancelUseCase(c echo.Context) error {
	var req cancelRequest
	c.Bind(&req)
	if req.TriggeredBy == "" {
		req.TriggeredBy = "operator"
	}
	uc, err := a.eng.CancelUseCase(c.Request().Context(), c.Param("id"), req.Reason, req.TriggeredBy)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, uc)
}

func (a *api) uploadConfig(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "reading body")
	}
	result, err := a.eng.UploadConfig(c.Request().Context(), c.Param("id"), body, triggeredByOf(c))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusAccepted, result)
}

func (a *api) uploadRequirements(c echo.Context) error {
	reqs, err := a.eng.GetUploadRequirements(c.Request().Context(), c.Param("id"), c.QueryParam("model_id"))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, reqs)
}

func (a *api) useCaseState(c echo.Context) error {
	sm, err := a.eng.GetStateMachine(c.Request().Context(), domain.AggregateUseCase, c.Param("id"))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, sm)
}

type createModelRequest struct {
	ModelName string `json:"model_name"`
	Version   string `json:"version"`
}

func (a *api) createModel(c echo.Context) error {
	var req createModelRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	m, err := a.eng.CreateModelEvaluation(c.Request().Context(), c.Param("id"), req.ModelName, req.Version)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusCreated, m)
}

func (a *api) uploadDataset(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "reading body")
	}
	result, err := a.eng.UploadDataset(c.Request().Context(), c.Param("id"), c.Param("modelId"), body, triggeredByOf(c))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusAccepted, result)
}

func (a *api) uploadPredictions(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "reading body")
	}
	result, err := a.eng.UploadPredictions(c.Request().Context(), c.Param("id"), c.Param("modelId"), body, triggeredByOf(c))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusAccepted, result)
}

func (a *api) cancelModel(c echo.Context) error {
	var req cancelRequest
	c.Bind(&req)
	if req.TriggeredBy == "" {
		req.TriggeredBy = "operator"
	}
	m, err := a.eng.CancelModel(c.Request().Context(), c.Param("modelId"), req.Reason, req.TriggeredBy)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, m)
}

func (a *api) modelState(c echo.Context) error {
	sm, err := a.eng.GetStateMachine(c.Request().Context(), domain.AggregateModel, c.Param("modelId"))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, sm)
}

func triggeredByOf(c echo.Context) string {
	if v := c.Request().Header.Get("X-Triggered-By"); v != "" {
		return v
	}
	return "api"
}

// mapError translates the engine's sentinel errors to HTTP status codes.
func mapError(err error) error {
	switch {
	case errors.Is(err, enginerr.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, enginerr.ErrValidation), errors.Is(err, enginerr.ErrInvalidStateForUpload), errors.Is(err, enginerr.ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, enginerr.ErrStaleWrite):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
