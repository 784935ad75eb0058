package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/casbin/casbin/v2"
	"github.com/gin-gonic/gin"
	"go.uber.org/fx"

	"prediction-controlplane/pkg/config"
	"prediction-controlplane/pkg/db/pagination"
	"prediction-controlplane/pkg/errutil"
	"prediction-controlplane/pkg/health"
	"prediction-controlplane/pkg/middleware"
	"prediction-controlplane/services/license"
	"prediction-controlplane/services/prediction"
)

var Module = fx.Module("httpapi",
	fx.Provide(NewRouter),
	fx.Invoke(RegisterRoutes),
)

// NewRouter builds the gin engine with the shared middleware chain.
func NewRouter(cfg *config.Config) *gin.Engine {
	if cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), middleware.Error())
	return engine
}

type Handler struct {
	gate   *prediction.Gate
	ledger *prediction.Ledger
	admin  *license.Service
	store  *license.Store
}

type RouteParams struct {
	fx.In
	Router   *gin.Engine
	Config   *config.Config
	Enforcer *casbin.Enforcer
	Health   health.HealthService
	Gate     *prediction.Gate
	Ledger   *prediction.Ledger
	Admin    *license.Service
	Store    *license.Store
}

func RegisterRoutes(p RouteParams) {
	h := &Handler{
		gate:   p.Gate,
		ledger: p.Ledger,
		admin:  p.Admin,
		store:  p.Store,
	}

	p.Router.GET("/healthz", p.Health.Liveness)
	p.Router.GET("/readyz", p.Health.Readiness)

	v1 := p.Router.Group("/v1", middleware.Identity(p.Config), middleware.Authorize(p.Enforcer))

	v1.POST("/predictions", h.requestPrediction)
	v1.GET("/predictions", h.listPredictions)
	v1.GET("/licenses/:id/predictions", h.listLicensePredictions)

	admin := v1.Group("/admin")
	admin.POST("/licenses", h.issueLicense)
	admin.GET("/licenses", h.listLicenses)
	admin.GET("/licenses/:id", h.getLicense)
	admin.POST("/licenses/:id/suspend", h.suspendLicense)
	admin.POST("/licenses/:id/reactivate", h.reactivateLicense)
	admin.POST("/licenses/:id/rounds", h.adjustRounds)
}

// pagedResult fetches one row beyond the requested limit so the page info can
// report whether another page exists without a second query, then trims the
// extra row off the response.
func pagedResult[T any](page pagination.Pagination, fetch func(pagination.Pagination) ([]*T, error), cursorOf func(*T) pagination.Cursor) ([]*T, *pagination.PageInfo, error) {
	limit := page.Limit
	if limit <= 0 {
		limit = 10
	}

	fetchPage := page
	fetchPage.Limit = limit + 1

	items, err := fetch(fetchPage)
	if err != nil {
		return nil, nil, err
	}

	info := pagination.BuildCursorPageInfo(items, int32(limit), func(item *T) string {
		cursor, err := pagination.EncodeCursor(cursorOf(item))
		if err != nil {
			return ""
		}
		return cursor
	})
	if len(items) > limit {
		items = items[:limit]
	}
	return items, info, nil
}

func predictionCursor(p *prediction.Prediction) pagination.Cursor {
	return pagination.Cursor{CreatedAt: p.CreatedAt.Format(time.RFC3339Nano), ID: p.ID}
}

func licenseCursor(l *license.License) pagination.Cursor {
	return pagination.Cursor{CreatedAt: l.CreatedAt.Format(time.RFC3339Nano), ID: l.ID}
}

func (h *Handler) requestPrediction(c *gin.Context) {
	caller, ok := middleware.ClaimsFrom(c)
	if !ok {
		c.Error(errutil.Unauthorized("missing identity", nil))
		return
	}

	var req prediction.RequestPredictionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid request body", err))
		return
	}
	req.UserID = caller.UserID

	p, err := h.gate.RequestPrediction(c.Request.Context(), caller, req)
	if err != nil {
		c.Error(mapDomainError(err))
		return
	}

	c.JSON(http.StatusCreated, gin.H{"prediction": p})
}

func (h *Handler) listPredictions(c *gin.Context) {
	caller, ok := middleware.ClaimsFrom(c)
	if !ok {
		c.Error(errutil.Unauthorized("missing identity", nil))
		return
	}

	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		c.Error(errutil.BadRequest("invalid pagination", err))
		return
	}

	items, info, err := pagedResult(page, func(p pagination.Pagination) ([]*prediction.Prediction, error) {
		return h.ledger.ListByUser(c.Request.Context(), caller.UserID, p)
	}, predictionCursor)
	if err != nil {
		c.Error(mapDomainError(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"predictions": items, "page_info": info})
}

// listLicensePredictions lets a user audit one of their own licenses; admins
// may inspect any license.
func (h *Handler) listLicensePredictions(c *gin.Context) {
	caller, ok := middleware.ClaimsFrom(c)
	if !ok {
		c.Error(errutil.Unauthorized("missing identity", nil))
		return
	}

	lic, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(mapDomainError(err))
		return
	}
	if lic.UserID != caller.UserID && !caller.Role.CanAdministerLicenses() {
		c.Error(errutil.Forbidden("license belongs to another user", nil))
		return
	}

	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		c.Error(errutil.BadRequest("invalid pagination", err))
		return
	}

	items, info, err := pagedResult(page, func(p pagination.Pagination) ([]*prediction.Prediction, error) {
		return h.ledger.ListByLicense(c.Request.Context(), lic.ID, p)
	}, predictionCursor)
	if err != nil {
		c.Error(mapDomainError(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"predictions": items, "page_info": info})
}

func (h *Handler) issueLicense(c *gin.Context) {
	caller, ok := middleware.ClaimsFrom(c)
	if !ok {
		c.Error(errutil.Unauthorized("missing identity", nil))
		return
	}

	var req license.IssueLicenseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	lic, err := h.admin.IssueLicense(c.Request.Context(), caller, req)
	if err != nil {
		c.Error(mapDomainError(err))
		return
	}

	c.JSON(http.StatusCreated, gin.H{"license": lic})
}

func (h *Handler) listLicenses(c *gin.Context) {
	caller, ok := middleware.ClaimsFrom(c)
	if !ok {
		c.Error(errutil.Unauthorized("missing identity", nil))
		return
	}

	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		c.Error(errutil.BadRequest("invalid pagination", err))
		return
	}

	items, info, err := pagedResult(page, func(p pagination.Pagination) ([]*license.License, error) {
		return h.admin.ListLicenses(c.Request.Context(), caller, license.ListLicensesRequest{
			UserID:     c.Query("user_id"),
			Pagination: p,
		})
	}, licenseCursor)
	if err != nil {
		c.Error(mapDomainError(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"licenses": items, "page_info": info})
}

func (h *Handler) getLicense(c *gin.Context) {
	caller, ok := middleware.ClaimsFrom(c)
	if !ok {
		c.Error(errutil.Unauthorized("missing identity", nil))
		return
	}

	lic, err := h.admin.GetLicense(c.Request.Context(), caller, c.Param("id"))
	if err != nil {
		c.Error(mapDomainError(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"license": lic})
}

func (h *Handler) suspendLicense(c *gin.Context) {
	caller, ok := middleware.ClaimsFrom(c)
	if !ok {
		c.Error(errutil.Unauthorized("missing identity", nil))
		return
	}

	lic, err := h.admin.SuspendLicense(c.Request.Context(), caller, c.Param("id"))
	if err != nil {
		c.Error(mapDomainError(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"license": lic})
}

func (h *Handler) reactivateLicense(c *gin.Context) {
	caller, ok := middleware.ClaimsFrom(c)
	if !ok {
		c.Error(errutil.Unauthorized("missing identity", nil))
		return
	}

	lic, err := h.admin.ReactivateLicense(c.Request.Context(), caller, c.Param("id"))
	if err != nil {
		c.Error(mapDomainError(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"license": lic})
}

func (h *Handler) adjustRounds(c *gin.Context) {
	caller, ok := middleware.ClaimsFrom(c)
	if !ok {
		c.Error(errutil.Unauthorized("missing identity", nil))
		return
	}

	var req license.AdjustRoundsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid request body", err))
		return
	}
	req.LicenseID = c.Param("id")

	resp, err := h.admin.AdjustRounds(c.Request.Context(), caller, req)
	if err != nil {
		c.Error(mapDomainError(err))
		return
	}

	c.JSON(http.StatusOK, resp)
}

// mapDomainError translates service sentinels into the errutil envelope the
// error middleware renders.
func mapDomainError(err error) error {
	switch {
	case errors.Is(err, prediction.ErrDenied):
		return errutil.Forbidden("no eligible license for this game type", err)
	case errors.Is(err, prediction.ErrExhausted):
		return errutil.PaymentRequired("license rounds exhausted", err)
	case errors.Is(err, prediction.ErrDisabled):
		return errutil.New(errutil.StatusServiceUnavailable, "prediction generation is disabled")
	case errors.Is(err, prediction.ErrGenerationFailed):
		return errutil.BadGateway("prediction generation failed, round refunded", err)
	case errors.Is(err, prediction.ErrInvalidArgument),
		errors.Is(err, license.ErrInvalidArgument):
		return errutil.BadRequest(err.Error(), err)
	case errors.Is(err, license.ErrNotFound):
		return errutil.NotFound("license not found", err)
	case errors.Is(err, license.ErrPermissionDenied):
		return errutil.Forbidden("admin role required", err)
	case errors.Is(err, license.ErrPaymentUnavailable):
		return errutil.BadGateway("payment verification unavailable", err)
	case errors.Is(err, license.ErrConflict):
		return errutil.Conflict("license was updated concurrently", err)
	default:
		return errutil.Internal("internal error", err)
	}
}
