package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dennishilgert/stockade/internal/app/pool"
	"github.com/dennishilgert/stockade/internal/app/vm"
	"github.com/dennishilgert/stockade/pkg/health"
	"github.com/dennishilgert/stockade/pkg/logger"
	"github.com/dennishilgert/stockade/pkg/metrics"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
)

var log = logger.NewLogger("stockade.api")

// Dependencies are the daemon components the admin api operates on.
type Dependencies struct {
	Pool           pool.Pool
	Provisioner    vm.Provisioner
	Tracker        *vm.Tracker
	Metrics        metrics.MetricsService
	Health         health.Provider
	DefaultTTL     time.Duration
	DestroyTimeout time.Duration
}

type RestHandler interface {
	RegisterHandlers(e *echo.Echo)
}

type restHandler struct {
	deps Dependencies
}

// NewRestHandler creates a new RestHandler.
func NewRestHandler(deps Dependencies) RestHandler {
	if deps.DestroyTimeout <= 0 {
		deps.DestroyTimeout = vm.DefaultDestroyTimeout
	}
	return &restHandler{
		deps: deps,
	}
}

// RegisterHandlers registers the REST API handlers.
func (r *restHandler) RegisterHandlers(e *echo.Echo) {
	e.GET("/healthz", r.healthz)

	apiV1 := e.Group("/api/v1")
	apiV1.Use(requestInterceptor)

	apiV1.GET("/pool/stats", r.poolStats)
	apiV1.GET("/vms", r.listVms)
	apiV1.POST("/vms", r.provisionVm, requestValidator(func() interface{} {
		return new(ProvisionRequest)
	}))
	apiV1.GET("/vms/:id", r.getVm)
	apiV1.GET("/vms/:id/isolation", r.verifyIsolation)
	apiV1.DELETE("/vms/:id", r.destroyVm)
}

func (r *restHandler) healthz(c echo.Context) error {
	status := r.deps.Health.Status()
	if !status.Healthy {
		return c.JSON(http.StatusServiceUnavailable, status)
	}
	return c.JSON(http.StatusOK, status)
}

func (r *restHandler) poolStats(c echo.Context) error {
	resp := StatsResponse{
		Pool:       r.deps.Pool.Stats(),
		TrackedVMs: r.deps.Tracker.Len(),
	}
	if r.deps.Metrics != nil {
		hostMetrics, err := r.deps.Metrics.HostMetrics(c.Request().Context())
		if err != nil {
			log.Warnf("failed to collect host metrics: %v", err)
		} else {
			resp.Host = &hostMetrics
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func (r *restHandler) listVms(c echo.Context) error {
	instances := r.deps.Tracker.List()
	resp := make([]VmResponse, 0, len(instances))
	for _, inst := range instances {
		resp = append(resp, toVmResponse(inst))
	}
	return c.JSON(http.StatusOK, resp)
}

func (r *restHandler) provisionVm(c echo.Context) error {
	req := new(ProvisionRequest)
	if err := bindBody(c, req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, errorResponse("Bad Request", err))
	}
	ttl := time.Duration(req.TTLSeconds) * time.Second
	if ttl == 0 {
		ttl = r.deps.DefaultTTL
	}

	inst, err := r.deps.Provisioner.Provision(c.Request().Context())
	if err != nil {
		return fmt.Errorf("failed to provision vm: %w", err)
	}
	r.deps.Tracker.Add(inst, ttl)
	return c.JSON(http.StatusCreated, toVmResponse(inst))
}

func (r *restHandler) getVm(c echo.Context) error {
	inst, err := r.lookup(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, toVmResponse(inst))
}

func (r *restHandler) verifyIsolation(c echo.Context) error {
	inst, err := r.lookup(c)
	if err != nil {
		return err
	}
	if inst.Firewall == nil {
		return echo.NewHTTPError(http.StatusConflict, errorResponse("Conflict", fmt.Errorf("vm %s has no isolation chain", inst.ID())))
	}
	isolated, err := inst.Firewall.VerifyIsolation(c.Request().Context())
	if err != nil {
		return fmt.Errorf("failed to verify isolation of vm %s: %w", inst.ID(), err)
	}
	return c.JSON(http.StatusOK, IsolationResponse{
		ID:       inst.ID(),
		Chain:    inst.Firewall.ChainName(),
		Mode:     inst.Firewall.Mode().String(),
		Isolated: isolated,
	})
}

func (r *restHandler) destroyVm(c echo.Context) error {
	id := c.Param("id")
	inst, ok := r.deps.Tracker.Remove(id)
	if !ok {
		return notFound(id)
	}
	// the teardown outlives a client that hangs up mid request
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request().Context()), r.deps.DestroyTimeout)
	defer cancel()
	if err := inst.Destroy(ctx); err != nil {
		return fmt.Errorf("failed to destroy vm %s: %w", id, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (r *restHandler) lookup(c echo.Context) (*vm.Instance, error) {
	id := c.Param("id")
	inst, ok := r.deps.Tracker.Get(id)
	if !ok {
		return nil, notFound(id)
	}
	return inst, nil
}

func notFound(id string) error {
	return echo.NewHTTPError(http.StatusNotFound, errorResponse("Not Found", fmt.Errorf("vm %s is not tracked", id)))
}

func errorResponse(status string, err error) map[string]interface{} {
	message := err.Error()
	if inner := errors.Unwrap(err); inner != nil {
		message = inner.Error()
	}
	return map[string]interface{}{
		"status":  status,
		"message": message,
		"error":   err.Error(),
	}
}

// requestInterceptor creates a middleware for handling errors.
func requestInterceptor(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		err := next(c)
		if err == nil {
			return nil
		}
		var httpError *echo.HTTPError
		if !errors.As(err, &httpError) {
			log.Errorf("%s %s failed: %v", c.Request().Method, c.Request().URL.Path, err)
			return c.JSON(http.StatusInternalServerError, errorResponse("Internal Server Error", err))
		}
		return c.JSON(httpError.Code, httpError.Message)
	}
}

// requestValidator creates a middleware for validating requests.
func requestValidator(factoryFunc func() interface{}) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := factoryFunc()
			if err := validateRequest(c, req); err != nil {
				return err
			}
			return next(c)
		}
	}
}

// validateRequest binds and validates the request.
func validateRequest(c echo.Context, req interface{}) error {
	validate := validator.New()

	if err := bindBody(c, req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Failed to bind request body: %s", err.Error()))
	}

	if err := validate.Struct(req); err != nil {
		if validationErrors, ok := err.(validator.ValidationErrors); ok {
			return echo.NewHTTPError(http.StatusBadRequest, validationErrorResponse(validationErrors))
		}
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("Error during request validation: %s", err.Error()))
	}
	return nil
}

// bindBody binds the request body and restores it for the next reader. An
// empty body binds to the zero request.
func bindBody(c echo.Context, req interface{}) error {
	bodyBytes, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return err
	}
	c.Request().Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
	if len(bytes.TrimSpace(bodyBytes)) > 0 {
		if err := c.Bind(req); err != nil {
			return err
		}
	}
	c.Request().Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
	return nil
}

// validationErrorResponse formats validation errors for the response.
func validationErrorResponse(err validator.ValidationErrors) map[string]interface{} {
	errorsMap := make(map[string]string)
	for _, e := range err {
		errorsMap[e.Field()] = e.Error()
	}

	return map[string]interface{}{
		"status":  "Bad Request",
		"message": "Validation Error",
		"errors":  errorsMap,
	}
}
