package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

const shutdownTimeout = 3 * time.Second

type Options struct {
	ApiPort int
	// ApiAddress restricts the listener to one host address. Empty listens
	// on all addresses.
	ApiAddress string
}

type RestServer interface {
	Run() error
	Shutdown() error
}

type restServer struct {
	address string
	e       *echo.Echo
}

// NewRestServer creates the admin api of the daemon.
func NewRestServer(deps Dependencies, opts Options) RestServer {
	e := newEcho(deps)
	return &restServer{
		address: fmt.Sprintf("%s:%d", opts.ApiAddress, opts.ApiPort),
		e:       e,
	}
}

func newEcho(deps Dependencies) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	restHandler := NewRestHandler(deps)
	restHandler.RegisterHandlers(e)
	return e
}

func (s *restServer) Run() error {
	log.Infof("admin api listening on %s", s.address)
	if err := s.e.Start(s.address); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("error while starting rest server: %w", err)
	}
	return nil
}

func (s *restServer) Shutdown() error {
	ctx, ctxCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer ctxCancel()
	if err := s.e.Shutdown(ctx); err != nil {
		return fmt.Errorf("error while shutting down rest server: %w", err)
	}
	return nil
}
