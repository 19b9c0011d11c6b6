package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/Ramsey-B/fern/internal/handlers"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/middleware"
)

const shutdownTimeout = 30 * time.Second

// NewServer builds the echo API: health probes, /metrics and the
// /api/v1 operator routes.
func (a *App) NewServer() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.Error(a.Logger)

	e.Use(echomw.Recover())
	e.Use(otelecho.Middleware(a.Config.AppName))
	e.Use(middleware.Context())
	e.Use(middleware.Logger(a.Logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: a.Config.AllowOrigins,
		AllowMethods: a.Config.AllowMethods,
	}))

	a.Health.RegisterRoutes(e)
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	api := e.Group("/api/v1")
	handlers.NewSourceHandler(a.Sources, a.Orchestrator, a.Logger).RegisterRoutes(api)
	handlers.NewTriggerHandler(a.Triggers, a.Orchestrator, a.Logger).RegisterRoutes(api)
	if a.DLQ != nil {
		handlers.NewDLQHandler(a.DLQ, a.Streams, a.Config.RedisStreamsJobQueue, a.Logger).RegisterRoutes(api)
	}
	return e
}

// runnable is a background component with Start and Stop.
type runnable interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Serve runs the API plus, when withWorkers is set, the job processor and
// the scheduler, until ctx is cancelled.
func (a *App) Serve(ctx context.Context, withAPI, withWorkers bool) error {
	var background []runnable
	if withWorkers {
		processor, err := a.NewProcessor()
		if err != nil {
			return err
		}
		background = append(background, processor)

		if a.Config.SchedulerEnabled {
			sched, err := a.NewScheduler()
			if err != nil {
				return err
			}
			background = append(background, sched)
		}
	}

	started := make([]runnable, 0, len(background))
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for i := len(started) - 1; i >= 0; i-- {
			if err := started[i].Stop(stopCtx); err != nil {
				a.Logger.WithError(err).Warn("Failed to stop background component")
			}
		}
	}()
	for _, r := range background {
		if err := r.Start(ctx); err != nil {
			return err
		}
		started = append(started, r)
	}

	if !withAPI {
		a.Health.SetReady(true)
		<-ctx.Done()
		return nil
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.Config.Port),
		Handler:           a.NewServer(),
		ReadTimeout:       time.Duration(a.Config.HttpServerReadTimeoutSeconds) * time.Second,
		WriteTimeout:      time.Duration(a.Config.HttpServerWriteTimeoutSeconds) * time.Second,
		IdleTimeout:       time.Duration(a.Config.HttpServerIdleTimeoutSeconds) * time.Second,
		ReadHeaderTimeout: time.Duration(a.Config.ReadHeaderTimeoutSeconds) * time.Second,
		MaxHeaderBytes:    a.Config.MaxHeaderBytes,
	}

	errCh := make(chan error, 1)
	go func() {
		a.Logger.WithContext(ctx).Infof("API listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	a.Health.SetReady(true)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.Health.SetReady(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	a.Logger.Info("Shutting down API")
	return server.Shutdown(shutdownCtx)
}
