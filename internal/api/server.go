// Package api serves the JSON HTTP API, the server-sent event stream and
// the health and metrics endpoints.
package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lox/weatherwatch/internal/events"
	"github.com/lox/weatherwatch/internal/models"
	"github.com/lox/weatherwatch/internal/store"
)

type Server struct {
	store     *store.Store
	hub       *events.Hub
	cities    []models.City
	port      string
	heartbeat time.Duration
	stale     time.Duration
	now       func() time.Time
	echo      *echo.Echo
}

func NewServer(store *store.Store, hub *events.Hub, cities []models.City, port string) *Server {
	s := &Server{
		store:     store,
		hub:       hub,
		cities:    cities,
		port:      port,
		heartbeat: 30 * time.Second,
		stale:     20 * time.Minute,
		now:       time.Now,
	}
	s.echo = s.routes()
	return s
}

func (s *Server) routes() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{echo.HeaderContentType},
	}))

	e.GET("/health", s.handleHealth)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/cities", s.handleCities)
	e.GET("/events", s.handleEvents)

	w := e.Group("/weather")
	w.GET("/latest/:city", s.handleLatest)
	w.GET("/daily-report", s.handleDailyReport)

	a := e.Group("/alerts")
	a.POST("", s.handleCreateAlert)
	a.POST("/set-alert", s.handleCreateAlert)
	a.GET("", s.handleListAlerts)
	a.GET("/alerts", s.handleListAlerts)
	a.GET("/:id/events", s.handleAlertEvents)

	return e
}

func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("api: shutdown: %v", err)
		}
	}()

	log.Printf("api: listening on :%s", s.port)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type errorResponse struct {
	Error string `json:"error"`
}

func jsonError(c echo.Context, code int, msg string) error {
	return c.JSON(code, errorResponse{Error: msg})
}
