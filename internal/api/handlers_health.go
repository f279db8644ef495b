package api

import (
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

type HealthStatus struct {
	Status    string       `json:"status"`
	Migration int          `json:"migration"`
	Cities    []CityHealth `json:"cities"`
	Errors    []string     `json:"errors,omitempty"`
}

type CityHealth struct {
	City       string    `json:"city"`
	LastSeen   time.Time `json:"last_seen,omitzero"`
	AgeMinutes int       `json:"age_minutes"`
	Stale      bool      `json:"stale"`
}

func (s *Server) handleHealth(c echo.Context) error {
	ctx := c.Request().Context()

	health := HealthStatus{
		Status: "ok",
		Cities: make([]CityHealth, 0, len(s.cities)),
	}

	version, err := s.store.MigrationVersion(ctx)
	if err != nil {
		health.Errors = append(health.Errors, "migrations: "+err.Error())
	}
	health.Migration = version

	now := s.now()
	for _, city := range s.cities {
		r, err := s.store.LatestReading(ctx, city.Name)
		if err != nil {
			health.Errors = append(health.Errors, city.Name+": "+err.Error())
			continue
		}

		ch := CityHealth{City: city.Name}
		if r != nil {
			ch.LastSeen = r.CapturedAt
			ch.AgeMinutes = int(now.Sub(r.CapturedAt).Minutes())
			ch.Stale = now.Sub(r.CapturedAt) > s.stale
		} else {
			ch.Stale = true
			ch.AgeMinutes = -1
		}

		if ch.Stale {
			health.Status = "degraded"
		}
		health.Cities = append(health.Cities, ch)
	}

	if len(health.Errors) > 0 {
		health.Status = "error"
		log.Printf("api: health: %v", health.Errors)
	}

	code := http.StatusOK
	if health.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, health)
}
