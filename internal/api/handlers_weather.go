package api

import (
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

const defaultReportLimit = 7

func (s *Server) handleLatest(c echo.Context) error {
	city := strings.TrimSpace(c.Param("city"))

	r, err := s.store.LatestReading(c.Request().Context(), city)
	if err != nil {
		log.Printf("api: latest reading %s: %v", city, err)
		return jsonError(c, http.StatusInternalServerError, "Internal Server Error")
	}
	if r == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"message": "No data found for the specified city"})
	}
	return c.JSON(http.StatusOK, r)
}

func (s *Server) handleDailyReport(c echo.Context) error {
	city := strings.TrimSpace(c.QueryParam("city"))
	if city == "" {
		return jsonError(c, http.StatusBadRequest, "Missing city parameter")
	}

	limit := defaultReportLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return jsonError(c, http.StatusBadRequest, "Invalid limit parameter")
		}
		limit = n
	}

	report, err := s.store.DailyReport(c.Request().Context(), city, limit)
	if err != nil {
		log.Printf("api: daily report %s: %v", city, err)
		return jsonError(c, http.StatusInternalServerError, "Error fetching weather report")
	}
	return c.JSON(http.StatusOK, report)
}

func (s *Server) handleCities(c echo.Context) error {
	return c.JSON(http.StatusOK, s.cities)
}
