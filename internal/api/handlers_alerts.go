package api

import (
	"fmt"
	"log"
	"math"
	"net/http"
	"net/mail"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/lox/weatherwatch/internal/models"
)

type createAlertRequest struct {
	Email     string     `json:"email"`
	Type      string     `json:"type"`
	Threshold *threshold `json:"threshold"`
	City      string     `json:"city"`
}

// threshold decodes a JSON number or a numeric string such as "40", which is
// what HTML form inputs submit.
type threshold float64

func (v *threshold) UnmarshalJSON(b []byte) error {
	s := string(b)
	if unquoted, err := strconv.Unquote(s); err == nil {
		s = strings.TrimSpace(unquoted)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("threshold %s is not a number", b)
	}
	*v = threshold(f)
	return nil
}

type createAlertResponse struct {
	Message string `json:"message"`
	ID      int64  `json:"id"`
}

func (s *Server) handleCreateAlert(c echo.Context) error {
	var req createAlertRequest
	if err := c.Bind(&req); err != nil {
		return jsonError(c, http.StatusBadRequest, "Invalid request body")
	}

	req.Email = strings.TrimSpace(req.Email)
	req.Type = strings.TrimSpace(req.Type)
	req.City = strings.TrimSpace(req.City)
	if req.Email == "" || req.Type == "" || req.City == "" || req.Threshold == nil {
		return jsonError(c, http.StatusBadRequest, "Missing required fields")
	}
	if _, err := mail.ParseAddress(req.Email); err != nil {
		return jsonError(c, http.StatusBadRequest, "Invalid email address")
	}

	kind := models.AlertKind(req.Type)
	if !kind.Known() {
		// Stored anyway; evaluation treats it as never holding.
		log.Printf("api: warning: alert created with unknown type %q", req.Type)
	}

	id, err := s.store.CreateAlert(c.Request().Context(), models.AlertDefinition{
		Email:     req.Email,
		Kind:      kind,
		Threshold: float64(*req.Threshold),
		City:      req.City,
	})
	if err != nil {
		log.Printf("api: create alert: %v", err)
		return jsonError(c, http.StatusInternalServerError, "Error setting alert")
	}

	return c.JSON(http.StatusCreated, createAlertResponse{Message: "Alert set successfully", ID: id})
}

func (s *Server) handleListAlerts(c echo.Context) error {
	alerts, err := s.store.ListAlerts(c.Request().Context())
	if err != nil {
		log.Printf("api: list alerts: %v", err)
		return jsonError(c, http.StatusInternalServerError, "Error fetching alerts")
	}
	return c.JSON(http.StatusOK, alerts)
}

func (s *Server) handleAlertEvents(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id < 1 {
		return jsonError(c, http.StatusBadRequest, "Invalid alert id")
	}

	ctx := c.Request().Context()
	def, err := s.store.GetAlert(ctx, id)
	if err != nil {
		log.Printf("api: get alert %d: %v", id, err)
		return jsonError(c, http.StatusInternalServerError, "Error fetching alert")
	}
	if def == nil {
		return jsonError(c, http.StatusNotFound, "Alert not found")
	}

	history, err := s.store.AlertEvents(ctx, id)
	if err != nil {
		log.Printf("api: alert events %d: %v", id, err)
		return jsonError(c, http.StatusInternalServerError, "Error fetching alert events")
	}
	return c.JSON(http.StatusOK, history)
}
