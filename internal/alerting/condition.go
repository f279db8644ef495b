package alerting

import (
	"database/sql"
	"log"
	"strings"

	"github.com/lox/weatherwatch/internal/models"
)

// LabelMatch selects how weather-label kinds compare against a reading's
// condition label.
type LabelMatch int

const (
	// MatchEquals requires the label to equal the kind, ignoring case.
	MatchEquals LabelMatch = iota
	// MatchContains accepts any label containing the kind, e.g. "light rain".
	MatchContains
)

// ParseLabelMatch maps "contains" to MatchContains and anything else to
// MatchEquals.
func ParseLabelMatch(s string) LabelMatch {
	if strings.EqualFold(s, "contains") {
		return MatchContains
	}
	return MatchEquals
}

// Evaluator decides whether an alert condition holds for a reading. It is
// pure apart from logging unknown kinds.
type Evaluator struct {
	LabelMatch LabelMatch
}

// SameCity reports whether two location names have the same city key.
func SameCity(a, b string) bool {
	return models.CityKey(a) == models.CityKey(b)
}

// Holds reports whether def's condition holds for r. A definition for a
// different city never holds. Unknown kinds never hold.
func (e Evaluator) Holds(def models.AlertDefinition, r models.Reading) bool {
	if !SameCity(def.City, r.City) {
		return false
	}

	switch kind := def.Kind.Normalize(); kind {
	case models.KindTemperatureAbove:
		return r.Temperature > def.Threshold
	case models.KindTemperatureBelow:
		return r.Temperature < def.Threshold
	case models.KindHumidity:
		return float64(r.Humidity) > def.Threshold
	case models.KindWindSpeed:
		return r.WindSpeed != nil && *r.WindSpeed > def.Threshold
	case models.KindRain, models.KindSnow, models.KindThunderstorm:
		return e.labelMatches(r.Condition, string(kind))
	default:
		log.Printf("alerting: warning: unknown alert type %q (alert %d)", def.Kind, def.ID)
		return false
	}
}

func (e Evaluator) labelMatches(label, kind string) bool {
	label = strings.ToLower(strings.TrimSpace(label))
	if e.LabelMatch == MatchContains {
		return strings.Contains(label, kind)
	}
	return label == kind
}

// ComparisonValue projects the reading onto the value a kind compares
// against. Label kinds and unknown kinds have no numeric value.
func ComparisonValue(kind models.AlertKind, r models.Reading) sql.NullFloat64 {
	switch kind.Normalize() {
	case models.KindTemperatureAbove, models.KindTemperatureBelow:
		return sql.NullFloat64{Float64: r.Temperature, Valid: true}
	case models.KindHumidity:
		return sql.NullFloat64{Float64: float64(r.Humidity), Valid: true}
	case models.KindWindSpeed:
		if r.WindSpeed == nil {
			return sql.NullFloat64{}
		}
		return sql.NullFloat64{Float64: *r.WindSpeed, Valid: true}
	default:
		return sql.NullFloat64{}
	}
}
