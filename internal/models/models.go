package models

import (
	"database/sql"
	"encoding/json"
	"strings"
	"time"
)

type City struct {
	Name      string  `json:"name"`
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
}

// CityKey is the canonical form two city names are compared by: trimmed and
// Unicode lower-cased. The store indexes the same key.
func CityKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// DefaultCities is the fixed list polled by the collector.
var DefaultCities = []City{
	{Name: "Delhi", Latitude: 28.7041, Longitude: 77.1025},
	{Name: "Mumbai", Latitude: 19.0760, Longitude: 72.8777},
	{Name: "Chennai", Latitude: 13.0827, Longitude: 80.2707},
	{Name: "Bangalore", Latitude: 12.9716, Longitude: 77.5946},
	{Name: "Kolkata", Latitude: 22.5726, Longitude: 88.3639},
	{Name: "Hyderabad", Latitude: 17.3850, Longitude: 78.4867},
}

// Reading is one observation for a city. Rows are append-only.
type Reading struct {
	ID           int64     `json:"id"`
	City         string    `json:"city"`
	Temperature  float64   `json:"temperature"`
	FeelsLike    float64   `json:"feels_like"`
	Pressure     int       `json:"pressure"`
	Humidity     int       `json:"humidity"`
	Condition    string    `json:"weather"`
	WindSpeed    *float64  `json:"wind_speed,omitempty"`
	CapturedAt   time.Time `json:"timestamp"`
	QualityFlags []string  `json:"quality_flags,omitempty"`
	RawJSON      string    `json:"-"`
}

// Snapshot serializes the reading for alert history rows.
func (r Reading) Snapshot() string {
	b, err := json.Marshal(r)
	if err != nil {
		return "{}"
	}
	return string(b)
}

type DailySummary struct {
	City              string  `json:"city"`
	Date              string  `json:"date"` // YYYY-MM-DD in the rollup timezone
	AvgTemp           float64 `json:"avg_temp"`
	MinTemp           float64 `json:"min_temp"`
	MaxTemp           float64 `json:"max_temp"`
	AvgFeelsLike      float64 `json:"avg_feels_like"`
	AvgPressure       float64 `json:"avg_pressure"`
	AvgHumidity       float64 `json:"avg_humidity"`
	DominantCondition string  `json:"dominant_weather"`
	RecordCount       int     `json:"record_count"`
}

type AlertKind string

const (
	KindTemperatureAbove AlertKind = "temperature_above"
	KindTemperatureBelow AlertKind = "temperature_below"
	KindHumidity         AlertKind = "humidity"
	KindWindSpeed        AlertKind = "wind_speed"
	KindRain             AlertKind = "rain"
	KindSnow             AlertKind = "snow"
	KindThunderstorm     AlertKind = "thunderstorm"
)

// Normalize lower-cases the kind; kind names are case-insensitive.
func (k AlertKind) Normalize() AlertKind {
	return AlertKind(strings.ToLower(strings.TrimSpace(string(k))))
}

// IsLabel reports whether the kind matches on the condition label
// rather than a numeric threshold.
func (k AlertKind) IsLabel() bool {
	switch k.Normalize() {
	case KindRain, KindSnow, KindThunderstorm:
		return true
	}
	return false
}

func (k AlertKind) Known() bool {
	switch k.Normalize() {
	case KindTemperatureAbove, KindTemperatureBelow, KindHumidity, KindWindSpeed,
		KindRain, KindSnow, KindThunderstorm:
		return true
	}
	return false
}

// AlertDefinition is a user's standing subscription. Never updated in place.
type AlertDefinition struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	Kind      AlertKind `json:"type"`
	Threshold float64   `json:"threshold"`
	City      string    `json:"city"`
	CreatedAt time.Time `json:"created_at"`
}

// AlertState is the live/dormant status of one AlertDefinition.
type AlertState struct {
	AlertID         int64
	Active          bool
	LastTriggeredAt sql.NullTime
	RecoveredAt     sql.NullTime
	CurrentValue    sql.NullFloat64
}

// AlertWithState pairs a definition with its state. State is nil until the
// first evaluation creates it.
type AlertWithState struct {
	Definition AlertDefinition
	State      *AlertState
}

type EventKind string

const (
	EventTriggered EventKind = "triggered"
	EventRecovered EventKind = "recovered"
)

// AlertEvent is a write-once history record of a state transition.
type AlertEvent struct {
	ID       int64           `json:"id"`
	AlertID  int64           `json:"alert_id"`
	Kind     EventKind       `json:"event_type"`
	At       time.Time       `json:"at"`
	Snapshot json.RawMessage `json:"weather_conditions"`
}
