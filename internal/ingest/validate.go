package ingest

import (
	"github.com/lox/weatherwatch/internal/models"
)

const (
	FlagTempOutOfRange     = "temp_out_of_range"
	FlagHumidityInvalid    = "humidity_invalid"
	FlagPressureOutOfRange = "pressure_out_of_range"
	FlagWindSpeedUnlikely  = "wind_speed_unlikely"
	FlagFeelsLikeUnlikely  = "feels_like_unlikely"
	FlagConditionMissing   = "condition_missing"
)

// ValidateReading sanity-checks a reading. Flags are advisory: the reading
// is stored and evaluated either way.
func ValidateReading(r *models.Reading) []string {
	var flags []string

	if r.Temperature < -90 || r.Temperature > 60 {
		flags = append(flags, FlagTempOutOfRange)
	}
	if r.FeelsLike < -100 || r.FeelsLike > 80 {
		flags = append(flags, FlagFeelsLikeUnlikely)
	}
	if r.Humidity < 0 || r.Humidity > 100 {
		flags = append(flags, FlagHumidityInvalid)
	}
	if r.Pressure < 850 || r.Pressure > 1100 {
		flags = append(flags, FlagPressureOutOfRange)
	}
	if r.WindSpeed != nil && (*r.WindSpeed < 0 || *r.WindSpeed > 120) {
		flags = append(flags, FlagWindSpeedUnlikely)
	}
	if r.Condition == "" {
		flags = append(flags, FlagConditionMissing)
	}

	return flags
}
