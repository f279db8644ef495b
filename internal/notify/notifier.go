// Package notify formats alert messages and dispatches them through a
// Transport. A batch is settled in full: every recipient gets one Outcome
// and one recipient's failure never affects another's.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"log"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lox/weatherwatch/internal/metrics"
	"github.com/lox/weatherwatch/internal/models"
)

type Status string

const (
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

type Outcome struct {
	AlertID int64
	Email   string
	Status  Status
	Err     error
}

const DefaultTimeout = 15 * time.Second

type Notifier struct {
	transport Transport
	cooldown  Cooldown
	timeout   time.Duration
}

func New(transport Transport) *Notifier {
	return &Notifier{
		transport: transport,
		timeout:   DefaultTimeout,
	}
}

// SetCooldown enables a secondary throttle on top of edge-triggered state.
func (n *Notifier) SetCooldown(c Cooldown) {
	n.cooldown = c
}

// SetTimeout bounds each individual send.
func (n *Notifier) SetTimeout(d time.Duration) {
	if d > 0 {
		n.timeout = d
	}
}

// Notify sends one message per definition concurrently and waits for all of
// them. The returned outcomes are in the same order as defs.
func (n *Notifier) Notify(ctx context.Context, defs []models.AlertDefinition, r models.Reading) []Outcome {
	outcomes := make([]Outcome, len(defs))

	var g errgroup.Group
	for i, def := range defs {
		g.Go(func() error {
			outcomes[i] = n.notifyOne(ctx, def, r)
			return nil
		})
	}
	_ = g.Wait()

	for _, o := range outcomes {
		metrics.NotificationsTotal.WithLabelValues(string(o.Status)).Inc()
	}
	return outcomes
}

func (n *Notifier) notifyOne(ctx context.Context, def models.AlertDefinition, r models.Reading) Outcome {
	out := Outcome{AlertID: def.ID, Email: def.Email}

	if n.cooldown != nil {
		ok, err := n.cooldown.Allow(ctx, CooldownKey(def))
		if err != nil {
			log.Printf("notify: warning: cooldown check for alert %d: %v", def.ID, err)
		} else if !ok {
			log.Printf("notify: alert %d to %s within cooldown, skipping", def.ID, def.Email)
			out.Status = StatusSkipped
			return out
		}
	}

	body, err := Body(def, r)
	if err != nil {
		out.Status, out.Err = StatusFailed, err
		log.Printf("notify: render alert %d: %v", def.ID, err)
		return out
	}

	sendCtx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	if err := n.transport.Send(sendCtx, def.Email, Subject(def, r), body); err != nil {
		out.Status, out.Err = StatusFailed, err
		log.Printf("notify: failed to send alert %d to %s: %v", def.ID, def.Email, err)
		return out
	}

	log.Printf("notify: sent %s alert for %s to %s", def.Kind, r.City, def.Email)
	out.Status = StatusSent
	return out
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Subject names the condition kind and the location.
func Subject(def models.AlertDefinition, r models.Reading) string {
	city := r.City
	var s string
	switch def.Kind.Normalize() {
	case models.KindTemperatureAbove:
		s = fmt.Sprintf("Temperature Above %s°C in %s", formatNumber(def.Threshold), city)
	case models.KindTemperatureBelow:
		s = fmt.Sprintf("Temperature Below %s°C in %s", formatNumber(def.Threshold), city)
	case models.KindHumidity:
		s = "High Humidity Alert for " + city
	case models.KindWindSpeed:
		s = "High Wind Alert for " + city
	case models.KindRain:
		s = "Rain Alert for " + city
	case models.KindSnow:
		s = "Snow Alert for " + city
	case models.KindThunderstorm:
		s = "Thunderstorm Alert for " + city
	default:
		s = "Weather Alert for " + city
	}
	return "Weather Alert: " + s
}

// FormatThreshold renders the threshold the way the kind interprets it.
func FormatThreshold(def models.AlertDefinition) string {
	switch def.Kind.Normalize() {
	case models.KindTemperatureAbove, models.KindTemperatureBelow:
		return formatNumber(def.Threshold) + "°C"
	case models.KindHumidity:
		return formatNumber(def.Threshold) + "%"
	case models.KindWindSpeed:
		return formatNumber(def.Threshold) + " m/s"
	case models.KindRain, models.KindSnow, models.KindThunderstorm:
		return "Any occurrence"
	default:
		return formatNumber(def.Threshold)
	}
}

// CurrentValue renders the reading field the kind compares against.
func CurrentValue(def models.AlertDefinition, r models.Reading) string {
	switch def.Kind.Normalize() {
	case models.KindTemperatureAbove, models.KindTemperatureBelow:
		return formatNumber(r.Temperature) + "°C"
	case models.KindHumidity:
		return strconv.Itoa(r.Humidity) + "%"
	case models.KindWindSpeed:
		if r.WindSpeed == nil {
			return "N/A"
		}
		return formatNumber(*r.WindSpeed) + " m/s"
	case models.KindRain, models.KindSnow, models.KindThunderstorm:
		return r.Condition
	default:
		return "N/A"
	}
}

var bodyTmpl = template.Must(template.New("alert").Parse(`<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif; max-width: 600px; margin: 0 auto; padding: 20px;">
<h2>Weather Alert for {{.City}}</h2>
<p>Your weather alert condition has been met:</p>
<p><strong>Alert Type:</strong> {{.Kind}}</p>
<p><strong>Threshold:</strong> {{.Threshold}}</p>
<p><strong>Current Value:</strong> {{.Current}}</p>
<h3>Current Weather Conditions:</h3>
<p><strong>Temperature:</strong> {{.Temperature}}°C</p>
<p><strong>Feels Like:</strong> {{.FeelsLike}}°C</p>
<p><strong>Humidity:</strong> {{.Humidity}}%</p>
<p><strong>Pressure:</strong> {{.Pressure}} hPa</p>
<p><strong>Weather Condition:</strong> {{.Condition}}</p>
<p><strong>Time:</strong> {{.Time}}</p>
<p style="color: #666; font-size: 12px;">You received this alert because you subscribed to weather updates for {{.City}}.
You will not be alerted again for this condition until it clears.</p>
</body>
</html>
`))

type bodyData struct {
	City        string
	Kind        string
	Threshold   string
	Current     string
	Temperature string
	FeelsLike   string
	Humidity    int
	Pressure    int
	Condition   string
	Time        string
}

// Body renders the HTML message for def triggered by r.
func Body(def models.AlertDefinition, r models.Reading) (string, error) {
	data := bodyData{
		City:        r.City,
		Kind:        string(def.Kind),
		Threshold:   FormatThreshold(def),
		Current:     CurrentValue(def, r),
		Temperature: formatNumber(r.Temperature),
		FeelsLike:   formatNumber(r.FeelsLike),
		Humidity:    r.Humidity,
		Pressure:    r.Pressure,
		Condition:   r.Condition,
		Time:        r.CapturedAt.UTC().Format("Jan 2, 2006, 3:04:05 PM MST"),
	}

	var buf bytes.Buffer
	if err := bodyTmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
