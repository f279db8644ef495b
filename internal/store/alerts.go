package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lox/weatherwatch/internal/models"
)

// CreateAlert registers a new alert definition and returns its id.
func (s *Store) CreateAlert(ctx context.Context, def models.AlertDefinition) (int64, error) {
	if def.CreatedAt.IsZero() {
		def.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO alert_definitions (email, type, threshold, city, city_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, def.Email, string(def.Kind), def.Threshold, def.City, models.CityKey(def.City), formatTime(def.CreatedAt))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func scanDefinition(sc scanner) (models.AlertDefinition, error) {
	var def models.AlertDefinition
	var kind, createdAt string
	if err := sc.Scan(&def.ID, &def.Email, &kind, &def.Threshold, &def.City, &createdAt); err != nil {
		return def, err
	}
	def.Kind = models.AlertKind(kind)
	t, err := parseTime(createdAt)
	if err != nil {
		return def, fmt.Errorf("parse created_at: %w", err)
	}
	def.CreatedAt = t
	return def, nil
}

func (s *Store) ListAlerts(ctx context.Context) ([]models.AlertDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, email, type, threshold, city, created_at
		FROM alert_definitions
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	defs := []models.AlertDefinition{}
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// GetAlert returns the definition with id, or nil if it does not exist.
func (s *Store) GetAlert(ctx context.Context, id int64) (*models.AlertDefinition, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, email, type, threshold, city, created_at
		FROM alert_definitions
		WHERE id = ?
	`, id)
	def, err := scanDefinition(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &def, nil
}

// AlertsForCity returns every definition whose models.CityKey matches city,
// left joined with its state. State is nil for definitions never evaluated.
func (s *Store) AlertsForCity(ctx context.Context, city string) ([]models.AlertWithState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id, a.email, a.type, a.threshold, a.city, a.created_at,
		       s.alert_id, s.active, s.last_triggered_at, s.recovered_at, s.current_value
		FROM alert_definitions a
		LEFT JOIN alert_state s ON s.alert_id = a.id
		WHERE a.city_key = ?
		ORDER BY a.id
	`, models.CityKey(city))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.AlertWithState
	for rows.Next() {
		var (
			def                        models.AlertDefinition
			kind, createdAt            string
			stateID                    sql.NullInt64
			active                     sql.NullBool
			lastTriggered, recoveredAt sql.NullString
			currentValue               sql.NullFloat64
		)
		if err := rows.Scan(&def.ID, &def.Email, &kind, &def.Threshold, &def.City, &createdAt,
			&stateID, &active, &lastTriggered, &recoveredAt, &currentValue); err != nil {
			return nil, err
		}
		def.Kind = models.AlertKind(kind)
		if def.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}

		aws := models.AlertWithState{Definition: def}
		if stateID.Valid {
			st := &models.AlertState{
				AlertID:      stateID.Int64,
				Active:       active.Bool,
				CurrentValue: currentValue,
			}
			if st.LastTriggeredAt, err = parseNullTime(lastTriggered); err != nil {
				return nil, fmt.Errorf("parse last_triggered_at: %w", err)
			}
			if st.RecoveredAt, err = parseNullTime(recoveredAt); err != nil {
				return nil, fmt.Errorf("parse recovered_at: %w", err)
			}
			aws.State = st
		}
		out = append(out, aws)
	}
	return out, rows.Err()
}

// EnsureAlertState creates the state row for alertID with active=false if it
// does not exist yet. Safe to call concurrently: exactly one row results.
func (s *Store) EnsureAlertState(ctx context.Context, alertID int64, value sql.NullFloat64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO alert_state (alert_id, active, current_value, updated_at)
		VALUES (?, 0, ?, ?)
		ON CONFLICT(alert_id) DO NOTHING
	`, alertID, value, formatTime(time.Now()))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// SetCurrentValue records the latest comparison value for display.
func (s *Store) SetCurrentValue(ctx context.Context, alertID int64, value sql.NullFloat64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE alert_state SET current_value = ?, updated_at = ? WHERE alert_id = ?
	`, value, formatTime(time.Now()), alertID)
	return err
}

// GetAlertState returns the state row for alertID, or nil if none exists.
func (s *Store) GetAlertState(ctx context.Context, alertID int64) (*models.AlertState, error) {
	var (
		st                         models.AlertState
		lastTriggered, recoveredAt sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT alert_id, active, last_triggered_at, recovered_at, current_value
		FROM alert_state WHERE alert_id = ?
	`, alertID).Scan(&st.AlertID, &st.Active, &lastTriggered, &recoveredAt, &st.CurrentValue)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if st.LastTriggeredAt, err = parseNullTime(lastTriggered); err != nil {
		return nil, err
	}
	if st.RecoveredAt, err = parseNullTime(recoveredAt); err != nil {
		return nil, err
	}
	return &st, nil
}

// TriggerAlert moves alertID from dormant to live and appends a triggered
// event. It returns nil without error when the state was already live.
func (s *Store) TriggerAlert(ctx context.Context, alertID int64, at time.Time, snapshot string) (*models.AlertEvent, error) {
	return s.transition(ctx, alertID, models.EventTriggered, at, snapshot, `
		UPDATE alert_state SET active = 1, last_triggered_at = ?, updated_at = ?
		WHERE alert_id = ? AND active = 0
	`)
}

// RecoverAlert moves alertID from live to dormant and appends a recovered
// event. It returns nil without error when the state was already dormant.
func (s *Store) RecoverAlert(ctx context.Context, alertID int64, at time.Time, snapshot string) (*models.AlertEvent, error) {
	return s.transition(ctx, alertID, models.EventRecovered, at, snapshot, `
		UPDATE alert_state SET active = 0, recovered_at = ?, updated_at = ?
		WHERE alert_id = ? AND active = 1
	`)
}

func (s *Store) transition(ctx context.Context, alertID int64, kind models.EventKind, at time.Time, snapshot, guardedUpdate string) (*models.AlertEvent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	stamp := formatTime(at)
	res, err := tx.ExecContext(ctx, guardedUpdate, stamp, stamp, alertID)
	if err != nil {
		return nil, fmt.Errorf("update state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}

	res, err = tx.ExecContext(ctx, `
		INSERT INTO alert_events (alert_id, event_type, at, snapshot) VALUES (?, ?, ?, ?)
	`, alertID, string(kind), stamp, snapshot)
	if err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &models.AlertEvent{
		ID:       id,
		AlertID:  alertID,
		Kind:     kind,
		At:       at.UTC().Truncate(time.Millisecond),
		Snapshot: []byte(snapshot),
	}, nil
}

// AlertEvents returns the history of alertID, oldest first.
func (s *Store) AlertEvents(ctx context.Context, alertID int64) ([]models.AlertEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, alert_id, event_type, at, snapshot
		FROM alert_events
		WHERE alert_id = ?
		ORDER BY id
	`, alertID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []models.AlertEvent{}
	for rows.Next() {
		var ev models.AlertEvent
		var kind, at, snapshot string
		if err := rows.Scan(&ev.ID, &ev.AlertID, &kind, &at, &snapshot); err != nil {
			return nil, err
		}
		ev.Kind = models.EventKind(kind)
		if ev.At, err = parseTime(at); err != nil {
			return nil, fmt.Errorf("parse event time: %w", err)
		}
		ev.Snapshot = []byte(snapshot)
		events = append(events, ev)
	}
	return events, rows.Err()
}
