package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"coldchain-monitor/internal/models"
)

// AlertOutcome describes what OpenAlert did for a breached alert key
type AlertOutcome int

const (
	// AlertUnchanged means an equivalent alert was already open
	AlertUnchanged AlertOutcome = iota
	// AlertCreated means a new alert instance was opened
	AlertCreated
	// AlertEscalated means the open WARNING alert was raised to CRITICAL
	AlertEscalated
)

const (
	truckColumns = `tr.id, tr.gateway_id, tr.plate_number, tr.driver_name, tr.truck_model,
		tr.refrigeration_unit, tr.registered_at, tr.is_active`
	tripColumns = `t.id, t.trip_id, t.truck_id, tr.gateway_id, t.origin, t.destination, t.status,
		t.started_at, t.ended_at, t.total_frames, t.alert_count`
	frameColumns = `f.id, t.trip_id, f.reported_at, f.received_at, f.latitude, f.longitude,
		f.speed_kmh, f.heading_deg, f.satellites, f.battery_mv, f.signal_strength_dbm,
		f.uptime_seconds, f.cpu_temp_c`
	readingColumns = `r.id, r.frame_id, r.node_id, r.product_type, r.temp_c, r.battery_pct,
		r.link_quality, r.status, r.temp_alert, r.battery_alert`
	alertColumns = `a.id, t.trip_id, a.frame_id, a.node_id, a.alert_type, a.severity, a.message,
		a.value, a.threshold, a.created_at, a.is_resolved, a.resolved_at, a.resolution`
)

type scanner interface {
	Scan(dest ...any) error
}

func scanTruck(s scanner) (models.Truck, error) {
	var tr models.Truck
	err := s.Scan(&tr.ID, &tr.GatewayID, &tr.PlateNumber, &tr.DriverName, &tr.TruckModel,
		&tr.RefrigerationUnit, &tr.RegisteredAt, &tr.IsActive)
	return tr, err
}

func scanTrip(s scanner) (models.Trip, error) {
	var t models.Trip
	err := s.Scan(&t.ID, &t.TripID, &t.TruckID, &t.GatewayID, &t.Origin, &t.Destination, &t.Status,
		&t.StartedAt, &t.EndedAt, &t.TotalFrames, &t.AlertCount)
	return t, err
}

func scanFrame(s scanner) (models.TelemetryFrame, error) {
	var f models.TelemetryFrame
	err := s.Scan(&f.ID, &f.TripID, &f.ReportedAt, &f.ReceivedAt,
		&f.Location.Lat, &f.Location.Lng, &f.Location.SpeedKmh, &f.Location.HeadingDeg, &f.Location.Satellites,
		&f.GatewayHealth.BatteryMV, &f.GatewayHealth.SignalStrengthDBM,
		&f.GatewayHealth.UptimeSeconds, &f.GatewayHealth.CPUTempC)
	return f, err
}

func scanReading(s scanner) (models.SensorReading, error) {
	var r models.SensorReading
	err := s.Scan(&r.ID, &r.FrameID, &r.NodeID, &r.ProductType, &r.TempC, &r.BatteryPct,
		&r.LinkQuality, &r.Status, &r.TempAlert, &r.BatteryAlert)
	return r, err
}

func scanAlert(s scanner) (models.SystemAlert, error) {
	var a models.SystemAlert
	err := s.Scan(&a.ID, &a.TripID, &a.FrameID, &a.NodeID, &a.AlertType, &a.Severity, &a.Message,
		&a.Value, &a.Threshold, &a.CreatedAt, &a.IsResolved, &a.ResolvedAt, &a.Resolution)
	return a, err
}

func (db *Database) getTruck(ctx context.Context, q queryer, gatewayID string) (models.Truck, error) {
	query := `SELECT ` + truckColumns + ` FROM trucks tr WHERE tr.gateway_id = ?`
	tr, err := scanTruck(q.QueryRowContext(ctx, db.rebind(query), gatewayID))
	if errors.Is(err, sql.ErrNoRows) {
		return tr, ErrNotFound
	}
	return tr, err
}

func (db *Database) getTrip(ctx context.Context, q queryer, tripID string) (models.Trip, error) {
	query := `SELECT ` + tripColumns + `
		FROM trips t JOIN trucks tr ON tr.id = t.truck_id
		WHERE t.trip_id = ?`
	t, err := scanTrip(q.QueryRowContext(ctx, db.rebind(query), tripID))
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	return t, err
}

func (db *Database) getAlert(ctx context.Context, q queryer, id int64) (models.SystemAlert, error) {
	query := `SELECT ` + alertColumns + `
		FROM system_alerts a JOIN trips t ON t.id = a.trip_id
		WHERE a.id = ?`
	a, err := scanAlert(q.QueryRowContext(ctx, db.rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	return a, err
}

func (db *Database) readingsForFrame(ctx context.Context, q queryer, frameID int64) ([]models.SensorReading, error) {
	query := `SELECT ` + readingColumns + ` FROM sensor_readings r WHERE r.frame_id = ? ORDER BY r.id`
	rows, err := q.QueryContext(ctx, db.rebind(query), frameID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	readings := []models.SensorReading{}
	for rows.Next() {
		r, err := scanReading(rows)
		if err != nil {
			return nil, err
		}
		readings = append(readings, r)
	}
	return readings, rows.Err()
}

// UpsertTruck returns the truck for a gateway, registering it on first sight
func (tx *Tx) UpsertTruck(ctx context.Context, gatewayID string, at time.Time) (models.Truck, error) {
	_, err := tx.tx.ExecContext(ctx, tx.db.rebind(`
		INSERT INTO trucks (gateway_id, registered_at) VALUES (?, ?)
		ON CONFLICT (gateway_id) DO NOTHING`), gatewayID, at.UTC())
	if err != nil {
		return models.Truck{}, fmt.Errorf("failed to upsert truck %s: %w", gatewayID, err)
	}
	return tx.db.getTruck(ctx, tx.tx, gatewayID)
}

// UpsertTrip returns the trip, creating it ACTIVE for the truck on first
// sight. A trip that already belongs to another truck yields ErrTripOwnership.
func (tx *Tx) UpsertTrip(ctx context.Context, tripID string, truck models.Truck, at time.Time) (models.Trip, error) {
	_, err := tx.tx.ExecContext(ctx, tx.db.rebind(`
		INSERT INTO trips (trip_id, truck_id, status, started_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (trip_id) DO NOTHING`), tripID, truck.ID, models.TripActive, at.UTC())
	if err != nil {
		return models.Trip{}, fmt.Errorf("failed to upsert trip %s: %w", tripID, err)
	}

	trip, err := tx.db.getTrip(ctx, tx.tx, tripID)
	if err != nil {
		return trip, err
	}
	if trip.TruckID != truck.ID {
		return trip, fmt.Errorf("%w: trip %s is registered to %s", ErrTripOwnership, tripID, trip.GatewayID)
	}
	return trip, nil
}

// InsertFrame stores a frame for the trip and returns it with its new ID
func (tx *Tx) InsertFrame(ctx context.Context, trip models.Trip, reportedAt, receivedAt time.Time, loc *models.Location, health *models.GatewayHealth) (models.TelemetryFrame, error) {
	frame := models.TelemetryFrame{
		TripID:     trip.TripID,
		ReportedAt: reportedAt.UTC(),
		ReceivedAt: receivedAt.UTC(),
	}
	if loc != nil {
		frame.Location = *loc
	}
	if health != nil {
		frame.GatewayHealth = *health
	}

	l, h := frame.Location, frame.GatewayHealth
	err := tx.tx.QueryRowContext(ctx, tx.db.rebind(`
		INSERT INTO telemetry_frames (
			trip_id, reported_at, received_at, latitude, longitude, speed_kmh, heading_deg,
			satellites, battery_mv, signal_strength_dbm, uptime_seconds, cpu_temp_c
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`),
		trip.ID, frame.ReportedAt, frame.ReceivedAt, l.Lat, l.Lng, l.SpeedKmh, l.HeadingDeg,
		l.Satellites, h.BatteryMV, h.SignalStrengthDBM, h.UptimeSeconds, h.CPUTempC,
	).Scan(&frame.ID)
	if err != nil {
		return frame, fmt.Errorf("failed to insert frame: %w", err)
	}
	return frame, nil
}

// InsertReading stores one sensor reading and sets its ID
func (tx *Tx) InsertReading(ctx context.Context, r *models.SensorReading) error {
	err := tx.tx.QueryRowContext(ctx, tx.db.rebind(`
		INSERT INTO sensor_readings (
			frame_id, node_id, product_type, temp_c, battery_pct, link_quality,
			status, temp_alert, battery_alert
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`),
		r.FrameID, r.NodeID, r.ProductType, r.TempC, r.BatteryPct, r.LinkQuality,
		r.Status, r.TempAlert, r.BatteryAlert,
	).Scan(&r.ID)
	if err != nil {
		return fmt.Errorf("failed to insert reading for %s: %w", r.NodeID, err)
	}
	return nil
}

// OpenAlert opens an alert for the (trip, node, type) key unless one is
// already unresolved. The unique partial index on open keys makes the insert
// a compare-and-insert, so concurrent frames cannot both open the same key.
// An open WARNING is escalated in place when a is CRITICAL.
func (tx *Tx) OpenAlert(ctx context.Context, trip models.Trip, a models.SystemAlert) (models.SystemAlert, AlertOutcome, error) {
	a.TripID = trip.TripID
	a.CreatedAt = a.CreatedAt.UTC()

	err := tx.tx.QueryRowContext(ctx, tx.db.rebind(`
		INSERT INTO system_alerts (
			trip_id, frame_id, node_id, alert_type, severity, message, value, threshold, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (trip_id, node_id, alert_type) WHERE is_resolved = FALSE DO NOTHING
		RETURNING id`),
		trip.ID, a.FrameID, a.NodeID, a.AlertType, a.Severity, a.Message, a.Value, a.Threshold, a.CreatedAt,
	).Scan(&a.ID)
	if err == nil {
		return a, AlertCreated, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return a, AlertUnchanged, fmt.Errorf("failed to open %s alert for %s: %w", a.AlertType, a.NodeID, err)
	}

	if a.Severity != models.StatusCritical {
		return a, AlertUnchanged, nil
	}

	var id int64
	err = tx.tx.QueryRowContext(ctx, tx.db.rebind(`
		UPDATE system_alerts
		SET severity = ?, message = ?, value = ?, threshold = ?, frame_id = ?
		WHERE trip_id = ? AND node_id = ? AND alert_type = ? AND is_resolved = FALSE AND severity = ?
		RETURNING id`),
		a.Severity, a.Message, a.Value, a.Threshold, a.FrameID,
		trip.ID, a.NodeID, a.AlertType, models.StatusWarning,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return a, AlertUnchanged, nil
	}
	if err != nil {
		return a, AlertUnchanged, fmt.Errorf("failed to escalate %s alert for %s: %w", a.AlertType, a.NodeID, err)
	}

	escalated, err := tx.db.getAlert(ctx, tx.tx, id)
	if err != nil {
		return a, AlertUnchanged, err
	}
	return escalated, AlertEscalated, nil
}

// AutoResolveAlert closes the open alert for a key that returned to NOMINAL.
// It returns nil when no alert was open.
func (tx *Tx) AutoResolveAlert(ctx context.Context, trip models.Trip, nodeID, alertType string, at time.Time) (*models.SystemAlert, error) {
	var id int64
	err := tx.tx.QueryRowContext(ctx, tx.db.rebind(`
		UPDATE system_alerts
		SET is_resolved = TRUE, resolved_at = ?, resolution = ?
		WHERE trip_id = ? AND node_id = ? AND alert_type = ? AND is_resolved = FALSE
		RETURNING id`),
		at.UTC(), "auto", trip.ID, nodeID, alertType,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s alert for %s: %w", alertType, nodeID, err)
	}

	a, err := tx.db.getAlert(ctx, tx.tx, id)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// RecordFrameStats bumps the trip counters and returns the updated trip
func (tx *Tx) RecordFrameStats(ctx context.Context, trip models.Trip, alertsCreated int) (models.Trip, error) {
	_, err := tx.tx.ExecContext(ctx, tx.db.rebind(`
		UPDATE trips SET total_frames = total_frames + 1, alert_count = alert_count + ?
		WHERE id = ?`), alertsCreated, trip.ID)
	if err != nil {
		return trip, fmt.Errorf("failed to update trip %s counters: %w", trip.TripID, err)
	}
	return tx.db.getTrip(ctx, tx.tx, trip.TripID)
}

// FrameSnapshot loads the frame with its readings and owners inside the transaction
func (tx *Tx) FrameSnapshot(ctx context.Context, frameID int64) (models.FrameSnapshot, error) {
	return tx.db.frameSnapshot(ctx, tx.tx, frameID)
}

func (db *Database) frameSnapshot(ctx context.Context, q queryer, frameID int64) (models.FrameSnapshot, error) {
	var snap models.FrameSnapshot

	query := `SELECT ` + frameColumns + `
		FROM telemetry_frames f JOIN trips t ON t.id = f.trip_id
		WHERE f.id = ?`
	frame, err := scanFrame(q.QueryRowContext(ctx, db.rebind(query), frameID))
	if errors.Is(err, sql.ErrNoRows) {
		return snap, ErrNotFound
	}
	if err != nil {
		return snap, err
	}
	snap.Frame = frame

	if snap.Trip, err = db.getTrip(ctx, q, frame.TripID); err != nil {
		return snap, err
	}
	if snap.Truck, err = db.getTruck(ctx, q, snap.Trip.GatewayID); err != nil {
		return snap, err
	}
	if snap.Sensors, err = db.readingsForFrame(ctx, q, frame.ID); err != nil {
		return snap, err
	}
	return snap, nil
}
