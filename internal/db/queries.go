package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"coldchain-monitor/internal/models"
)

// DefaultAlertLimit caps ListOpenAlerts when no limit is given
const DefaultAlertLimit = 100

// TruckProfile holds the operator-maintained truck details
type TruckProfile struct {
	PlateNumber       string
	DriverName        string
	TruckModel        string
	RefrigerationUnit string
}

// ResolveAlert closes an open alert by operator action. Resolving an alert
// that is missing or already resolved returns ErrNotFound and changes nothing.
func (db *Database) ResolveAlert(ctx context.Context, id int64, at time.Time) (models.SystemAlert, error) {
	var alert models.SystemAlert
	err := db.WithTx(ctx, func(tx *Tx) error {
		var resolvedID int64
		err := tx.tx.QueryRowContext(ctx, db.rebind(`
			UPDATE system_alerts
			SET is_resolved = TRUE, resolved_at = ?, resolution = ?
			WHERE id = ? AND is_resolved = FALSE
			RETURNING id`), at.UTC(), "operator", id).Scan(&resolvedID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to resolve alert %d: %w", id, err)
		}
		alert, err = db.getAlert(ctx, tx.tx, resolvedID)
		return err
	})
	return alert, err
}

// CompleteTrip marks an ACTIVE trip COMPLETED
func (db *Database) CompleteTrip(ctx context.Context, tripID string, at time.Time) (models.Trip, error) {
	var trip models.Trip
	err := db.WithTx(ctx, func(tx *Tx) error {
		var id int64
		err := tx.tx.QueryRowContext(ctx, db.rebind(`
			UPDATE trips SET status = ?, ended_at = ?
			WHERE trip_id = ? AND status = ?
			RETURNING id`), models.TripCompleted, at.UTC(), tripID, models.TripActive).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to complete trip %s: %w", tripID, err)
		}
		trip, err = db.getTrip(ctx, tx.tx, tripID)
		return err
	})
	return trip, err
}

// SaveTruckProfile creates or updates a truck's descriptive fields
func (db *Database) SaveTruckProfile(ctx context.Context, gatewayID string, p TruckProfile, at time.Time) (models.Truck, error) {
	var truck models.Truck
	err := db.WithTx(ctx, func(tx *Tx) error {
		_, err := tx.tx.ExecContext(ctx, db.rebind(`
			INSERT INTO trucks (gateway_id, plate_number, driver_name, truck_model, refrigeration_unit, registered_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (gateway_id) DO UPDATE SET
				plate_number = excluded.plate_number,
				driver_name = excluded.driver_name,
				truck_model = excluded.truck_model,
				refrigeration_unit = excluded.refrigeration_unit`),
			gatewayID, p.PlateNumber, p.DriverName, p.TruckModel, p.RefrigerationUnit, at.UTC())
		if err != nil {
			return fmt.Errorf("failed to save truck %s: %w", gatewayID, err)
		}
		truck, err = db.getTruck(ctx, tx.tx, gatewayID)
		return err
	})
	return truck, err
}

// SaveTripRoute registers a trip for a gateway with its origin and
// destination, updating the route of an existing trip owned by that gateway
func (db *Database) SaveTripRoute(ctx context.Context, tripID, gatewayID, origin, destination string, at time.Time) (models.Trip, error) {
	var trip models.Trip
	err := db.WithTx(ctx, func(tx *Tx) error {
		truck, err := tx.UpsertTruck(ctx, gatewayID, at)
		if err != nil {
			return err
		}
		if trip, err = tx.UpsertTrip(ctx, tripID, truck, at); err != nil {
			return err
		}
		_, err = tx.tx.ExecContext(ctx, db.rebind(`
			UPDATE trips SET origin = ?, destination = ? WHERE id = ?`), origin, destination, trip.ID)
		if err != nil {
			return fmt.Errorf("failed to save route for trip %s: %w", tripID, err)
		}
		trip.Origin, trip.Destination = origin, destination
		return nil
	})
	return trip, err
}

// ListTrucks returns every registered truck
func (db *Database) ListTrucks(ctx context.Context) ([]models.Truck, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT `+truckColumns+` FROM trucks tr ORDER BY tr.id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list trucks: %w", err)
	}
	defer rows.Close()

	trucks := []models.Truck{}
	for rows.Next() {
		tr, err := scanTruck(rows)
		if err != nil {
			return nil, err
		}
		trucks = append(trucks, tr)
	}
	return trucks, rows.Err()
}

// ListTrips returns trips, optionally filtered by status
func (db *Database) ListTrips(ctx context.Context, status string) ([]models.Trip, error) {
	query := `SELECT ` + tripColumns + ` FROM trips t JOIN trucks tr ON tr.id = t.truck_id`
	var args []any
	if status != "" {
		query += ` WHERE t.status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY t.id`

	rows, err := db.conn.QueryContext(ctx, db.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list trips: %w", err)
	}
	defer rows.Close()

	trips := []models.Trip{}
	for rows.Next() {
		t, err := scanTrip(rows)
		if err != nil {
			return nil, err
		}
		trips = append(trips, t)
	}
	return trips, rows.Err()
}

// GetTrip looks up one trip by its identifier
func (db *Database) GetTrip(ctx context.Context, tripID string) (models.Trip, error) {
	return db.getTrip(ctx, db.conn, tripID)
}

// LatestFrame returns the most recently stored frame of a trip. Frames are
// ordered by server-assigned ID, never by device timestamp. A trip without
// frames, or an unknown trip, yields ErrNotFound.
func (db *Database) LatestFrame(ctx context.Context, tripID string) (models.FrameSnapshot, error) {
	frameID, err := db.latestFrameID(ctx, tripID)
	if err != nil {
		return models.FrameSnapshot{}, err
	}
	return db.frameSnapshot(ctx, db.conn, frameID)
}

func (db *Database) latestFrameID(ctx context.Context, tripID string) (int64, error) {
	var id int64
	err := db.conn.QueryRowContext(ctx, db.rebind(`
		SELECT f.id FROM telemetry_frames f JOIN trips t ON t.id = f.trip_id
		WHERE t.trip_id = ?
		ORDER BY f.id DESC LIMIT 1`), tripID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return id, err
}

// DashboardSummary returns the latest state of every ACTIVE trip. Trips
// without frames are included with a nil Frame.
func (db *Database) DashboardSummary(ctx context.Context) ([]models.DashboardEntry, error) {
	trips, err := db.ListTrips(ctx, models.TripActive)
	if err != nil {
		return nil, err
	}

	entries := make([]models.DashboardEntry, 0, len(trips))
	for _, trip := range trips {
		entry := models.DashboardEntry{Trip: trip, Sensors: []models.SensorReading{}}

		if entry.Truck, err = db.getTruck(ctx, db.conn, trip.GatewayID); err != nil {
			return nil, err
		}

		frameID, err := db.latestFrameID(ctx, trip.TripID)
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			return nil, err
		default:
			snap, err := db.frameSnapshot(ctx, db.conn, frameID)
			if err != nil {
				return nil, err
			}
			entry.Frame = &snap.Frame
			entry.Sensors = snap.Sensors
		}

		if entry.Alerts, err = db.openAlertsForTrip(ctx, trip.ID); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (db *Database) openAlertsForTrip(ctx context.Context, tripPK int64) ([]models.SystemAlert, error) {
	query := `SELECT ` + alertColumns + `
		FROM system_alerts a JOIN trips t ON t.id = a.trip_id
		WHERE a.trip_id = ? AND a.is_resolved = FALSE
		ORDER BY a.id`
	return db.queryAlerts(ctx, query, tripPK)
}

// ListOpenAlerts returns unresolved alerts, newest first
func (db *Database) ListOpenAlerts(ctx context.Context, limit int) ([]models.SystemAlert, error) {
	if limit <= 0 {
		limit = DefaultAlertLimit
	}
	query := `SELECT ` + alertColumns + `
		FROM system_alerts a JOIN trips t ON t.id = a.trip_id
		WHERE a.is_resolved = FALSE
		ORDER BY a.id DESC
		LIMIT ?`
	return db.queryAlerts(ctx, query, limit)
}

// GetAlert looks up one alert by ID, open or resolved
func (db *Database) GetAlert(ctx context.Context, id int64) (models.SystemAlert, error) {
	return db.getAlert(ctx, db.conn, id)
}

func (db *Database) queryAlerts(ctx context.Context, query string, args ...any) ([]models.SystemAlert, error) {
	rows, err := db.conn.QueryContext(ctx, db.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	alerts := []models.SystemAlert{}
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// GetStats returns store-wide counts
func (db *Database) GetStats(ctx context.Context) (models.Stats, error) {
	var stats models.Stats

	counts := []struct {
		dest  *int64
		query string
	}{
		{&stats.Trucks, `SELECT COUNT(*) FROM trucks`},
		{&stats.Trips, `SELECT COUNT(*) FROM trips`},
		{&stats.ActiveTrips, `SELECT COUNT(*) FROM trips WHERE status = 'ACTIVE'`},
		{&stats.Frames, `SELECT COUNT(*) FROM telemetry_frames`},
		{&stats.Readings, `SELECT COUNT(*) FROM sensor_readings`},
		{&stats.OpenAlerts, `SELECT COUNT(*) FROM system_alerts WHERE is_resolved = FALSE`},
		{&stats.ClosedAlerts, `SELECT COUNT(*) FROM system_alerts WHERE is_resolved = TRUE`},
	}
	for _, c := range counts {
		if err := db.conn.QueryRowContext(ctx, c.query).Scan(c.dest); err != nil {
			return stats, fmt.Errorf("failed to get stats: %w", err)
		}
	}
	return stats, nil
}
