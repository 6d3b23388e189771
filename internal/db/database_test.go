package db

import (
	"context"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"coldchain-monitor/internal/models"
)

var t0 = time.Date(2026, 1, 16, 14, 30, 0, 0, time.UTC)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// storeFrame writes a frame with one reading and returns the trip and frame
func storeFrame(t *testing.T, db *Database, gatewayID, tripID string, reportedAt time.Time) (models.Trip, models.TelemetryFrame) {
	t.Helper()
	ctx := context.Background()
	var trip models.Trip
	var frame models.TelemetryFrame
	err := db.WithTx(ctx, func(tx *Tx) error {
		truck, err := tx.UpsertTruck(ctx, gatewayID, t0)
		if err != nil {
			return err
		}
		if trip, err = tx.UpsertTrip(ctx, tripID, truck, t0); err != nil {
			return err
		}
		lat := 13.08
		if frame, err = tx.InsertFrame(ctx, trip, reportedAt, time.Now(), &models.Location{Lat: &lat}, nil); err != nil {
			return err
		}
		r := &models.SensorReading{FrameID: frame.ID, NodeID: "N1", TempC: 3.5, Status: models.StatusNominal}
		if err := tx.InsertReading(ctx, r); err != nil {
			return err
		}
		trip, err = tx.RecordFrameStats(ctx, trip, 0)
		return err
	})
	if err != nil {
		t.Fatalf("storeFrame: %v", err)
	}
	return trip, frame
}

func TestRebind(t *testing.T) {
	pg := &Database{dialect: Postgres}
	if got := pg.rebind("a = ? AND b = ?"); got != "a = $1 AND b = $2" {
		t.Errorf("postgres rebind = %q", got)
	}
	lite := &Database{dialect: SQLite}
	if got := lite.rebind("a = ?"); got != "a = ?" {
		t.Errorf("sqlite rebind = %q", got)
	}
}

func TestOpen_EmptyDSN(t *testing.T) {
	if _, err := Open("  "); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}

func TestSQLiteDSN_MergesPragmas(t *testing.T) {
	tests := []struct {
		dsn  string
		path string
		want map[string]string
	}{
		{"fleet.db", "fleet.db", map[string]string{"_foreign_keys": "on", "_txlock": "immediate", "_journal_mode": "WAL", "_busy_timeout": "5000", "_synchronous": "NORMAL"}},
		{"fleet.db?cache=shared", "fleet.db", map[string]string{"cache": "shared", "_foreign_keys": "on", "_txlock": "immediate"}},
		{"file:fleet.db?_busy_timeout=100&mode=rwc", "file:fleet.db", map[string]string{"_busy_timeout": "100", "mode": "rwc", "_journal_mode": "WAL"}},
		{"fleet.db?_fk=1&_timeout=250", "fleet.db", map[string]string{"_fk": "1", "_timeout": "250", "_txlock": "immediate"}},
	}
	for _, tt := range tests {
		got, err := sqliteDSN(tt.dsn)
		if err != nil {
			t.Fatalf("sqliteDSN(%q): %v", tt.dsn, err)
		}
		path, rawQuery, _ := strings.Cut(got, "?")
		if path != tt.path {
			t.Errorf("sqliteDSN(%q) path = %q, want %q", tt.dsn, path, tt.path)
		}
		params, err := url.ParseQuery(rawQuery)
		if err != nil {
			t.Fatal(err)
		}
		for k, v := range tt.want {
			if params.Get(k) != v {
				t.Errorf("sqliteDSN(%q) %s = %q, want %q", tt.dsn, k, params.Get(k), v)
			}
		}
	}

	got, _ := sqliteDSN("fleet.db?_fk=1&_timeout=250")
	params, _ := url.ParseQuery(strings.SplitN(got, "?", 2)[1])
	if params.Has("_foreign_keys") || params.Has("_busy_timeout") {
		t.Errorf("alias already set but default added too: %s", got)
	}
}

func TestNew_DSNWithParamsEnforcesForeignKeys(t *testing.T) {
	db, err := New(filepath.Join(t.TempDir(), "params.db") + "?cache=shared")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	err = db.WithTx(ctx, func(tx *Tx) error {
		return tx.InsertReading(ctx, &models.SensorReading{FrameID: 999999, NodeID: "N1", TempC: 3.5, Status: models.StatusNominal})
	})
	if err == nil {
		t.Fatal("reading for a missing frame was stored")
	}
}

func TestMigrate_UpIsIdempotentAndDownDrops(t *testing.T) {
	db := newTestDB(t)

	if err := db.Migrate("up"); err != nil {
		t.Fatalf("second Migrate up: %v", err)
	}
	version, dirty, err := db.SchemaVersion()
	if err != nil || version != 1 || dirty {
		t.Fatalf("SchemaVersion = %d dirty=%v err=%v, want 1 clean", version, dirty, err)
	}

	if err := db.Migrate("down"); err != nil {
		t.Fatalf("Migrate down: %v", err)
	}
	if _, err := db.ListTrucks(context.Background()); err == nil {
		t.Error("trucks table should be gone after down")
	}
	if err := db.Migrate("sideways"); err == nil {
		t.Error("unknown direction should fail")
	}
}

func TestUpsert_IdempotentAcrossFrames(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	trip1, _ := storeFrame(t, db, "TRUCK-402", "TRIP-1", t0)
	trip2, _ := storeFrame(t, db, "TRUCK-402", "TRIP-1", t0.Add(time.Minute))

	if trip1.ID != trip2.ID || trip1.TruckID != trip2.TruckID {
		t.Errorf("trip re-created: %+v vs %+v", trip1, trip2)
	}
	if trip2.TotalFrames != 2 || trip2.Status != models.TripActive || trip2.GatewayID != "TRUCK-402" {
		t.Errorf("trip = %+v, want 2 frames ACTIVE on TRUCK-402", trip2)
	}

	trucks, err := db.ListTrucks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(trucks) != 1 || !trucks[0].IsActive {
		t.Errorf("trucks = %+v, want one active truck", trucks)
	}
}

func TestUpsertTrip_OwnershipMismatch(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	storeFrame(t, db, "TRUCK-A", "TRIP-1", t0)

	err := db.WithTx(ctx, func(tx *Tx) error {
		truck, err := tx.UpsertTruck(ctx, "TRUCK-B", t0)
		if err != nil {
			return err
		}
		_, err = tx.UpsertTrip(ctx, "TRIP-1", truck, t0)
		return err
	})
	if !errors.Is(err, ErrTripOwnership) {
		t.Fatalf("err = %v, want ErrTripOwnership", err)
	}

	// the rolled back transaction must not leave TRUCK-B behind
	trucks, _ := db.ListTrucks(ctx)
	if len(trucks) != 1 {
		t.Errorf("trucks = %d, want 1", len(trucks))
	}
}

func TestWithTx_RollbackHidesPartialFrame(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := db.WithTx(ctx, func(tx *Tx) error {
		truck, err := tx.UpsertTruck(ctx, "TRUCK-1", t0)
		if err != nil {
			return err
		}
		trip, err := tx.UpsertTrip(ctx, "TRIP-1", truck, t0)
		if err != nil {
			return err
		}
		if _, err := tx.InsertFrame(ctx, trip, t0, t0, nil, nil); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}

	stats, err := db.GetStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Trucks != 0 || stats.Trips != 0 || stats.Frames != 0 {
		t.Errorf("stats after rollback = %+v, want empty", stats)
	}
}

func tryOpenAlert(db *Database, trip models.Trip, frameID int64, severity string) (models.SystemAlert, AlertOutcome, error) {
	ctx := context.Background()
	var a models.SystemAlert
	var outcome AlertOutcome
	err := db.WithTx(ctx, func(tx *Tx) error {
		var err error
		a, outcome, err = tx.OpenAlert(ctx, trip, models.SystemAlert{
			FrameID:   frameID,
			NodeID:    "N1",
			AlertType: models.AlertTemperature,
			Severity:  severity,
			Message:   "too warm",
			Value:     8,
			Threshold: 7,
			CreatedAt: t0,
		})
		return err
	})
	return a, outcome, err
}

func openAlert(t *testing.T, db *Database, trip models.Trip, frameID int64, severity string) (models.SystemAlert, AlertOutcome) {
	t.Helper()
	a, outcome, err := tryOpenAlert(db, trip, frameID, severity)
	if err != nil {
		t.Fatalf("OpenAlert: %v", err)
	}
	return a, outcome
}

func TestOpenAlert_DedupEscalateResolve(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	trip, frame := storeFrame(t, db, "TRUCK-1", "TRIP-1", t0)

	first, outcome := openAlert(t, db, trip, frame.ID, models.StatusWarning)
	if outcome != AlertCreated || first.ID == 0 || first.TripID != "TRIP-1" {
		t.Fatalf("first open = %+v outcome %v, want created", first, outcome)
	}
	if _, outcome := openAlert(t, db, trip, frame.ID, models.StatusWarning); outcome != AlertUnchanged {
		t.Errorf("repeat WARNING outcome = %v, want unchanged", outcome)
	}

	escalated, outcome := openAlert(t, db, trip, frame.ID, models.StatusCritical)
	if outcome != AlertEscalated || escalated.ID != first.ID || escalated.Severity != models.StatusCritical {
		t.Errorf("escalation = %+v outcome %v", escalated, outcome)
	}
	if _, outcome := openAlert(t, db, trip, frame.ID, models.StatusCritical); outcome != AlertUnchanged {
		t.Errorf("repeat CRITICAL outcome = %v, want unchanged", outcome)
	}

	resolved, err := db.ResolveAlert(ctx, first.ID, t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("ResolveAlert: %v", err)
	}
	if !resolved.IsResolved || resolved.ResolvedAt == nil || resolved.Resolution != "operator" {
		t.Errorf("resolved = %+v", resolved)
	}
	if _, err := db.ResolveAlert(ctx, first.ID, t0); !errors.Is(err, ErrNotFound) {
		t.Errorf("second resolve err = %v, want ErrNotFound", err)
	}
	if _, err := db.ResolveAlert(ctx, 9999, t0); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown resolve err = %v, want ErrNotFound", err)
	}

	again, outcome := openAlert(t, db, trip, frame.ID, models.StatusWarning)
	if outcome != AlertCreated || again.ID == first.ID {
		t.Errorf("new breach after resolve = %+v outcome %v, want fresh instance", again, outcome)
	}
	old, err := db.GetAlert(ctx, first.ID)
	if err != nil || !old.IsResolved {
		t.Errorf("resolved alert reopened: %+v err=%v", old, err)
	}
}

func TestOpenAlert_ConcurrentBreachesOpenOnce(t *testing.T) {
	db := newTestDB(t)
	trip, frame := storeFrame(t, db, "TRUCK-1", "TRIP-1", t0)

	const workers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	created := 0
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, outcome, err := tryOpenAlert(db, trip, frame.ID, models.StatusWarning)
			if err != nil {
				t.Errorf("OpenAlert: %v", err)
				return
			}
			if outcome == AlertCreated {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if created != 1 {
		t.Errorf("created = %d, want 1", created)
	}
	alerts, err := db.ListOpenAlerts(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(alerts) != 1 {
		t.Errorf("open alerts = %d, want 1", len(alerts))
	}
}

func TestAutoResolveAlert(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	trip, frame := storeFrame(t, db, "TRUCK-1", "TRIP-1", t0)
	opened, _ := openAlert(t, db, trip, frame.ID, models.StatusWarning)

	var got *models.SystemAlert
	err := db.WithTx(ctx, func(tx *Tx) error {
		var err error
		got, err = tx.AutoResolveAlert(ctx, trip, "N1", models.AlertTemperature, t0)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != opened.ID || got.Resolution != "auto" {
		t.Fatalf("auto-resolved = %+v", got)
	}

	err = db.WithTx(ctx, func(tx *Tx) error {
		var err error
		got, err = tx.AutoResolveAlert(ctx, trip, "N1", models.AlertTemperature, t0)
		return err
	})
	if err != nil || got != nil {
		t.Errorf("second auto-resolve = %+v err=%v, want nil", got, err)
	}
}

func TestLatestFrame_OrderedByServerID(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if _, err := db.LatestFrame(ctx, "TRIP-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown trip err = %v, want ErrNotFound", err)
	}

	storeFrame(t, db, "TRUCK-1", "TRIP-1", t0)
	// device clock skewed backwards on the second frame
	_, second := storeFrame(t, db, "TRUCK-1", "TRIP-1", t0.Add(-time.Hour))

	snap, err := db.LatestFrame(ctx, "TRIP-1")
	if err != nil {
		t.Fatalf("LatestFrame: %v", err)
	}
	if snap.Frame.ID != second.ID {
		t.Errorf("latest frame = %d, want %d", snap.Frame.ID, second.ID)
	}
	if !snap.Frame.ReportedAt.Equal(t0.Add(-time.Hour)) {
		t.Errorf("reported_at = %v", snap.Frame.ReportedAt)
	}
	if len(snap.Sensors) != 1 || snap.Truck.GatewayID != "TRUCK-1" || snap.Trip.TripID != "TRIP-1" {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.Frame.Location.Lat == nil || snap.Frame.Location.Lng != nil {
		t.Errorf("location = %+v, want lat only", snap.Frame.Location)
	}
}

func TestDashboardSummary(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	trip, frame := storeFrame(t, db, "TRUCK-1", "TRIP-1", t0)
	openAlert(t, db, trip, frame.ID, models.StatusWarning)
	if _, err := db.SaveTripRoute(ctx, "TRIP-2", "TRUCK-2", "Chennai", "Bangalore", t0); err != nil {
		t.Fatal(err)
	}
	storeFrame(t, db, "TRUCK-3", "TRIP-3", t0)
	if _, err := db.CompleteTrip(ctx, "TRIP-3", t0); err != nil {
		t.Fatal(err)
	}

	entries, err := db.DashboardSummary(ctx)
	if err != nil {
		t.Fatalf("DashboardSummary: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2 active trips", len(entries))
	}
	if entries[0].Frame == nil || entries[0].Frame.ID != frame.ID || len(entries[0].Sensors) != 1 || len(entries[0].Alerts) != 1 {
		t.Errorf("TRIP-1 entry = %+v", entries[0])
	}
	if entries[1].Frame != nil || entries[1].Trip.Origin != "Chennai" || len(entries[1].Alerts) != 0 {
		t.Errorf("TRIP-2 entry = %+v", entries[1])
	}
}

func TestCompleteTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	storeFrame(t, db, "TRUCK-1", "TRIP-1", t0)

	trip, err := db.CompleteTrip(ctx, "TRIP-1", t0.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if trip.Status != models.TripCompleted || trip.EndedAt == nil {
		t.Errorf("trip = %+v", trip)
	}
	if _, err := db.CompleteTrip(ctx, "TRIP-1", t0); !errors.Is(err, ErrNotFound) {
		t.Errorf("second complete err = %v, want ErrNotFound", err)
	}

	completed, _ := db.ListTrips(ctx, models.TripCompleted)
	active, _ := db.ListTrips(ctx, models.TripActive)
	if len(completed) != 1 || len(active) != 0 {
		t.Errorf("completed = %d active = %d", len(completed), len(active))
	}
}

func TestSaveTruckProfile(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	storeFrame(t, db, "TRUCK-402", "TRIP-1", t0)

	truck, err := db.SaveTruckProfile(ctx, "TRUCK-402", TruckProfile{
		PlateNumber: "TN-01-AB-1234",
		DriverName:  "Rajesh Kumar",
	}, t0)
	if err != nil {
		t.Fatal(err)
	}
	if truck.PlateNumber != "TN-01-AB-1234" || truck.DriverName != "Rajesh Kumar" {
		t.Errorf("truck = %+v", truck)
	}

	stats, _ := db.GetStats(ctx)
	if stats.Trucks != 1 {
		t.Errorf("trucks = %d, want 1", stats.Trucks)
	}
}

func TestPostgres_OpenAlertDedup(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_URL")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_URL not set")
	}
	db, err := New(dsn)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer db.Close()
	if db.Dialect() != Postgres {
		t.Fatalf("dialect = %v", db.Dialect())
	}

	tripID := "TRIP-PG-" + time.Now().Format("150405.000000")
	trip, frame := storeFrame(t, db, "TRUCK-PG", tripID, t0)

	var wg sync.WaitGroup
	var mu sync.Mutex
	created := 0
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, outcome, err := tryOpenAlert(db, trip, frame.ID, models.StatusWarning)
			if err != nil {
				t.Errorf("OpenAlert: %v", err)
				return
			}
			if outcome == AlertCreated {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if created != 1 {
		t.Errorf("created = %d, want 1", created)
	}
}

func TestListOpenAlerts_NewestFirst(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	trip, frame := storeFrame(t, db, "TRUCK-402", "TRIP-1", t0)

	// a CRITICAL alert opened first must still list after a newer WARNING
	var ids []int64
	for _, a := range []struct{ node, severity string }{{"N1", models.StatusCritical}, {"N2", models.StatusWarning}} {
		err := db.WithTx(ctx, func(tx *Tx) error {
			opened, _, err := tx.OpenAlert(ctx, trip, models.SystemAlert{
				FrameID: frame.ID, NodeID: a.node, AlertType: models.AlertTemperature,
				Severity: a.severity, Message: "too warm", Value: 9, Threshold: 7, CreatedAt: t0,
			})
			ids = append(ids, opened.ID)
			return err
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	alerts, err := db.ListOpenAlerts(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(alerts) != 2 || alerts[0].ID != ids[1] || alerts[1].ID != ids[0] {
		t.Errorf("alerts = %+v, want ids %d then %d", alerts, ids[1], ids[0])
	}
}
