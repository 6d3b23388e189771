// Package ingest turns gateway payloads into stored frames, readings and
// alert changes, and announces each committed change to live subscribers.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"coldchain-monitor/internal/alerting"
	"coldchain-monitor/internal/db"
	"coldchain-monitor/internal/metrics"
	"coldchain-monitor/internal/models"
	"coldchain-monitor/internal/parser"
	"coldchain-monitor/internal/stream"
)

const publishTimeout = 2 * time.Second

// Publisher receives events after the write they describe has committed
type Publisher interface {
	Publish(ctx context.Context, ev stream.Event)
}

// StorageError reports a failed transactional write. Nothing from the frame
// was stored, so the gateway may retry the identical payload.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Service is the ingestion pipeline
type Service struct {
	db          *db.Database
	engine      *alerting.Engine
	publisher   Publisher
	autoResolve bool
	logger      *slog.Logger
	now         func() time.Time
}

// Option configures a Service
type Option func(*Service)

// WithAutoResolve closes open alerts whose key reads NOMINAL again
func WithAutoResolve(enabled bool) Option {
	return func(s *Service) { s.autoResolve = enabled }
}

// WithLogger sets the service logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithClock overrides the receipt clock
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates the pipeline. publisher may be nil.
func NewService(database *db.Database, engine *alerting.Engine, publisher Publisher, opts ...Option) *Service {
	s := &Service{
		db:        database,
		engine:    engine,
		publisher: publisher,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// alertDelta collects alert changes made while storing one frame
type alertDelta struct {
	created   []models.SystemAlert
	escalated []models.SystemAlert
	resolved  []models.SystemAlert
}

// Ingest decodes and stores one raw payload
func (s *Service) Ingest(ctx context.Context, body []byte) (models.IngestResult, error) {
	p, err := parser.DecodePayload(body)
	if err != nil {
		metrics.IngestMalformed.Add(1)
		return models.IngestResult{}, err
	}
	return s.IngestPayload(ctx, p)
}

// IngestPayload validates and stores one decoded payload. The frame, its
// readings, the trip counters and every alert change commit together or
// not at all; the telemetry event is published only after commit.
func (s *Service) IngestPayload(ctx context.Context, p *models.TelemetryPayload) (models.IngestResult, error) {
	reportedAt, err := parser.Validate(p)
	if err != nil {
		metrics.IngestInvalid.Add(1)
		return models.IngestResult{}, err
	}

	log := s.logger.With("gateway_id", p.GatewayID, "trip_id", p.TripID)
	for _, note := range parser.Advisories(p) {
		log.Warn("out-of-range value", "detail", note)
	}

	receivedAt := s.now().UTC()
	result := models.IngestResult{TripID: p.TripID}
	var delta alertDelta
	var snap models.FrameSnapshot

	err = s.db.WithTx(ctx, func(tx *db.Tx) error {
		truck, err := tx.UpsertTruck(ctx, p.GatewayID, receivedAt)
		if err != nil {
			return err
		}
		trip, err := tx.UpsertTrip(ctx, p.TripID, truck, receivedAt)
		if err != nil {
			return err
		}
		frame, err := tx.InsertFrame(ctx, trip, reportedAt, receivedAt, p.Location, p.GatewayHealth)
		if err != nil {
			return err
		}

		for i, raw := range p.CargoSensors {
			if raw.NodeID == "" || raw.TempC == nil {
				result.SensorsSkipped++
				log.Warn("skipping cargo sensor without node_id or temp_c", "index", i, "node_id", raw.NodeID)
				continue
			}

			a := s.engine.AssessReading(raw)
			for _, anomaly := range a.Anomalies {
				log.Warn("sensor fault", "node_id", raw.NodeID, "detail", anomaly)
			}
			reading := &models.SensorReading{
				FrameID:      frame.ID,
				NodeID:       raw.NodeID,
				ProductType:  raw.ProductType,
				TempC:        *raw.TempC,
				BatteryPct:   raw.BatteryPct,
				LinkQuality:  raw.LinkQuality,
				Status:       a.Status,
				TempAlert:    a.TempAlert,
				BatteryAlert: a.BatteryAlert,
			}
			if err := tx.InsertReading(ctx, reading); err != nil {
				return err
			}
			result.SensorsProcessed++

			if err := s.applyFindings(ctx, tx, trip, frame.ID, a.Findings, receivedAt, &delta); err != nil {
				return err
			}
		}

		if err := s.applyFindings(ctx, tx, trip, frame.ID, s.engine.AssessGateway(p.GatewayHealth), receivedAt, &delta); err != nil {
			return err
		}

		if _, err := tx.RecordFrameStats(ctx, trip, len(delta.created)); err != nil {
			return err
		}
		snap, err = tx.FrameSnapshot(ctx, frame.ID)
		return err
	})
	if err != nil {
		if errors.Is(err, db.ErrTripOwnership) {
			metrics.IngestInvalid.Add(1)
			return models.IngestResult{}, &parser.ValidationError{Fields: []string{"trip_id"}, Reason: err.Error()}
		}
		metrics.IngestStorageFails.Add(1)
		log.Error("failed to store frame", "error", err)
		return models.IngestResult{}, &StorageError{Op: "ingest", Err: err}
	}

	result.FrameID = snap.Frame.ID
	result.AlertsGenerated = len(delta.created)
	result.AlertsResolved = len(delta.resolved)

	metrics.FramesIngested.Add(1)
	metrics.SensorsSkipped.Add(int64(result.SensorsSkipped))
	metrics.AlertsOpened.Add(int64(len(delta.created)))
	metrics.AlertsEscalated.Add(int64(len(delta.escalated)))
	metrics.AlertsResolved.Add(int64(len(delta.resolved)))

	for _, a := range delta.created {
		log.Info("alert opened", "alert_id", a.ID, "node_id", a.NodeID, "type", a.AlertType, "severity", a.Severity)
	}
	for _, a := range delta.escalated {
		log.Info("alert escalated", "alert_id", a.ID, "node_id", a.NodeID, "type", a.AlertType)
	}
	log.Debug("frame stored", "frame_id", result.FrameID, "sensors", result.SensorsProcessed)

	s.publish(ctx, stream.EventTelemetry, snap.Frame.ID, models.TelemetryEvent{
		FrameSnapshot:   snap,
		AlertsCreated:   nonNil(delta.created),
		AlertsResolved:  nonNil(delta.resolved),
		AlertsEscalated: nonNil(delta.escalated),
	})
	return result, nil
}

// applyFindings opens or escalates alerts for breached keys and, when
// auto-resolve is on, closes alerts whose key is back to NOMINAL
func (s *Service) applyFindings(ctx context.Context, tx *db.Tx, trip models.Trip, frameID int64, findings []alerting.Finding, at time.Time, delta *alertDelta) error {
	for _, f := range findings {
		if !f.Breached() {
			if !s.autoResolve {
				continue
			}
			resolved, err := tx.AutoResolveAlert(ctx, trip, f.Subject, f.AlertType, at)
			if err != nil {
				return err
			}
			if resolved != nil {
				delta.resolved = append(delta.resolved, *resolved)
			}
			continue
		}

		alert, outcome, err := tx.OpenAlert(ctx, trip, models.SystemAlert{
			FrameID:   frameID,
			NodeID:    f.Subject,
			AlertType: f.AlertType,
			Severity:  f.Severity,
			Message:   f.Message,
			Value:     f.Value,
			Threshold: f.Threshold,
			CreatedAt: at,
		})
		if err != nil {
			return err
		}
		switch outcome {
		case db.AlertCreated:
			delta.created = append(delta.created, alert)
		case db.AlertEscalated:
			delta.escalated = append(delta.escalated, alert)
		}
	}
	return nil
}

// ResolveAlert closes an open alert by operator action and announces it
func (s *Service) ResolveAlert(ctx context.Context, id int64) (models.SystemAlert, error) {
	alert, err := s.db.ResolveAlert(ctx, id, s.now())
	if err != nil {
		return alert, err
	}
	metrics.AlertsResolved.Add(1)
	s.logger.Info("alert resolved", "alert_id", id, "trip_id", alert.TripID, "node_id", alert.NodeID)
	s.publish(ctx, stream.EventAlertResolved, 0, alert)
	return alert, nil
}

// CompleteTrip closes an active trip and announces it
func (s *Service) CompleteTrip(ctx context.Context, tripID string) (models.Trip, error) {
	trip, err := s.db.CompleteTrip(ctx, tripID, s.now())
	if err != nil {
		return trip, err
	}
	s.logger.Info("trip completed", "trip_id", tripID, "frames", trip.TotalFrames, "alerts", trip.AlertCount)
	s.publish(ctx, stream.EventTripCompleted, 0, trip)
	return trip, nil
}

func (s *Service) publish(ctx context.Context, eventType string, seq int64, payload any) {
	if s.publisher == nil {
		return
	}
	ev, err := stream.NewEvent(eventType, seq, payload)
	if err != nil {
		s.logger.Error("failed to build event", "event", eventType, "error", err)
		return
	}
	// the write has committed; a cancelled request must not suppress the event
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	s.publisher.Publish(pubCtx, ev)
}

func nonNil(alerts []models.SystemAlert) []models.SystemAlert {
	if alerts == nil {
		return []models.SystemAlert{}
	}
	return alerts
}
