package models

import "time"

// Reading and alert status values
const (
	StatusNominal  = "NOMINAL"
	StatusWarning  = "WARNING"
	StatusCritical = "CRITICAL"
)

// Trip status values
const (
	TripActive    = "ACTIVE"
	TripCompleted = "COMPLETED"
)

// Alert types
const (
	AlertTemperature = "TEMPERATURE"
	AlertBattery     = "BATTERY"
	AlertSignal      = "SIGNAL"
)

// GatewaySubject is the alert key subject used for gateway-level metrics.
const GatewaySubject = "GATEWAY"

// Truck represents a refrigerated truck and its gateway
type Truck struct {
	ID                int64     `json:"id"`
	GatewayID         string    `json:"gateway_id"`
	PlateNumber       string    `json:"plate_number,omitempty"`
	DriverName        string    `json:"driver_name,omitempty"`
	TruckModel        string    `json:"truck_model,omitempty"`
	RefrigerationUnit string    `json:"refrigeration_unit,omitempty"`
	RegisteredAt      time.Time `json:"registered_at"`
	IsActive          bool      `json:"is_active"`
}

// Trip represents one monitored delivery run of a truck
type Trip struct {
	ID          int64      `json:"id"`
	TripID      string     `json:"trip_id"`
	TruckID     int64      `json:"truck_id"`
	GatewayID   string     `json:"gateway_id"`
	Origin      string     `json:"origin,omitempty"`
	Destination string     `json:"destination,omitempty"`
	Status      string     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	TotalFrames int        `json:"total_frames"`
	AlertCount  int        `json:"alert_count"`
}

// Location is the GPS block of a frame
type Location struct {
	Lat        *float64 `json:"lat"`
	Lng        *float64 `json:"lng"`
	SpeedKmh   *float64 `json:"speed_kmh"`
	HeadingDeg *float64 `json:"heading_deg"`
	Satellites *int     `json:"satellites"`
}

// GatewayHealth is the gateway self-report block of a frame
type GatewayHealth struct {
	BatteryMV         *int     `json:"battery_mv"`
	SignalStrengthDBM *int     `json:"signal_strength_dbm"`
	UptimeSeconds     *int64   `json:"uptime_seconds"`
	CPUTempC          *float64 `json:"cpu_temp_c"`
}

// TelemetryFrame is one stored snapshot from a gateway. ID is the
// server-assigned ordering key; ReportedAt comes from the device clock.
type TelemetryFrame struct {
	ID            int64         `json:"id"`
	TripID        string        `json:"trip_id"`
	ReportedAt    time.Time     `json:"timestamp"`
	ReceivedAt    time.Time     `json:"received_at"`
	Location      Location      `json:"location"`
	GatewayHealth GatewayHealth `json:"gateway_health"`
}

// SensorReading is one cargo sensor's values within a frame
type SensorReading struct {
	ID           int64    `json:"id"`
	FrameID      int64    `json:"frame_id"`
	NodeID       string   `json:"node_id"`
	ProductType  string   `json:"product_type,omitempty"`
	TempC        float64  `json:"temp_c"`
	BatteryPct   *float64 `json:"battery_pct"`
	LinkQuality  *int     `json:"link_quality"`
	Status       string   `json:"status"`
	TempAlert    bool     `json:"temp_alert"`
	BatteryAlert bool     `json:"battery_alert"`
}

// SystemAlert is a standing condition requiring operator attention
type SystemAlert struct {
	ID         int64      `json:"id"`
	TripID     string     `json:"trip_id"`
	FrameID    int64      `json:"frame_id"`
	NodeID     string     `json:"node_id"`
	AlertType  string     `json:"alert_type"`
	Severity   string     `json:"severity"`
	Message    string     `json:"message"`
	Value      float64    `json:"value"`
	Threshold  float64    `json:"threshold"`
	CreatedAt  time.Time  `json:"created_at"`
	IsResolved bool       `json:"is_resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	Resolution string     `json:"resolution,omitempty"` // operator or auto
}

// TelemetryPayload is the JSON body posted by a gateway
type TelemetryPayload struct {
	GatewayID     string           `json:"gateway_id"`
	TripID        string           `json:"trip_id"`
	Timestamp     string           `json:"timestamp"`
	Location      *Location        `json:"location,omitempty"`
	GatewayHealth *GatewayHealth   `json:"gateway_health,omitempty"`
	CargoSensors  []CargoSensorRaw `json:"cargo_sensors,omitempty"`
}

// CargoSensorRaw is a sensor entry as sent by the gateway. Status is the
// device's own classification; it is decoded but never stored.
type CargoSensorRaw struct {
	NodeID      string   `json:"node_id"`
	ProductType string   `json:"product_type,omitempty"`
	TempC       *float64 `json:"temp_c"`
	BatteryPct  *float64 `json:"battery_pct,omitempty"`
	LinkQuality *int     `json:"link_quality,omitempty"`
	Status      string   `json:"status,omitempty"`
}

// IngestResult summarizes one accepted frame
type IngestResult struct {
	FrameID          int64  `json:"frame_id"`
	TripID           string `json:"trip_id"`
	SensorsProcessed int    `json:"sensors_processed"`
	SensorsSkipped   int    `json:"sensors_skipped"`
	AlertsGenerated  int    `json:"alerts_generated"`
	AlertsResolved   int    `json:"alerts_resolved"`
}

// FrameSnapshot is a frame together with its readings and owners
type FrameSnapshot struct {
	Frame   TelemetryFrame  `json:"frame"`
	Sensors []SensorReading `json:"sensors"`
	Truck   Truck           `json:"truck"`
	Trip    Trip            `json:"trip"`
}

// DashboardEntry is the latest state of one active trip
type DashboardEntry struct {
	Trip    Trip            `json:"trip"`
	Truck   Truck           `json:"truck"`
	Frame   *TelemetryFrame `json:"frame"`
	Sensors []SensorReading `json:"sensors"`
	Alerts  []SystemAlert   `json:"alerts"`
}

// Stats holds store-wide counts
type Stats struct {
	Trucks       int64 `json:"total_trucks"`
	Trips        int64 `json:"total_trips"`
	ActiveTrips  int64 `json:"active_trips"`
	Frames       int64 `json:"total_frames"`
	Readings     int64 `json:"total_readings"`
	OpenAlerts   int64 `json:"open_alerts"`
	ClosedAlerts int64 `json:"resolved_alerts"`
}

// TelemetryEvent is broadcast to live subscribers after a frame commits
type TelemetryEvent struct {
	FrameSnapshot
	AlertsCreated   []SystemAlert `json:"alerts_created"`
	AlertsResolved  []SystemAlert `json:"alerts_resolved"`
	AlertsEscalated []SystemAlert `json:"alerts_escalated"`
}
