package parser

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"coldchain-monitor/internal/models"
)

// ErrMalformedPayload is returned when a body is not a JSON telemetry object
var ErrMalformedPayload = errors.New("malformed payload")

// ValidationError reports missing or unparsable required fields
type ValidationError struct {
	Fields []string
	Reason string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Reason, strings.Join(e.Fields, ", "))
}

// DecodePayload deserializes one gateway payload
func DecodePayload(data []byte) (*models.TelemetryPayload, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: expected a JSON object", ErrMalformedPayload)
	}

	var p models.TelemetryPayload
	if err := json.Unmarshal(trimmed, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if p.CargoSensors == nil {
		p.CargoSensors = []models.CargoSensorRaw{}
	}
	return &p, nil
}

// Validate checks required fields and returns the reported timestamp in UTC
func Validate(p *models.TelemetryPayload) (time.Time, error) {
	var missing []string
	if strings.TrimSpace(p.GatewayID) == "" {
		missing = append(missing, "gateway_id")
	}
	if strings.TrimSpace(p.TripID) == "" {
		missing = append(missing, "trip_id")
	}
	if strings.TrimSpace(p.Timestamp) == "" {
		missing = append(missing, "timestamp")
	}
	if len(missing) > 0 {
		return time.Time{}, &ValidationError{Fields: missing, Reason: "missing required fields"}
	}

	ts, err := ParseTimestamp(p.Timestamp)
	if err != nil {
		return time.Time{}, &ValidationError{
			Fields: []string{"timestamp"},
			Reason: "invalid timestamp format, use ISO 8601 (e.g. 2026-01-16T14:30:00Z)",
		}
	}
	return ts, nil
}

// ParseTimestamp accepts ISO 8601 timestamps. Offsets are converted to UTC and
// timestamps without a zone are taken as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	zoned := []string{
		time.RFC3339Nano,
		"2006-01-02T15:04:05.999999999Z0700",
	}
	for _, format := range zoned {
		if t, err := time.Parse(format, s); err == nil {
			return t.UTC(), nil
		}
	}

	naive := []string{
		"2006-01-02T15:04:05.999999999",
		"2006-01-02 15:04:05.999999999",
	}
	for _, format := range naive {
		if t, err := time.ParseInLocation(format, s, time.UTC); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("unable to parse timestamp: %s", s)
}

// Advisories lists out-of-range values. They never reject a frame; the
// caller logs them and the rule engine classifies the sensor values.
func Advisories(p *models.TelemetryPayload) []string {
	var notes []string

	if loc := p.Location; loc != nil {
		if loc.Lat != nil && (*loc.Lat < -90 || *loc.Lat > 90) {
			notes = append(notes, "latitude outside -90..90")
		}
		if loc.Lng != nil && (*loc.Lng < -180 || *loc.Lng > 180) {
			notes = append(notes, "longitude outside -180..180")
		}
		if loc.SpeedKmh != nil && *loc.SpeedKmh < 0 {
			notes = append(notes, "speed_kmh is negative")
		}
		if loc.HeadingDeg != nil && (*loc.HeadingDeg < 0 || *loc.HeadingDeg >= 360) {
			notes = append(notes, "heading_deg outside 0..360")
		}
	}

	if h := p.GatewayHealth; h != nil {
		if h.BatteryMV != nil && *h.BatteryMV < 0 {
			notes = append(notes, "battery_mv is negative")
		}
		if h.UptimeSeconds != nil && *h.UptimeSeconds < 0 {
			notes = append(notes, "uptime_seconds is negative")
		}
	}

	for _, s := range p.CargoSensors {
		if s.TempC != nil && (*s.TempC < -40 || *s.TempC > 85) {
			notes = append(notes, fmt.Sprintf("sensor %s temp_c outside -40..85", s.NodeID))
		}
		if s.BatteryPct != nil && (*s.BatteryPct < 0 || *s.BatteryPct > 100) {
			notes = append(notes, fmt.Sprintf("sensor %s battery_pct outside 0..100", s.NodeID))
		}
	}

	return notes
}

// Record is one raw payload read from a replay file
type Record struct {
	Line int
	Body []byte
}

// Parser reads buffered gateway payloads from files
type Parser struct {
	format string
}

// NewParser creates a new parser with the specified format (json, jsonl or auto)
func NewParser(format string) *Parser {
	return &Parser{format: format}
}

// ParseFile reads a file of payloads
func (p *Parser) ParseFile(filename string) ([]Record, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	return p.Parse(file)
}

// Parse reads payloads from r
func (p *Parser) Parse(r io.Reader) ([]Record, error) {
	switch strings.ToLower(p.format) {
	case "json":
		return p.parseJSON(r)
	case "jsonl", "ndjson":
		return p.parseJSONLines(r)
	case "", "auto":
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, err
		}
		trimmed := bytes.TrimSpace(data)
		if len(trimmed) > 0 && trimmed[0] == '[' {
			return p.parseJSON(bytes.NewReader(trimmed))
		}
		return p.parseJSONLines(bytes.NewReader(trimmed))
	default:
		return nil, fmt.Errorf("unsupported format: %s", p.format)
	}
}

// parseJSON parses a JSON array of payloads
func (p *Parser) parseJSON(r io.Reader) ([]Record, error) {
	var raw []json.RawMessage
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode JSON array: %w", err)
	}

	results := make([]Record, 0, len(raw))
	for i, msg := range raw {
		results = append(results, Record{Line: i + 1, Body: msg})
	}
	return results, nil
}

// parseJSONLines parses newline-delimited JSON
func (p *Parser) parseJSONLines(r io.Reader) ([]Record, error) {
	var results []Record
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		results = append(results, Record{Line: lineNum, Body: []byte(line)})
	}

	return results, scanner.Err()
}
