// Package alerting classifies sensor readings and gateway health against
// safety thresholds. It has no state; alert deduplication lives in the store.
package alerting

import (
	"fmt"

	"coldchain-monitor/internal/models"
)

// Physical sensor range. Values outside it are stored and flagged as faults.
const (
	MinPhysicalTempC = -40.0
	MaxPhysicalTempC = 85.0
)

// Thresholds holds the alert policy. Temperature is inclusive (>=), battery
// and signal are exclusive (<).
type Thresholds struct {
	TempWarningC       float64
	TempCriticalC      float64
	BatteryWarningPct  float64
	BatteryCriticalPct float64
	SignalWarningDBM   float64
	SignalCriticalDBM  *float64 // nil disables the critical tier
}

// DefaultThresholds returns the fixed cold-chain policy
func DefaultThresholds() Thresholds {
	return Thresholds{
		TempWarningC:       7.0,
		TempCriticalC:      10.0,
		BatteryWarningPct:  20,
		BatteryCriticalPct: 10,
		SignalWarningDBM:   -85,
	}
}

// Finding is the evaluation of one metric for one alert key subject
type Finding struct {
	AlertType string
	Subject   string
	Severity  string
	Value     float64
	Threshold float64
	Message   string
}

// Breached reports whether the finding should open an alert
func (f Finding) Breached() bool {
	return f.Severity != models.StatusNominal
}

// Assessment is the outcome for one cargo sensor reading
type Assessment struct {
	Status       string
	TempAlert    bool
	BatteryAlert bool
	Findings     []Finding
	Anomalies    []string
}

// Engine evaluates readings with a fixed set of thresholds
type Engine struct {
	t Thresholds
}

// NewEngine creates an engine for the given thresholds
func NewEngine(t Thresholds) *Engine {
	return &Engine{t: t}
}

// Thresholds returns the engine's policy
func (e *Engine) Thresholds() Thresholds {
	return e.t
}

// AssessReading classifies a sensor reading. The derived status is the
// worst of the temperature and battery severities; link quality raises its
// own SIGNAL finding without affecting status. tempC must be present.
func (e *Engine) AssessReading(s models.CargoSensorRaw) Assessment {
	var a Assessment

	temp := e.assessTemperature(s.NodeID, s.ProductType, *s.TempC)
	a.Findings = append(a.Findings, temp)
	if *s.TempC < MinPhysicalTempC || *s.TempC > MaxPhysicalTempC {
		a.Anomalies = append(a.Anomalies, temp.Message)
	}
	a.TempAlert = temp.Breached()
	status := temp.Severity

	if s.BatteryPct != nil {
		batt := e.assessBattery(s.NodeID, *s.BatteryPct)
		a.Findings = append(a.Findings, batt)
		if *s.BatteryPct < 0 || *s.BatteryPct > 100 {
			a.Anomalies = append(a.Anomalies, batt.Message)
		}
		a.BatteryAlert = batt.Breached()
		status = Worst(status, batt.Severity)
	}

	if s.LinkQuality != nil {
		sig := e.assessSignal(s.NodeID, float64(*s.LinkQuality))
		sig.Message = fmt.Sprintf("Sensor %s has weak BLE signal (%d dBm)", s.NodeID, *s.LinkQuality)
		a.Findings = append(a.Findings, sig)
	}

	a.Status = status
	return a
}

// AssessGateway evaluates gateway health. A frame without a health block or
// signal value yields no findings.
func (e *Engine) AssessGateway(h *models.GatewayHealth) []Finding {
	if h == nil || h.SignalStrengthDBM == nil {
		return nil
	}
	f := e.assessSignal(models.GatewaySubject, float64(*h.SignalStrengthDBM))
	f.Message = fmt.Sprintf("Gateway signal weak (%d dBm)", *h.SignalStrengthDBM)
	return []Finding{f}
}

func (e *Engine) assessTemperature(node, product string, temp float64) Finding {
	f := Finding{
		AlertType: models.AlertTemperature,
		Subject:   node,
		Severity:  models.StatusNominal,
		Value:     temp,
		Threshold: e.t.TempWarningC,
	}
	if product == "" {
		product = "cargo"
	}

	switch {
	case temp < MinPhysicalTempC || temp > MaxPhysicalTempC:
		f.Severity = models.StatusCritical
		f.Threshold = e.t.TempCriticalC
		f.Message = fmt.Sprintf("Sensor %s fault: temperature %.1f°C outside physical range", node, temp)
	case temp >= e.t.TempCriticalC:
		f.Severity = models.StatusCritical
		f.Threshold = e.t.TempCriticalC
		f.Message = fmt.Sprintf("Temperature %.1f°C exceeds %.1f°C critical threshold for %s", temp, e.t.TempCriticalC, product)
	case temp >= e.t.TempWarningC:
		f.Severity = models.StatusWarning
		f.Message = fmt.Sprintf("Temperature %.1f°C exceeds %.1f°C threshold for %s", temp, e.t.TempWarningC, product)
	}
	return f
}

func (e *Engine) assessBattery(node string, pct float64) Finding {
	f := Finding{
		AlertType: models.AlertBattery,
		Subject:   node,
		Severity:  models.StatusNominal,
		Value:     pct,
		Threshold: e.t.BatteryWarningPct,
	}

	switch {
	case pct < 0 || pct > 100:
		f.Severity = models.StatusCritical
		f.Threshold = e.t.BatteryCriticalPct
		f.Message = fmt.Sprintf("Sensor %s fault: battery %.0f%% outside 0..100", node, pct)
	case pct < e.t.BatteryCriticalPct:
		f.Severity = models.StatusCritical
		f.Threshold = e.t.BatteryCriticalPct
		f.Message = fmt.Sprintf("Sensor %s battery critical at %.0f%%", node, pct)
	case pct < e.t.BatteryWarningPct:
		f.Severity = models.StatusWarning
		f.Message = fmt.Sprintf("Sensor %s battery at %.0f%%", node, pct)
	}
	return f
}

func (e *Engine) assessSignal(subject string, dbm float64) Finding {
	f := Finding{
		AlertType: models.AlertSignal,
		Subject:   subject,
		Severity:  models.StatusNominal,
		Value:     dbm,
		Threshold: e.t.SignalWarningDBM,
	}

	switch {
	case e.t.SignalCriticalDBM != nil && dbm < *e.t.SignalCriticalDBM:
		f.Severity = models.StatusCritical
		f.Threshold = *e.t.SignalCriticalDBM
	case dbm < e.t.SignalWarningDBM:
		f.Severity = models.StatusWarning
	}
	return f
}

// Rank orders severities: NOMINAL < WARNING < CRITICAL
func Rank(severity string) int {
	switch severity {
	case models.StatusCritical:
		return 2
	case models.StatusWarning:
		return 1
	default:
		return 0
	}
}

// Worst returns the more severe of two severities
func Worst(a, b string) string {
	if Rank(b) > Rank(a) {
		return b
	}
	return a
}
