// Package validation provides plausibility checks for decoded readings.
package validation

import (
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/resident-x/go-victron-ble/internal/domain"
)

// DefaultTolerance is the number of duds tolerated when filtering is enabled.
const DefaultTolerance = 10

// Bound is the plausible range of one field. A nil Min or Max leaves that side open.
type Bound struct {
	Min *float64
	Max *float64
	// Required counts a not-available value as a dud.
	Required bool
}

// Contains reports whether v is inside the bound.
func (b Bound) Contains(v float64) bool {
	if b.Min != nil && v < *b.Min {
		return false
	}
	if b.Max != nil && v > *b.Max {
		return false
	}
	return true
}

// String returns the bound in interval notation.
func (b Bound) String() string {
	lo, hi := "-inf", "+inf"
	if b.Min != nil {
		lo = fmt.Sprintf("%g", *b.Min)
	}
	if b.Max != nil {
		hi = fmt.Sprintf("%g", *b.Max)
	}
	return "[" + lo + ", " + hi + "]"
}

// SolarBounds holds the Solar Controller plausibility ranges.
type SolarBounds struct {
	BatteryVoltage Bound
	BatteryCurrent Bound
	EnergyToday    Bound
	PVPower        Bound
	LoadCurrent    Bound
}

func f64(v float64) *float64 { return &v }

// DefaultSolarBounds returns the ranges of a 24 V system with a small array.
func DefaultSolarBounds() SolarBounds {
	return SolarBounds{
		BatteryVoltage: Bound{Min: f64(20), Max: f64(34)},
		BatteryCurrent: Bound{Min: f64(0), Max: f64(200)},
		EnergyToday:    Bound{Max: f64(500)},
		PVPower:        Bound{Max: f64(1000)},
		LoadCurrent:    Bound{Min: f64(0), Max: f64(200)},
	}
}

// ValidationError describes one dud field.
type ValidationError struct {
	Type     string
	Severity string
	Message  string
	Field    string
	Value    interface{}
}

// Error implements the error interface.
func (ve *ValidationError) Error() string {
	return fmt.Sprintf("%s validation error in %s: %s", ve.Severity, ve.Field, ve.Message)
}

// ValidationResult contains the result of classifying one reading.
type ValidationResult struct {
	Duds       int
	Tolerance  int
	Suppressed bool
	Errors     []*ValidationError
}

// Summary returns a summary of the validation result.
func (vr *ValidationResult) Summary() string {
	if vr.Duds == 0 {
		return "Valid"
	}

	fields := make([]string, 0, len(vr.Errors))
	for _, err := range vr.Errors {
		fields = append(fields, err.Field)
	}

	state := "kept"
	if vr.Suppressed {
		state = "suppressed"
	}
	return fmt.Sprintf("%d duds (%s), tolerance %d, %s", vr.Duds, strings.Join(fields, ", "), vr.Tolerance, state)
}

// RangeClassifier counts implausible Solar Controller values. It flags values but
// never modifies them.
type RangeClassifier struct {
	mu     sync.Mutex
	bounds SolarBounds
	logger zerolog.Logger

	// Statistics
	readingsClassified int64
	dudsFound          int64
	readingsSuppressed int64
	missingRequired    int64
}

// NewRangeClassifier creates a new classifier.
func NewRangeClassifier(bounds SolarBounds, logger zerolog.Logger) *RangeClassifier {
	return &RangeClassifier{
		bounds: bounds,
		logger: logger.With().Str("component", "validator").Logger(),
	}
}

// Tolerance returns the number of duds a reading may have before it is suppressed.
// Nothing is tolerated when filtering is off.
func Tolerance(filtering bool, configured int) int {
	if !filtering {
		return 0
	}
	return configured
}

// Classify checks a reading against the bounds, sets the out-of-range flags and the
// dud count, and marks the reading suppressed when the duds exceed the tolerance.
// Battery Monitor readings are not classified.
func (rc *RangeClassifier) Classify(reading *domain.Reading, loadCurrent bool, tolerance int) *ValidationResult {
	result := &ValidationResult{Tolerance: tolerance}

	sc := reading.SolarController
	if sc == nil {
		return result
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()

	rc.check(result, "battery_voltage", &sc.BatteryVoltage, rc.bounds.BatteryVoltage)
	rc.check(result, "battery_current", &sc.BatteryCurrent, rc.bounds.BatteryCurrent)
	rc.check(result, "energy_today", &sc.EnergyToday, rc.bounds.EnergyToday)
	rc.check(result, "pv_power", &sc.PVPower, rc.bounds.PVPower)
	if loadCurrent {
		rc.check(result, "load_current", &sc.LoadCurrent, rc.bounds.LoadCurrent)
	}

	result.Duds = len(result.Errors)
	result.Suppressed = result.Duds > tolerance
	reading.Duds = result.Duds
	reading.Suppressed = result.Suppressed

	rc.readingsClassified++
	rc.dudsFound += int64(result.Duds)
	if result.Suppressed {
		rc.readingsSuppressed++
	}

	if result.Duds > 0 {
		rc.logger.Debug().
			Str("device", reading.Device).
			Int("duds", result.Duds).
			Int("tolerance", tolerance).
			Bool("suppressed", result.Suppressed).
			Msg(result.Summary())
	}

	return result
}

func (rc *RangeClassifier) check(result *ValidationResult, field string, m *domain.Measurement, b Bound) {
	if !m.Available {
		if b.Required {
			rc.missingRequired++
			result.Errors = append(result.Errors, &ValidationError{
				Type:     "availability",
				Severity: "error",
				Message:  "required value not available",
				Field:    field,
			})
		}
		return
	}

	if b.Contains(m.Value) {
		return
	}

	m.OutOfRange = true
	result.Errors = append(result.Errors, &ValidationError{
		Type:     "range",
		Severity: "warning",
		Message:  fmt.Sprintf("value %g outside %s", m.Value, b),
		Field:    field,
		Value:    m.Value,
	})
}

// Bounds returns the configured ranges.
func (rc *RangeClassifier) Bounds() SolarBounds {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.bounds
}

// GetStatistics returns classification statistics.
func (rc *RangeClassifier) GetStatistics() map[string]interface{} {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	return map[string]interface{}{
		"readings_classified": rc.readingsClassified,
		"duds_found":          rc.dudsFound,
		"readings_suppressed": rc.readingsSuppressed,
		"missing_required":    rc.missingRequired,
	}
}
