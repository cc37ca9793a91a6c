// Package pvoutput provides the PVOutput.org monitoring service implementation.
package pvoutput

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/resident-x/go-victron-ble/internal/config"
	"github.com/resident-x/go-victron-ble/internal/domain"
)

// ErrNoSystemID is returned for readings of a device no PVOutput system is configured for.
var ErrNoSystemID = errors.New("no PVOutput system ID configured")

// NoopClient is a no-operation implementation of the MonitoringService interface.
type NoopClient struct{}

// NewNoopClient creates a new no-operation PVOutput client.
func NewNoopClient() *NoopClient {
	return &NoopClient{}
}

// Send is a no-op for the NoopClient.
func (c *NoopClient) Send(_ context.Context, _ *domain.Reading) error {
	return nil
}

// Connect is a no-op for the NoopClient.
func (c *NoopClient) Connect() error {
	return nil
}

// Close is a no-op for the NoopClient.
func (c *NoopClient) Close() error {
	return nil
}

// Client implements the MonitoringService interface for PVOutput.org.
type Client struct {
	config        *config.Config
	httpClient    *http.Client
	lastUpdateMap map[string]time.Time
	now           func() time.Time
	mutex         sync.Mutex
}

// NewClient creates a new PVOutput client.
func NewClient(cfg *config.Config) *Client {
	return &Client{
		config:        cfg,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		lastUpdateMap: make(map[string]time.Time),
		now:           time.Now,
	}
}

// Connect checks that the client can send. Each request is independent, so there is
// no connection to establish.
func (c *Client) Connect() error {
	if c.config.PVOutput.APIKey == "" {
		return fmt.Errorf("PVOutput API key not configured")
	}
	return nil
}

// Send uploads a reading as a PVOutput status. Solar Controller readings report
// generation (v1, v2), Battery Monitor readings report consumption (v4); both report
// the battery voltage (v6). Suppressed readings are not sent.
func (c *Client) Send(ctx context.Context, reading *domain.Reading) error {
	// If PVOutput is disabled, do nothing
	if !c.config.PVOutput.Enabled || reading == nil || reading.Suppressed {
		return nil
	}

	if c.config.PVOutput.APIKey == "" {
		return fmt.Errorf("PVOutput API key not configured")
	}

	// Apply rate limiting per device
	if !c.canUpdate(reading.Device) {
		return nil
	}

	systemID := c.getSystemID(reading.Device)
	if systemID == "" {
		return fmt.Errorf("%w for device %s", ErrNoSystemID, reading.Device)
	}

	var params url.Values
	switch {
	case reading.SolarController != nil:
		params = c.generationParams(reading.SolarController)
	case reading.BatteryMonitor != nil:
		params = consumptionParams(reading.BatteryMonitor)
	}
	if params == nil {
		// Nothing PVOutput would accept
		return nil
	}

	at := reading.Timestamp
	if at.IsZero() {
		at = c.now()
	}
	params.Set("key", c.config.PVOutput.APIKey)
	params.Set("sid", systemID)
	params.Set("d", at.Format("20060102"))
	params.Set("t", at.Format("15:04"))

	if err := c.makeRequest(ctx, params); err != nil {
		return err
	}

	c.updateTimestamp(reading.Device)
	return nil
}

// generationParams returns the generation status of a Solar Controller reading, or
// nil when neither energy nor power is available.
func (c *Client) generationParams(sc *domain.SolarControllerReading) url.Values {
	params := url.Values{}

	if !c.config.PVOutput.DisableEnergyToday && sc.EnergyToday.Available {
		// Convert to watt hours
		params.Set("v1", strconv.FormatFloat(sc.EnergyToday.Value*1000, 'f', 0, 64))
	}
	if sc.PVPower.Available {
		params.Set("v2", strconv.FormatFloat(sc.PVPower.Value, 'f', 0, 64))
	}
	if len(params) == 0 {
		return nil
	}

	if sc.BatteryVoltage.Available {
		params.Set("v6", strconv.FormatFloat(sc.BatteryVoltage.Value, 'f', 1, 64))
	}
	return params
}

// consumptionParams returns the consumption status of a Battery Monitor reading: the
// power drawn from the battery, zero while charging. It is nil when voltage or
// current is not available.
func consumptionParams(bm *domain.BatteryMonitorReading) url.Values {
	if !bm.BatteryVoltage.Available || !bm.BatteryCurrent.Available {
		return nil
	}

	power := math.Max(0, -bm.BatteryVoltage.Value*bm.BatteryCurrent.Value)

	params := url.Values{}
	params.Set("v4", strconv.FormatFloat(power, 'f', 0, 64))
	params.Set("v6", strconv.FormatFloat(bm.BatteryVoltage.Value, 'f', 1, 64))
	return params
}

// makeRequest makes an HTTP POST request to PVOutput API.
func (c *Client) makeRequest(ctx context.Context, params url.Values) error {
	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		c.config.PVOutput.URL,
		strings.NewReader(params.Encode()),
	)
	if err != nil {
		return fmt.Errorf("failed to create PVOutput request: %w", err)
	}

	req.Header.Add("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Add("X-Rate-Limit", "1")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("PVOutput request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close() //nolint:errcheck // Closing response body in defer, error not critical
	}()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("PVOutput returned status code %d", resp.StatusCode)
	}

	return nil
}

// Close terminates the connection to the service.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// canUpdate checks if an update is allowed based on rate limiting.
func (c *Client) canUpdate(device string) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	lastUpdate, exists := c.lastUpdateMap[device]
	if !exists {
		return true
	}

	updateInterval := time.Duration(c.config.PVOutput.UpdateLimitMinutes) * time.Minute
	return c.now().Sub(lastUpdate) >= updateInterval
}

// updateTimestamp records when an update was made.
func (c *Client) updateTimestamp(device string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.lastUpdateMap[device] = c.now()
}

// getSystemID returns the PVOutput system ID for a device.
func (c *Client) getSystemID(device string) string {
	for _, mapping := range c.config.PVOutput.DeviceMappings {
		if mapping.Device == device {
			return mapping.SystemID
		}
	}

	// Fall back to the default system ID
	return c.config.PVOutput.SystemID
}
