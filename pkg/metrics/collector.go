package metrics

import (
	"time"
)

// StatsSource is implemented by the server change store so the collector
// can poll population and backlog counts without importing serverstore
// directly (which would create an import cycle with pkg/metrics).
type StatsSource interface {
	AccountCount() (int, error)
	DeviceCountsByRotationState() (map[string]int, error)
	PendingChangesCount() (int, error)
	PendingDeviceChangesByDevice() (map[string]int, error)
	QuotaUsageByAccount() (map[string]int64, error)
}

// Collector periodically polls a StatsSource and updates the gauges above.
type Collector struct {
	source StatsSource
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector for the given stats source.
func NewCollector(source StatsSource) *Collector {
	return &Collector{
		source: source,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics on a fixed interval.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectAccountMetrics()
	c.collectDeviceMetrics()
	c.collectChangeBacklogMetrics()
	c.collectQuotaMetrics()
}

func (c *Collector) collectAccountMetrics() {
	count, err := c.source.AccountCount()
	if err != nil {
		return
	}
	AccountsTotal.Set(float64(count))
}

func (c *Collector) collectDeviceMetrics() {
	counts, err := c.source.DeviceCountsByRotationState()
	if err != nil {
		return
	}
	for state, count := range counts {
		DevicesTotal.WithLabelValues(state).Set(float64(count))
	}
}

func (c *Collector) collectChangeBacklogMetrics() {
	pending, err := c.source.PendingChangesCount()
	if err == nil {
		PendingChangesTotal.Set(float64(pending))
	}

	byDevice, err := c.source.PendingDeviceChangesByDevice()
	if err != nil {
		return
	}
	for deviceID, count := range byDevice {
		PendingDeviceChangesTotal.WithLabelValues(deviceID).Set(float64(count))
	}
}

func (c *Collector) collectQuotaMetrics() {
	usage, err := c.source.QuotaUsageByAccount()
	if err != nil {
		return
	}
	for accountID, bytes := range usage {
		QuotaBytesUsed.WithLabelValues(accountID).Set(float64(bytes))
	}
}
