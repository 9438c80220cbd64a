package power

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Abhilash1575/virtual-lab/internal/events"
	"github.com/Abhilash1575/virtual-lab/internal/metrics"
)

// DefaultLowVoltageThreshold is the battery voltage below which all
// active sessions must shut down.
const DefaultLowVoltageThreshold = 3.00

// MonitorConfig holds polling configuration for the Monitor
type MonitorConfig struct {
	// Interval is the polling cadence (default: 1 second)
	Interval time.Duration

	// LowVoltageThreshold triggers the shutdown warning (default: 3.00 V)
	LowVoltageThreshold float64
}

// Snapshot is the last-known power state. Single writer (the poll
// loop), many readers.
type Snapshot struct {
	Voltage    float64   `json:"voltage"`
	Capacity   float64   `json:"capacity"`
	ACPresent  bool      `json:"ac_present"`
	LowVoltage bool      `json:"low_voltage"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Monitor polls the power hardware on a fixed interval. AC-loss alerts
// are edge-triggered: one event per transition, cleared on recovery.
// The low-voltage warning fires once per downward crossing of the
// threshold and re-arms when the voltage recovers.
type Monitor struct {
	hw     Hardware
	bus    events.EventBus
	cfg    MonitorConfig
	logger *slog.Logger

	stopCh chan struct{}
	doneCh chan struct{}

	mu       sync.RWMutex
	running  bool
	snapshot Snapshot

	// Edge/latch state, only touched by the poll loop
	acKnown    bool
	acPresent  bool
	lowLatched bool
}

// NewMonitor creates a power Monitor
func NewMonitor(hw Hardware, bus events.EventBus, cfg MonitorConfig, logger *slog.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.LowVoltageThreshold <= 0 {
		cfg.LowVoltageThreshold = DefaultLowVoltageThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		hw:     hw,
		bus:    bus,
		cfg:    cfg,
		logger: logger,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins the polling loop
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.mu.Unlock()

	m.logger.Info("Power monitor started",
		"interval", m.cfg.Interval,
		"low_voltage_threshold", m.cfg.LowVoltageThreshold)

	go m.run(ctx)
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.poll(ctx)
		}
	}
}

// Stop halts the polling loop and waits for it to exit
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	close(m.stopCh)
	<-m.doneCh
	m.logger.Info("Power monitor stopped")
}

// Snapshot returns the last-known power state
func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}

// poll takes one sample and publishes the resulting events
func (m *Monitor) poll(ctx context.Context) {
	reading, err := m.hw.Read(ctx)
	if err != nil {
		// Keep the last-known snapshot; a stale value beats a zero value
		m.logger.Warn("Power hardware read failed", "error", err)
		return
	}

	low := reading.Voltage < m.cfg.LowVoltageThreshold
	now := time.Now().UTC()

	m.mu.Lock()
	m.snapshot = Snapshot{
		Voltage:    reading.Voltage,
		Capacity:   reading.Capacity,
		ACPresent:  reading.ACPresent,
		LowVoltage: low,
		UpdatedAt:  now,
	}
	m.mu.Unlock()

	metrics.BatteryVoltage.Set(reading.Voltage)
	metrics.BatteryCapacity.Set(reading.Capacity)
	if reading.ACPresent {
		metrics.ACPresent.Set(1)
	} else {
		metrics.ACPresent.Set(0)
	}

	m.publishStatus(reading, low, now)

	// AC transitions are edge-triggered to avoid duplicate alerts
	if !m.acKnown {
		m.acKnown = true
		m.acPresent = reading.ACPresent
	} else if reading.ACPresent != m.acPresent {
		m.acPresent = reading.ACPresent
		if reading.ACPresent {
			m.publishAC(events.EventTypeACRestored, true, now)
			m.logger.Info("Mains power restored")
		} else {
			m.publishAC(events.EventTypeACLost, false, now)
			m.logger.Warn("Mains power lost, lab running on battery")
		}
	}

	// One warning per downward crossing; recovery re-arms the latch
	if low && !m.lowLatched {
		m.lowLatched = true
		m.publishShutdownWarning(reading.Voltage, now)
		m.logger.Error("Battery below shutdown threshold",
			"voltage", reading.Voltage,
			"threshold", m.cfg.LowVoltageThreshold)
	} else if !low {
		m.lowLatched = false
	}
}

func (m *Monitor) publishStatus(reading Reading, low bool, now time.Time) {
	data, err := json.Marshal(events.PowerStatusEvent{
		Voltage:    reading.Voltage,
		Capacity:   reading.Capacity,
		ACPresent:  reading.ACPresent,
		LowVoltage: low,
		Timestamp:  now,
	})
	if err != nil {
		return
	}
	_ = m.bus.Publish(events.Event{
		ID:        uuid.New().String(),
		Type:      events.EventTypePowerStatus,
		Topic:     events.TopicPower,
		Data:      data,
		Timestamp: now,
	})
}

func (m *Monitor) publishAC(eventType string, present bool, now time.Time) {
	data, err := json.Marshal(events.ACEvent{
		Present:   present,
		Timestamp: now,
	})
	if err != nil {
		return
	}
	_ = m.bus.Publish(events.Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Topic:     events.TopicPower,
		Data:      data,
		Timestamp: now,
	})
}

func (m *Monitor) publishShutdownWarning(voltage float64, now time.Time) {
	data, err := json.Marshal(events.ShutdownWarningEvent{
		Voltage:   voltage,
		Threshold: m.cfg.LowVoltageThreshold,
		Timestamp: now,
	})
	if err != nil {
		return
	}
	_ = m.bus.Publish(events.Event{
		ID:        uuid.New().String(),
		Type:      events.EventTypeShutdownWarning,
		Topic:     events.TopicPower,
		Data:      data,
		Timestamp: now,
	})
}
