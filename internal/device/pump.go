package device

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Abhilash1575/virtual-lab/internal/events"
)

// Pump owns one session's serial port: it reads the console line by
// line, publishing every raw line as a feedback event and any parsed
// readings as sensor_data, and serializes command writes.
type Pump struct {
	sessionID string
	port      Port
	bus       events.EventBus
	logger    *slog.Logger

	writeMu sync.Mutex
	closed  chan struct{}
	done    chan struct{}
	once    sync.Once
}

// NewPump creates a Pump over an open port. Call Start to begin reading.
func NewPump(sessionID string, port Port, bus events.EventBus, logger *slog.Logger) *Pump {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pump{
		sessionID: sessionID,
		port:      port,
		bus:       bus,
		logger:    logger,
		closed:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the reader goroutine. It exits when the port is closed.
func (p *Pump) Start() {
	go p.readLoop()
}

func (p *Pump) readLoop() {
	defer close(p.done)

	scanner := bufio.NewScanner(p.port)
	scanner.Buffer(make([]byte, 0, 4*1024), 64*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		p.publishFeedback(line)

		if values := ParseSensorLine(line); values != nil {
			p.publishSensorData(values)
		}
	}

	if err := scanner.Err(); err != nil {
		select {
		case <-p.closed:
			// Close tears the reader down; the error is expected
		default:
			p.logger.Warn("Serial reader stopped",
				"session_id", p.sessionID, "error", err)
			p.publishFeedback(fmt.Sprintf("[serial reader stopped] %v", err))
		}
	}
}

// SendCommand writes one command line to the board. A newline is
// appended when missing, matching what board firmware expects.
func (p *Pump) SendCommand(cmd string) error {
	select {
	case <-p.closed:
		return ErrPortClosed
	default:
	}

	out := cmd
	if !strings.HasSuffix(out, "\n") {
		out += "\n"
	}

	p.writeMu.Lock()
	_, err := p.port.Write([]byte(out))
	p.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("serial write failed: %w", err)
	}

	p.publishFeedback("SENT> " + cmd)
	return nil
}

// Close shuts the port and waits for the reader to drain. Idempotent.
func (p *Pump) Close() error {
	var err error
	p.once.Do(func() {
		close(p.closed)
		err = p.port.Close()
		<-p.done
	})
	return err
}

func (p *Pump) publishFeedback(line string) {
	data, err := json.Marshal(events.SerialFeedbackEvent{
		Line:      line,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return
	}
	_ = p.bus.Publish(events.Event{
		ID:        uuid.New().String(),
		Type:      events.EventTypeSerialFeedback,
		Topic:     events.SessionTopic(p.sessionID),
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
}

func (p *Pump) publishSensorData(values map[string]float64) {
	data, err := json.Marshal(events.SensorDataEvent{
		Values:    values,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return
	}
	_ = p.bus.Publish(events.Event{
		ID:        uuid.New().String(),
		Type:      events.EventTypeSensorData,
		Topic:     events.SessionTopic(p.sessionID),
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
}
