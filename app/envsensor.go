package app

import (
	"encoding/json"
	"errors"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"envsensor/models"
	"envsensor/services"

	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"
)

// NATS subjects carrying raw readings from co-located producers.
const (
	SubjectTemperature = "sensor.temperature"
	SubjectHumidity    = "sensor.humidity"
)

const defaultActuationDelay = 5 * time.Second

// TwinClient is the slice of the twin service the sensor needs.
type TwinClient interface {
	ReportProperties(reports []models.PropertyReport) error
	SendTelemetry(channel, value string) error
	OnDesiredProperty(handler services.PropertyUpdateHandler)
	OnCommand(handler services.CommandHandler)
}

// EnvironmentalSensor simulates a single environmental sensor device: it
// answers desired-property updates with property reports, forwards readings
// as telemetry and acknowledges direct commands.
type EnvironmentalSensor struct {
	mu sync.Mutex

	// last brightness the device committed, reported in the in-progress ack
	currentBrightness string

	subscriptions []*nats.Subscription

	twin TwinClient
	nc   *nats.Conn

	// simulated hardware round-trip for brightness changes
	actuationDelay time.Duration

	// period of the simulated reading loop, 0 disables it
	readInterval time.Duration

	done chan struct{}
}

// NewEnvironmentalSensor wires the sensor to the twin client. The NATS
// connection is optional, pass nil to run without a local sensor bus.
func NewEnvironmentalSensor(twin TwinClient, nc *nats.Conn, readInterval time.Duration) (*EnvironmentalSensor, error) {
	if twin == nil {
		return nil, errors.New("twin client cannot be nil")
	}

	sensor := &EnvironmentalSensor{
		currentBrightness: "0",

		subscriptions: make([]*nats.Subscription, 0),

		twin: twin,
		nc:   nc,

		actuationDelay: defaultActuationDelay,
		readInterval:   readInterval,

		done: make(chan struct{}),
	}

	return sensor, nil
}

// Route dispatches one desired-property update to its handler. Unknown
// property names are dropped on purpose: the hub may carry properties this
// interface does not own. Route never returns an error, report failures are
// logged and dropped.
//
// Updates are not deduplicated or ordered by version. Out-of-order delivery
// can overwrite newer reported state with an older desired value.
func (s *EnvironmentalSensor) Route(update models.PropertyUpdate) {
	log.WithField("property", update.PropertyName).
		WithField("version", update.DesiredVersion).
		Println("Desired property update received")

	switch update.PropertyName {
	case models.PropertyName:
		s.handleNameUpdate(update)
	case models.PropertyBrightness:
		s.handleBrightnessUpdate(update)
	default:
		log.Printf("No handler for property '%s', ignoring", update.PropertyName)
	}
}

// handleNameUpdate accepts the desired name verbatim and acknowledges it
// with a single terminal report.
func (s *EnvironmentalSensor) handleNameUpdate(update models.PropertyUpdate) {
	report := models.PropertyReport{
		PropertyName: update.PropertyName,
		Value:        update.DesiredValue,
		Metadata: &models.ReportMetadata{
			Version:           update.DesiredVersion,
			StatusCode:        models.StatusCompleted,
			StatusDescription: "Processing Completed",
		},
	}

	if err := s.twin.ReportProperties([]models.PropertyReport{report}); err != nil {
		log.Errorf("Failed to report name update: %v", err)
	}
}

// handleBrightnessUpdate runs the two-phase acknowledgement: an in-progress
// report with the current value, the simulated actuation, then the terminal
// report with the desired value. The in-progress report keeps a watching
// control plane from treating the update as lost during the actuation.
func (s *EnvironmentalSensor) handleBrightnessUpdate(update models.PropertyUpdate) {
	s.mu.Lock()
	current := s.currentBrightness
	s.mu.Unlock()

	pending := models.PropertyReport{
		PropertyName: update.PropertyName,
		Value:        current,
		Metadata: &models.ReportMetadata{
			Version:           update.DesiredVersion,
			StatusCode:        models.StatusInProgress,
			StatusDescription: "Processing Request",
		},
	}
	if err := s.twin.ReportProperties([]models.PropertyReport{pending}); err != nil {
		log.Errorf("Failed to report brightness in progress: %v", err)
	}

	time.Sleep(s.actuationDelay)

	completed := models.PropertyReport{
		PropertyName: update.PropertyName,
		Value:        update.DesiredValue,
		Metadata: &models.ReportMetadata{
			Version:           update.DesiredVersion,
			StatusCode:        models.StatusCompleted,
			StatusDescription: "Request completed",
		},
	}
	if err := s.twin.ReportProperties([]models.PropertyReport{completed}); err != nil {
		log.Errorf("Failed to report brightness completed: %v", err)
		return
	}

	s.mu.Lock()
	s.currentBrightness = update.DesiredValue
	s.mu.Unlock()
}

// OnCommand answers every command with the fixed success response.
func (s *EnvironmentalSensor) OnCommand(req models.CommandRequest) models.CommandResponse {
	log.WithField("command", req.Name).
		WithField("request_id", req.RequestID).
		Println("Command received")

	switch req.Name {
	case models.CommandBlink, models.CommandTurnOn, models.CommandTurnOff:
		// TODO: drive the simulated light per command and build per-command
		// payloads instead of the shared static response
	}

	return models.CommandResponse{
		StatusCode: models.StatusCompleted,
		Payload:    json.RawMessage(`{"description":"command executed"}`),
	}
}

// SendTemperature forwards one temperature reading to the temp channel.
func (s *EnvironmentalSensor) SendTemperature(value float64) error {
	return s.twin.SendTelemetry(models.TelemetryTemperature, strconv.FormatFloat(value, 'f', -1, 64))
}

// SendHumidity forwards one humidity reading to the humid channel.
func (s *EnvironmentalSensor) SendHumidity(value float64) error {
	return s.twin.SendTelemetry(models.TelemetryHumidity, strconv.FormatFloat(value, 'f', -1, 64))
}

func (s *EnvironmentalSensor) busReadingHandler(send func(float64) error) nats.MsgHandler {
	return func(msg *nats.Msg) {
		value, err := strconv.ParseFloat(string(msg.Data), 64)
		if err != nil {
			log.Errorf("Bad reading on subject '%s': %v", msg.Subject, err)
			return
		}

		if err := send(value); err != nil {
			log.Errorf("Failed to forward reading from subject '%s': %v", msg.Subject, err)
		}
	}
}

func (s *EnvironmentalSensor) subscribeSensorBus() {
	subjects := map[string]func(float64) error{
		SubjectTemperature: s.SendTemperature,
		SubjectHumidity:    s.SendHumidity,
	}

	for subject, send := range subjects {
		sub, err := s.nc.Subscribe(subject, s.busReadingHandler(send))
		if err != nil {
			log.Errorf("NATS subscribe error on '%s': %v", subject, err)
			continue
		}
		s.subscriptions = append(s.subscriptions, sub)
	}
}

// readLoop emits simulated readings so the telemetry path runs without
// external producers. The values drift around room conditions.
func (s *EnvironmentalSensor) readLoop() {
	ticker := time.NewTicker(s.readInterval)
	defer ticker.Stop()

	temperature := 21.0
	humidity := 55.0

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			temperature += rand.Float64()*2 - 1
			humidity += rand.Float64()*4 - 2

			if err := s.SendTemperature(temperature); err != nil {
				log.Errorf("Failed to send temperature: %v", err)
			}
			if err := s.SendHumidity(humidity); err != nil {
				log.Errorf("Failed to send humidity: %v", err)
			}
		}
	}
}

// Start registers the twin callbacks, reports the device online and starts
// the reading sources.
func (s *EnvironmentalSensor) Start() {
	s.twin.OnDesiredProperty(s.Route)
	s.twin.OnCommand(s.OnCommand)

	// unsolicited report marking the device online
	online := models.PropertyReport{
		PropertyName: models.PropertyState,
		Value:        "true",
	}
	if err := s.twin.ReportProperties([]models.PropertyReport{online}); err != nil {
		log.Errorf("Failed to report device state: %v", err)
	}

	if s.nc != nil {
		s.subscribeSensorBus()
	}

	if s.readInterval > 0 {
		go s.readLoop()
	}
}

// Stop tears down the reading sources. A brightness actuation in flight is
// not cancelled, its terminal report is simply never sent.
func (s *EnvironmentalSensor) Stop() {
	close(s.done)

	for _, sub := range s.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			log.Errorf("Failed to unsubscribe from %s: %v", sub.Subject, err)
		}
	}
}
