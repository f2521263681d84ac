package services

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"envsensor/config"
	"envsensor/models"
	"envsensor/utils"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

var (
	DefaultTwinService *TwinService
	once               sync.Once
)

// PropertyUpdateHandler receives one desired-property change. It is invoked
// on its own goroutine, one per property in the patch.
type PropertyUpdateHandler func(models.PropertyUpdate)

// CommandHandler answers one direct command invocation.
type CommandHandler func(models.CommandRequest) models.CommandResponse

// TwinService is the device-side twin client. It publishes property reports
// and telemetry to the hub and dispatches inbound desired-property patches
// and command requests to registered handlers.
type TwinService struct {
	deviceID string

	client mqtt.Client

	mu       sync.Mutex
	topics   map[string]byte                // topics to subscribe and their QoS
	handlers map[string]mqtt.MessageHandler // per-topic message handlers
	running  bool

	propertyHandler PropertyUpdateHandler
	commandHandler  CommandHandler
}

func InitTwinService(device config.DeviceConfig) error {
	var initErr error
	once.Do(func() {
		DefaultTwinService = NewTwinService(device)
		initErr = DefaultTwinService.Start()
	})
	return initErr
}

// GetTwinService returns the default TwinService instance
func GetTwinService() *TwinService {
	return DefaultTwinService
}

// NewTwinService creates a twin client for a single device identity.
func NewTwinService(device config.DeviceConfig) *TwinService {

	opts := mqtt.NewClientOptions().AddBroker(device.BrokerURL()).SetClientID(device.DeviceID).SetOrderMatters(false)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetConnectRetry(true)

	opts.SetUsername(device.Username())
	opts.SetPassword(device.SharedAccessKey)

	service := &TwinService{
		deviceID: device.DeviceID,
		topics:   make(map[string]byte),
		handlers: make(map[string]mqtt.MessageHandler),
	}

	opts.SetOnConnectHandler(service.onConnectHandler)

	service.client = mqtt.NewClient(opts)

	return service
}

func (s *TwinService) desiredTopic() string {
	return fmt.Sprintf("devices/%s/twin/desired", s.deviceID)
}

func (s *TwinService) reportedTopic() string {
	return fmt.Sprintf("devices/%s/twin/reported", s.deviceID)
}

func (s *TwinService) commandRequestTopic() string {
	return fmt.Sprintf("devices/%s/commands/request/+/+", s.deviceID)
}

func (s *TwinService) commandResponseTopic(requestID string) string {
	return fmt.Sprintf("devices/%s/commands/response/%s", s.deviceID, requestID)
}

func (s *TwinService) telemetryTopic(channel string) string {
	return fmt.Sprintf("devices/%s/telemetry/%s", s.deviceID, channel)
}

// This method can be called before the service starts or while it is running.
func (s *TwinService) AddSubscriptionTopic(topic string, qos byte, handler mqtt.MessageHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.topics[topic] = qos
	s.handlers[topic] = handler

	if s.running && s.client.IsConnected() {
		s.subscribeToTopic(topic, qos)
	}
}

// subscribeToTopic performs the subscription for a single topic.
func (s *TwinService) subscribeToTopic(topic string, qos byte) {
	handler, exists := s.handlers[topic]
	if !exists {
		log.Errorf("No handler registered for topic '%s'", topic)
		return
	}

	token := s.client.Subscribe(topic, qos, handler)
	token.Wait()
	if token.Error() != nil {
		log.Errorf("Failed to subscribe to topic '%s': %v", topic, token.Error())
	} else {
		log.Printf("Subscribed to topic: '%s' (QoS %d)", topic, qos)
	}
}

// onConnectHandler resubscribes every registered topic after a (re)connect.
func (s *TwinService) onConnectHandler(client mqtt.Client) {
	log.Println("MQTT Client Connected!")
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.topics) > 0 {
		log.Printf("Resubscribing to %d topics...", len(s.topics))
		for topic, qos := range s.topics {
			s.subscribeToTopic(topic, qos)
		}
	} else {
		log.Println("No topics registered for subscription.")
	}

}

func (s *TwinService) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("twin service is already running")
	}
	log.Println("Starting twin service...")

	if token := s.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect MQTT client: %w", token.Error())
	}
	s.running = true
	log.Println("Twin service started.")
	return nil
}

func (s *TwinService) Stop() {
	log.Println("Stopping twin service...")
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	if s.client.IsConnected() {
		s.client.Disconnect(250)
	}
	log.Println("Twin service stopped.")
}

func (s *TwinService) publishMessage(topic string, qos byte, retained bool, payload interface{}) error {
	if !s.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected, cannot publish")
	}
	token := s.client.Publish(topic, qos, retained, payload)
	token.Wait()
	if token.Error() != nil {
		return fmt.Errorf("failed to publish message to topic '%s': %w", topic, token.Error())
	}
	log.Printf("Published message to topic: %s", topic)
	return nil
}

// ReportProperties sends one batch of property reports to the hub.
func (s *TwinService) ReportProperties(reports []models.PropertyReport) error {
	data, err := json.Marshal(reports)
	if err != nil {
		return fmt.Errorf("failed to marshal property reports: %w", err)
	}
	return s.publishMessage(s.reportedTopic(), 1, false, data)
}

// SendTelemetry sends one value on a telemetry channel.
func (s *TwinService) SendTelemetry(channel, value string) error {
	envelope := models.TelemetryEnvelope{
		MessageID: uuid.NewString(),
		Value:     value,
		Timestamp: time.Now().UnixMilli(),
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal telemetry envelope: %w", err)
	}
	return s.publishMessage(s.telemetryTopic(channel), 1, false, data)
}

// OnDesiredProperty registers the handler for desired-property patches and
// subscribes the desired topic.
func (s *TwinService) OnDesiredProperty(handler PropertyUpdateHandler) {
	s.propertyHandler = handler
	s.AddSubscriptionTopic(s.desiredTopic(), 1, s.desiredPatchHandler())
}

// OnCommand registers the handler for direct commands and subscribes the
// command request topic.
func (s *TwinService) OnCommand(handler CommandHandler) {
	s.commandHandler = handler
	s.AddSubscriptionTopic(s.commandRequestTopic(), 0, s.commandRequestHandler())
}

func (s *TwinService) desiredPatchHandler() mqtt.MessageHandler {
	return func(client mqtt.Client, msg mqtt.Message) {
		updates, err := ParseDesiredPatch(msg.Payload())
		if err != nil {
			log.Errorf("Unmarshal desired patch error: %v", err)
			return
		}

		for _, update := range updates {
			// Each property in the patch is an independent invocation. The
			// handler may block on a simulated actuation, so it must not
			// hold up the paho receive loop.
			go s.propertyHandler(update)
		}
	}
}

func (s *TwinService) commandRequestHandler() mqtt.MessageHandler {
	return func(client mqtt.Client, msg mqtt.Message) {
		req := models.CommandRequest{
			Name:      utils.GetTopicN(msg.Topic(), 4),
			RequestID: utils.GetTopicN(msg.Topic(), 5),
			Payload:   msg.Payload(),
		}

		resp := s.commandHandler(req)

		data, err := json.Marshal(resp)
		if err != nil {
			log.Errorf("Marshal command response error: %v", err)
			return
		}

		if err := s.publishMessage(s.commandResponseTopic(req.RequestID), 0, false, data); err != nil {
			log.Errorf("Failed to publish command response for request '%s': %v", req.RequestID, err)
		}
	}
}

// ParseDesiredPatch unpacks a desired-property patch into one update per
// property. The patch is a flat JSON object of changed properties plus the
// "$version" marker.
func ParseDesiredPatch(payload []byte) ([]models.PropertyUpdate, error) {
	var patch map[string]json.RawMessage
	if err := json.Unmarshal(payload, &patch); err != nil {
		return nil, err
	}

	version := 0
	if raw, ok := patch["$version"]; ok {
		if err := json.Unmarshal(raw, &version); err != nil {
			return nil, fmt.Errorf("invalid $version: %w", err)
		}
	}

	var updates []models.PropertyUpdate
	for name, raw := range patch {
		if name == "$version" {
			continue
		}
		updates = append(updates, models.PropertyUpdate{
			PropertyName:   name,
			DesiredValue:   rawValueString(raw),
			DesiredVersion: version,
		})
	}

	return updates, nil
}

// rawValueString renders a JSON value as the plain string the handlers work
// with: strings are unquoted, everything else keeps its JSON rendering.
func rawValueString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
