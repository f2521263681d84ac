package models

import "encoding/json"

// Property names exposed by the environmental sensor interface.
const (
	PropertyState      = "state"
	PropertyName       = "name"
	PropertyBrightness = "brightness"
)

// Telemetry channel names.
const (
	TelemetryTemperature = "temp"
	TelemetryHumidity    = "humid"
)

// Command names declared by the interface.
const (
	CommandBlink   = "blink"
	CommandTurnOn  = "turnon"
	CommandTurnOff = "turnoff"
)

// Status codes carried in property report metadata.
const (
	StatusCompleted  = 200
	StatusInProgress = 102
)

// PropertyUpdate is one desired-property change delivered by the hub.
type PropertyUpdate struct {
	PropertyName   string `json:"property_name"`
	DesiredValue   string `json:"desired_value"`
	ReportedValue  string `json:"reported_value,omitempty"`
	DesiredVersion int    `json:"desired_version"`
}

// ReportMetadata acknowledges the desired-property version a report answers.
type ReportMetadata struct {
	Version           int    `json:"version"`
	StatusCode        int    `json:"status_code"`
	StatusDescription string `json:"status_description"`
}

// PropertyReport is a single reported-property value. Metadata is nil for
// unsolicited reports that do not answer a desired-property update.
type PropertyReport struct {
	PropertyName string          `json:"property_name"`
	Value        string          `json:"value"`
	Metadata     *ReportMetadata `json:"metadata,omitempty"`
}

// CommandRequest is a direct command invocation from the hub.
type CommandRequest struct {
	Name      string `json:"name"`
	Payload   []byte `json:"payload,omitempty"`
	RequestID string `json:"request_id"`
}

// CommandResponse answers exactly one CommandRequest.
type CommandResponse struct {
	StatusCode int             `json:"status_code"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// TelemetryEnvelope wraps one telemetry value on the wire.
type TelemetryEnvelope struct {
	MessageID string `json:"message_id"`
	Value     string `json:"value"`
	Timestamp int64  `json:"timestamp"`
}
