package app

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"envsensor/models"
	"envsensor/services"

	"github.com/stretchr/testify/require"
)

type telemetryPoint struct {
	channel string
	value   string
}

type fakeTwinClient struct {
	mu        sync.Mutex
	reports   [][]models.PropertyReport
	telemetry []telemetryPoint
	reportErr error

	propertyHandler services.PropertyUpdateHandler
	commandHandler  services.CommandHandler
}

func (f *fakeTwinClient) ReportProperties(reports []models.PropertyReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, reports)
	return f.reportErr
}

func (f *fakeTwinClient) SendTelemetry(channel, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.telemetry = append(f.telemetry, telemetryPoint{channel: channel, value: value})
	return nil
}

func (f *fakeTwinClient) OnDesiredProperty(handler services.PropertyUpdateHandler) {
	f.propertyHandler = handler
}

func (f *fakeTwinClient) OnCommand(handler services.CommandHandler) {
	f.commandHandler = handler
}

// flat returns every report sent, in order.
func (f *fakeTwinClient) flat() []models.PropertyReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	var all []models.PropertyReport
	for _, batch := range f.reports {
		all = append(all, batch...)
	}
	return all
}

func newTestSensor(t *testing.T) (*EnvironmentalSensor, *fakeTwinClient) {
	t.Helper()
	twin := &fakeTwinClient{}
	sensor, err := NewEnvironmentalSensor(twin, nil, 0)
	require.NoError(t, err)
	sensor.actuationDelay = time.Millisecond
	return sensor, twin
}

func TestNewEnvironmentalSensorRequiresTwin(t *testing.T) {
	_, err := NewEnvironmentalSensor(nil, nil, 0)
	require.Error(t, err)
}

func TestRouteNameUpdate(t *testing.T) {
	sensor, twin := newTestSensor(t)

	sensor.Route(models.PropertyUpdate{
		PropertyName:   models.PropertyName,
		DesiredValue:   "Alice",
		DesiredVersion: 3,
	})

	reports := twin.flat()
	require.Len(t, reports, 1)
	require.Equal(t, models.PropertyName, reports[0].PropertyName)
	require.Equal(t, "Alice", reports[0].Value)
	require.NotNil(t, reports[0].Metadata)
	require.Equal(t, 3, reports[0].Metadata.Version)
	require.Equal(t, models.StatusCompleted, reports[0].Metadata.StatusCode)
}

func TestRouteBrightnessTwoPhase(t *testing.T) {
	sensor, twin := newTestSensor(t)

	sensor.Route(models.PropertyUpdate{
		PropertyName:   models.PropertyBrightness,
		DesiredValue:   "80",
		DesiredVersion: 1,
	})

	reports := twin.flat()
	require.Len(t, reports, 2)

	pending, completed := reports[0], reports[1]
	require.Equal(t, models.StatusInProgress, pending.Metadata.StatusCode)
	require.Equal(t, "0", pending.Value)
	require.Equal(t, 1, pending.Metadata.Version)

	require.Equal(t, models.StatusCompleted, completed.Metadata.StatusCode)
	require.Equal(t, "80", completed.Value)
	require.Equal(t, 1, completed.Metadata.Version)
}

func TestRouteBrightnessRemembersCurrentValue(t *testing.T) {
	sensor, twin := newTestSensor(t)

	sensor.Route(models.PropertyUpdate{PropertyName: models.PropertyBrightness, DesiredValue: "80", DesiredVersion: 1})
	sensor.Route(models.PropertyUpdate{PropertyName: models.PropertyBrightness, DesiredValue: "40", DesiredVersion: 2})

	reports := twin.flat()
	require.Len(t, reports, 4)
	// the second in-progress ack carries the value committed by the first
	require.Equal(t, "80", reports[2].Value)
	require.Equal(t, models.StatusInProgress, reports[2].Metadata.StatusCode)
}

func TestRouteSupportedPropertiesEndCompleted(t *testing.T) {
	for _, name := range []string{models.PropertyName, models.PropertyBrightness} {
		sensor, twin := newTestSensor(t)

		sensor.Route(models.PropertyUpdate{PropertyName: name, DesiredValue: "1", DesiredVersion: 7})

		reports := twin.flat()
		require.NotEmpty(t, reports, name)
		last := reports[len(reports)-1]
		require.Equal(t, models.StatusCompleted, last.Metadata.StatusCode, name)
	}
}

func TestRouteUnknownPropertySendsNothing(t *testing.T) {
	sensor, twin := newTestSensor(t)

	sensor.Route(models.PropertyUpdate{
		PropertyName: "unknown_field",
		DesiredValue: "x",
	})

	require.Empty(t, twin.flat())
}

func TestRouteSurvivesReportFailure(t *testing.T) {
	sensor, twin := newTestSensor(t)
	twin.reportErr = errors.New("broker gone")

	require.NotPanics(t, func() {
		sensor.Route(models.PropertyUpdate{PropertyName: models.PropertyName, DesiredValue: "Alice", DesiredVersion: 1})
		sensor.Route(models.PropertyUpdate{PropertyName: models.PropertyBrightness, DesiredValue: "80", DesiredVersion: 2})
	})
}

func TestOnCommandIsTotal(t *testing.T) {
	sensor, _ := newTestSensor(t)

	requests := []models.CommandRequest{
		{},
		{Name: models.CommandBlink, RequestID: "rid-1"},
		{Name: models.CommandTurnOn, RequestID: "rid-2"},
		{Name: models.CommandTurnOff, RequestID: "rid-3"},
		{Name: "nonsense", Payload: []byte("{broken"), RequestID: "rid-4"},
	}

	for _, req := range requests {
		resp := sensor.OnCommand(req)
		require.Equal(t, models.StatusCompleted, resp.StatusCode)
		require.True(t, json.Valid(resp.Payload))
	}
}

func TestTelemetryForwarders(t *testing.T) {
	sensor, twin := newTestSensor(t)

	require.NoError(t, sensor.SendTemperature(21.5))
	require.NoError(t, sensor.SendHumidity(60))

	require.Equal(t, []telemetryPoint{
		{channel: models.TelemetryTemperature, value: "21.5"},
		{channel: models.TelemetryHumidity, value: "60"},
	}, twin.telemetry)
}

func TestStartReportsStateAndRegistersCallbacks(t *testing.T) {
	sensor, twin := newTestSensor(t)

	sensor.Start()
	defer sensor.Stop()

	require.NotNil(t, twin.propertyHandler)
	require.NotNil(t, twin.commandHandler)

	reports := twin.flat()
	require.Len(t, reports, 1)
	require.Equal(t, models.PropertyState, reports[0].PropertyName)
	require.Equal(t, "true", reports[0].Value)
	require.Nil(t, reports[0].Metadata)
}
