package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

type Config struct {
	ConnectionString string `mapstructure:"CONNECTION_STRING"`

	NatsUrl string `mapstructure:"NATS_URL"`

	// seconds between simulated readings, 0 disables the loop
	TelemetryInterval int `mapstructure:"TELEMETRY_INTERVAL"`
}

const defaultTelemetryInterval = 15

func LoadConfig() (Config, error) {
	viper.SetConfigFile(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()

	err := viper.ReadInConfig()
	if err != nil {
		log.Printf("Error reading config file, using environment variables: %s", err)
		// If .env file is not found, try to read from environment variables directly
		var config Config
		config.ConnectionString = os.Getenv("CONNECTION_STRING")
		config.NatsUrl = os.Getenv("NATS_URL")

		config.TelemetryInterval = defaultTelemetryInterval
		if v := os.Getenv("TELEMETRY_INTERVAL"); v != "" {
			interval, err := strconv.Atoi(v)
			if err != nil {
				return config, fmt.Errorf("invalid TELEMETRY_INTERVAL %q: %w", v, err)
			}
			config.TelemetryInterval = interval
		}

		return config, nil
	}

	viper.SetDefault("TELEMETRY_INTERVAL", defaultTelemetryInterval)

	var config Config
	err = viper.Unmarshal(&config)
	if err != nil {
		return Config{}, err
	}

	return config, nil
}

// DeviceConfig is the broker identity derived from a hub connection string.
type DeviceConfig struct {
	Host            string
	DeviceID        string
	SharedAccessKey string
}

// ParseConnectionString splits a "HostName=...;DeviceId=...;SharedAccessKey=..."
// connection string. HostName and DeviceId are mandatory, the key is not
// (brokers without authentication leave it out).
func ParseConnectionString(cs string) (DeviceConfig, error) {
	var dc DeviceConfig

	for _, segment := range strings.Split(cs, ";") {
		if segment == "" {
			continue
		}
		parts := strings.SplitN(segment, "=", 2)
		if len(parts) != 2 {
			return dc, fmt.Errorf("malformed connection string segment %q", segment)
		}
		switch parts[0] {
		case "HostName":
			dc.Host = parts[1]
		case "DeviceId":
			dc.DeviceID = parts[1]
		case "SharedAccessKey":
			dc.SharedAccessKey = parts[1]
		}
	}

	if dc.Host == "" || dc.DeviceID == "" {
		return dc, fmt.Errorf("connection string must contain HostName and DeviceId")
	}

	return dc, nil
}

// BrokerURL is the MQTT endpoint of the hub.
func (dc DeviceConfig) BrokerURL() string {
	return fmt.Sprintf("tls://%s:8883", dc.Host)
}

// Username follows the hub convention host/deviceID.
func (dc DeviceConfig) Username() string {
	return fmt.Sprintf("%s/%s", dc.Host, dc.DeviceID)
}
