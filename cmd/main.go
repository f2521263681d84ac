package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"envsensor/app"
	"envsensor/config"
	"envsensor/services"

	log "github.com/sirupsen/logrus"
)

func main() {

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("Config error: ", err)
	}

	// the first argument wins over CONNECTION_STRING
	if len(os.Args) > 1 {
		cfg.ConnectionString = os.Args[1]
	}
	if cfg.ConnectionString == "" {
		log.Fatal("No connection string supplied, set CONNECTION_STRING or pass it as the first argument")
	}

	device, err := config.ParseConnectionString(cfg.ConnectionString)
	if err != nil {
		log.Fatal("Connection string error: ", err)
	}

	if err := services.InitNats(cfg.NatsUrl); err != nil {
		log.Warn("Running without local sensor bus: ", err)
	}

	if err := services.InitTwinService(device); err != nil {
		log.Fatal("Failed to initialize twin service: ", err)
	}

	sensor, err := app.NewEnvironmentalSensor(
		services.DefaultTwinService,
		services.NC,
		time.Duration(cfg.TelemetryInterval)*time.Second,
	)
	if err != nil {
		log.Fatal("Failed to initialize environmental sensor: ", err)
	}

	sensor.Start()

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("Received shutdown signal, shutting down...")

	sensor.Stop()
	services.GetTwinService().Stop()
	if services.NC != nil {
		services.NC.Drain()
	}

	log.Println("Shutdown complete.")
}
