package services

import (
	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"
)

var NC *nats.Conn

// InitNats connects to the local sensor bus. The bus is optional: callers
// may treat a failure as non-fatal and run without external readings.
func InitNats(url string) error {
	if url == "" {
		url = nats.DefaultURL
	}

	opts := []nats.Option{
		// keep retrying in the background when the initial connect fails
		nats.RetryOnFailedConnect(true),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		log.Errorf("nats connect error: %v", err)
		return err
	}
	NC = nc
	return nil
}
