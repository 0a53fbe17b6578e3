package transport

import (
	"errors"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	nc "github.com/nats-io/nats.go"
)

const natsClientName = "streamsink-dead-letter"

var (
	NATSPublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		return nats.NewPublisher(cfg, logger)
	}
)

func newNATSPublisher(url string, logger watermill.LoggerAdapter) (message.Publisher, error) {
	if url == "" {
		return nil, errors.New("no URL configured")
	}
	return NATSPublisherFactory(
		nats.PublisherConfig{
			URL: url,
			NatsOptions: []nc.Option{
				nc.Name(natsClientName),
				nc.RetryOnFailedConnect(true),
				nc.MaxReconnects(-1),
			},
			Marshaler: &nats.NATSMarshaler{},
		},
		logger,
	)
}
