// Package transport builds the publisher that receives dead-lettered entries.
// Every backend is constructed through a package-level factory variable so
// tests can substitute in-memory fakes.
package transport

import (
	"fmt"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-redis/redis/v8"

	"github.com/drblury/streamsink/internal/runtime/config"
)

// Supported dead-letter transports.
const (
	RedisTransport    = "redis"
	KafkaTransport    = "kafka"
	NATSTransport     = "nats"
	RabbitMQTransport = "rabbitmq"
	ChannelTransport  = "channel"
)

// Transport is a built dead-letter publisher plus, for in-process
// transports, a subscriber that observes the same topic.
type Transport struct {
	Name       string
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Close releases both ends.
func (t Transport) Close() error {
	var err error
	if t.Publisher != nil {
		err = t.Publisher.Close()
	}
	if t.Subscriber != nil && any(t.Subscriber) != any(t.Publisher) {
		if subErr := t.Subscriber.Close(); err == nil {
			err = subErr
		}
	}
	return err
}

// Build creates the publisher selected by conf.Transport. rdb is only needed
// for the redis transport.
func Build(conf config.DeadLetterConfig, rdb redis.UniversalClient, logger watermill.LoggerAdapter) (Transport, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	name := strings.ToLower(strings.TrimSpace(conf.Transport))
	switch name {
	case "", RedisTransport:
		if rdb == nil {
			return Transport{}, fmt.Errorf("redis dead-letter transport requires a client")
		}
		return Transport{Name: RedisTransport, Publisher: NewRedisStreamPublisher(rdb, conf.MaxLen, logger)}, nil
	case KafkaTransport:
		pub, err := newKafkaPublisher(conf.KafkaBrokers, logger)
		if err != nil {
			return Transport{}, fmt.Errorf("kafka dead-letter publisher: %w", err)
		}
		return Transport{Name: name, Publisher: pub}, nil
	case NATSTransport:
		pub, err := newNATSPublisher(conf.NATSURL, logger)
		if err != nil {
			return Transport{}, fmt.Errorf("nats dead-letter publisher: %w", err)
		}
		return Transport{Name: name, Publisher: pub}, nil
	case RabbitMQTransport:
		pub, err := newRabbitMQPublisher(conf.RabbitMQURL, logger)
		if err != nil {
			return Transport{}, fmt.Errorf("rabbitmq dead-letter publisher: %w", err)
		}
		return Transport{Name: name, Publisher: pub}, nil
	case ChannelTransport, "gochannel":
		pub, sub := channelTransport(logger)
		return Transport{Name: ChannelTransport, Publisher: pub, Subscriber: sub}, nil
	default:
		return Transport{}, fmt.Errorf("unknown dead-letter transport %q", conf.Transport)
	}
}
