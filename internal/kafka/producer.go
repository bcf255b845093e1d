package kafka

import (
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

type SaramaProducer struct {
	producer sarama.SyncProducer
	log      *zap.Logger
}

func NewSaramaProducer(brokers []string, log *zap.Logger) (*SaramaProducer, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 3
	config.Producer.Timeout = 5 * time.Second
	prod, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, err
	}
	return NewSaramaProducerFrom(prod, log), nil
}

// NewSaramaProducerFrom wraps an existing producer, e.g. sarama/mocks in tests.
func NewSaramaProducerFrom(prod sarama.SyncProducer, log *zap.Logger) *SaramaProducer {
	return &SaramaProducer{producer: prod, log: log.Named("producer")}
}

func (p *SaramaProducer) Publish(topic, key string, message []byte) error {
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Value: sarama.ByteEncoder(message),
	}
	if key != "" {
		msg.Key = sarama.StringEncoder(key)
	}
	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		p.log.Warn("failed to send message", zap.String("topic", topic), zap.Error(err))
		return err
	}
	p.log.Debug("message stored",
		zap.String("topic", topic),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
	)
	return nil
}

func (p *SaramaProducer) Close() error {
	return p.producer.Close()
}
