package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog/log"
)

// KafkaSink 把事件记录异步发布到Kafka
type KafkaSink struct {
	producer sarama.AsyncProducer
	topic    string
}

// NewKafkaSink 创建Kafka事件下沉
func NewKafkaSink(brokers []string, topic string) (*KafkaSink, error) {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForLocal       // 只等待本地确认
	config.Producer.Compression = sarama.CompressionSnappy   // 压缩
	config.Producer.Flush.Frequency = 500 * time.Millisecond // 刷新频率
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true

	producer, err := sarama.NewAsyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka async producer: %w", err)
	}

	sink := &KafkaSink{
		producer: producer,
		topic:    topic,
	}

	go sink.handleSuccesses()
	go sink.handleErrors()

	return sink, nil
}

// Publish 发布事件记录，以stationId作为Key保证同一站点的事件落入同一分区
func (s *KafkaSink) Publish(record Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal event record: %w", err)
	}

	s.producer.Input() <- &sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(record.StationID),
		Value: sarama.ByteEncoder(data),
	}
	return nil
}

// Close 关闭底层生产者
func (s *KafkaSink) Close() error {
	if err := s.producer.Close(); err != nil {
		return fmt.Errorf("failed to close Kafka producer: %w", err)
	}
	return nil
}

func (s *KafkaSink) handleSuccesses() {
	for msg := range s.producer.Successes() {
		log.Debug().
			Str("topic", msg.Topic).
			Str("key", string(msg.Key.(sarama.StringEncoder))).
			Msg("Event record published")
	}
}

func (s *KafkaSink) handleErrors() {
	for err := range s.producer.Errors() {
		log.Error().
			Err(err).
			Str("topic", err.Msg.Topic).
			Msg("Failed to publish event record")
	}
}
