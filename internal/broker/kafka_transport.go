package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/IliaW/url-watcher/config"
	"github.com/IliaW/url-watcher/internal/model"
	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress/lz4"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaTransport publishes every change as a JSON ChangeNotice keyed by URL.
type KafkaTransport struct {
	writer       messageWriter
	writeTimeout time.Duration
	log          *slog.Logger
}

func NewKafkaTransport(cfg *config.KafkaProducerConfig, log *slog.Logger) *KafkaTransport {
	log.Info("starting kafka producer...", slog.String("topic", cfg.WriteTopicName))

	w := &kafka.Writer{
		Addr:         kafka.TCP(strings.Split(cfg.Addr, ",")...),
		Topic:        cfg.WriteTopicName,
		Balancer:     &kafka.Hash{},
		MaxAttempts:  cfg.MaxAttempts,
		BatchSize:    1, // one notice per detected change
		BatchTimeout: time.Millisecond,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAsks),
		Compression:  kafka.Compression(new(lz4.Codec).Code()),
	}

	return &KafkaTransport{writer: w, writeTimeout: cfg.WriteTimeout, log: log}
}

func (kt *KafkaTransport) Name() string {
	return "kafka"
}

func (kt *KafkaTransport) Send(ctx context.Context, n *model.Notification) error {
	notice := n.Notice()
	body, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("marshaling error: %w", err)
	}

	if kt.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, kt.writeTimeout)
		defer cancel()
	}
	err = kt.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(notice.URL),
		Value: body,
	})
	if err != nil {
		return fmt.Errorf("failed to send message to kafka: %w", err)
	}
	kt.log.Debug("successfully sent message to kafka.", slog.String("url", notice.URL))

	return nil
}

func (kt *KafkaTransport) Close() {
	kt.log.Info("stopping kafka writer.")
	if err := kt.writer.Close(); err != nil {
		kt.log.Error("failed to close kafka writer.", slog.String("err", err.Error()))
	}
}
