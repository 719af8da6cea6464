package aws_sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/IliaW/url-watcher/config"
	"github.com/IliaW/url-watcher/internal/model"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsCfg "github.com/aws/aws-sdk-go-v2/config"
	crd "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

type sqsAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSTransport sends every change as a JSON ChangeNotice to a queue.
type SQSTransport struct {
	client sqsAPI
	url    *string
	log    *slog.Logger
}

func NewSQSTransport(ctx context.Context, cfg *config.SQSConfig, log *slog.Logger) (*SQSTransport, error) {
	log.Info("connecting to sqs...")

	opts := []func(*awsCfg.LoadOptions) error{awsCfg.WithRegion(cfg.Region)}
	if cfg.AwsAccessKey != "" {
		opts = append(opts, awsCfg.WithCredentialsProvider(
			crd.NewStaticCredentialsProvider(cfg.AwsAccessKey, cfg.AwsSecretKey, cfg.AwsSessionToken)))
	}
	if cfg.AwsBaseEndpoint != "" {
		opts = append(opts, awsCfg.WithBaseEndpoint(cfg.AwsBaseEndpoint))
	}
	sqsConfig, err := awsCfg.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load sqs config: %w", err)
	}

	client := sqs.NewFromConfig(sqsConfig)
	queueUrl, err := client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: &cfg.QueueName})
	if err != nil {
		return nil, fmt.Errorf("failed to get queue url for %s: %w", cfg.QueueName, err)
	}
	log.Info("connected to sqs!", slog.String("queue_url", *queueUrl.QueueUrl))

	return &SQSTransport{client: client, url: queueUrl.QueueUrl, log: log}, nil
}

func (t *SQSTransport) Name() string {
	return "sqs"
}

func (t *SQSTransport) Send(ctx context.Context, n *model.Notification) error {
	body, err := json.Marshal(n.Notice())
	if err != nil {
		return fmt.Errorf("marshaling error: %w", err)
	}

	_, err = t.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    t.url,
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("failed to send message to sqs: %w", err)
	}
	t.log.Debug("message sent to sqs.", slog.String("queue_url", *t.url))

	return nil
}
