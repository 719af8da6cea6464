package aws_sqs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/IliaW/url-watcher/internal/model"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSQS struct {
	inputs []*sqs.SendMessageInput
	err    error
}

func (f *fakeSQS) SendMessage(_ context.Context, params *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.inputs = append(f.inputs, params)
	if f.err != nil {
		return nil, f.err
	}
	return &sqs.SendMessageOutput{MessageId: aws.String("1")}, nil
}

func newTestTransport(f *fakeSQS) *SQSTransport {
	return &SQSTransport{
		client: f,
		url:    aws.String("https://sqs.local/000000000000/changes"),
		log:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestSQSSend(t *testing.T) {
	f := &fakeSQS{}
	n := &model.Notification{
		Subject: "Change detected at: https://example.test/page",
		Diff:    "diff",
		Event:   &model.ChangeEvent{URL: "https://example.test/page"},
	}

	require.NoError(t, newTestTransport(f).Send(context.Background(), n))
	require.Len(t, f.inputs, 1)
	assert.Equal(t, "https://sqs.local/000000000000/changes", *f.inputs[0].QueueUrl)

	var notice model.ChangeNotice
	require.NoError(t, json.Unmarshal([]byte(*f.inputs[0].MessageBody), &notice))
	assert.Equal(t, "https://example.test/page", notice.URL)
	assert.Equal(t, "diff", notice.Diff)
}

func TestSQSSend_Error(t *testing.T) {
	f := &fakeSQS{err: errors.New("throttled")}

	err := newTestTransport(f).Send(context.Background(), &model.Notification{Event: &model.ChangeEvent{}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "throttled")
}
