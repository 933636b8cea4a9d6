package infrastructure

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/draftea/coordination-engine/shared/events"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var _ events.Publisher = (*SNSEventPublisher)(nil)

const maxBatchSize = 10

// SNSAPI is the subset of the SNS client used by the publisher
type SNSAPI interface {
	PublishBatch(ctx context.Context, params *sns.PublishBatchInput, optFns ...func(*sns.Options)) (*sns.PublishBatchOutput, error)
}

type snsMessage struct {
	ID          string          `json:"id"`
	AggregateID string          `json:"aggregate_id"`
	Metadata    events.Metadata `json:"metadata"`
	Topic       string          `json:"topic"`
	Payload     json.RawMessage `json:"data"`
	Timestamp   time.Time       `json:"timestamp"`
}

// SNSEventPublisher implements events.Publisher using AWS SNS
type SNSEventPublisher struct {
	client   SNSAPI
	topicArn string
	fifo     bool
	logger   *logrus.Entry
}

// NewSNSEventPublisher creates a new SNSEventPublisher. FIFO topics get the
// aggregate ID as message group so per-aggregate order survives the broker.
func NewSNSEventPublisher(client SNSAPI, topicArn string, logger *logrus.Entry) *SNSEventPublisher {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &SNSEventPublisher{
		client:   client,
		topicArn: topicArn,
		fifo:     strings.HasSuffix(topicArn, ".fifo"),
		logger:   logger.WithField("component", "sns_publisher"),
	}
}

// Publish publishes events to SNS. It fails if any entry of any batch was
// rejected, so callers can treat a nil error as an acknowledgement.
func (p *SNSEventPublisher) Publish(ctx context.Context, evts ...*events.Event) error {
	if len(evts) == 0 {
		return nil
	}

	batchEvents := splitToChunks(evts, maxBatchSize)

	gr, ctx := errgroup.WithContext(ctx)

	for _, eventBatch := range batchEvents {
		eventBatch := eventBatch
		gr.Go(func() error {
			return p.batchPublish(ctx, eventBatch)
		})
	}

	return gr.Wait()
}

func (p *SNSEventPublisher) batchPublish(ctx context.Context, evts []*events.Event) error {
	requests := make([]types.PublishBatchRequestEntry, len(evts))

	for i, event := range evts {
		entry, err := p.toEntry(event)
		if err != nil {
			return err
		}
		requests[i] = entry
	}

	res, err := p.client.PublishBatch(
		ctx,
		&sns.PublishBatchInput{
			TopicArn:                   &p.topicArn,
			PublishBatchRequestEntries: requests,
		},
	)
	if err != nil {
		return errors.Wrap(err, "failed to publish batch to SNS")
	}

	if len(res.Failed) == 0 {
		return nil
	}

	failed := make([]string, 0, len(res.Failed))
	for _, entry := range res.Failed {
		id := aws.ToString(entry.Id)
		failed = append(failed, id)
		p.logger.WithFields(logrus.Fields{
			"event_id": id,
			"code":     aws.ToString(entry.Code),
			"message":  aws.ToString(entry.Message),
		}).Warn("sns rejected batch entry")
	}

	return errors.Errorf("sns rejected %d of %d entries: %s", len(failed), len(evts), strings.Join(failed, ","))
}

func (p *SNSEventPublisher) toEntry(event *events.Event) (types.PublishBatchRequestEntry, error) {
	payload, err := event.MarshalPayload()
	if err != nil {
		return types.PublishBatchRequestEntry{}, errors.Wrap(err, "failed to marshal payload")
	}

	message := &snsMessage{
		ID:          event.ID.String(),
		AggregateID: event.AggregateID.String(),
		Metadata:    event.Metadata,
		Topic:       string(event.Topic),
		Payload:     payload,
		Timestamp:   event.Timestamp,
	}

	msgJson, err := json.Marshal(message)
	if err != nil {
		return types.PublishBatchRequestEntry{}, errors.Wrap(err, "failed to marshal message")
	}

	attrs := map[string]types.MessageAttributeValue{
		"topic": {
			DataType:    aws.String("String"),
			StringValue: aws.String(string(event.Topic)),
		},
	}

	for k, v := range event.Metadata {
		if k == SQSMessageIDKey || k == SQSReceiptHandleKey {
			continue
		}

		attrs[k] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(v),
		}
	}

	entry := types.PublishBatchRequestEntry{
		Id:                aws.String(event.ID.String()),
		Message:           aws.String(string(msgJson)),
		MessageAttributes: attrs,
	}

	if p.fifo {
		entry.MessageGroupId = aws.String(event.AggregateID.String())
		entry.MessageDeduplicationId = aws.String(event.ID.String())
	}

	return entry, nil
}

// splitToChunks splits slice into chunks of specified size
func splitToChunks[T any](slice []T, chunkSize int) [][]T {
	var chunks [][]T
	for i := 0; i < len(slice); i += chunkSize {
		end := i + chunkSize
		if end > len(slice) {
			end = len(slice)
		}
		chunks = append(chunks, slice[i:end])
	}
	return chunks
}
