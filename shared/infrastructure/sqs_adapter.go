package infrastructure

import (
	"context"
	"time"

	"github.com/draftea/coordination-engine/shared/events"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var _ events.Subscriber = (*SQSSubscriberAdapter)(nil)

// SQSSubscriberAdapter adapts SQSEventSubscriber to events.Subscriber.
// The queue carries every topic; eventType narrows delivery with
// events.Topic.Matches and an empty pattern accepts everything.
type SQSSubscriberAdapter struct {
	client        SQSAPI
	queueURL      string
	opts          []SQSSubscriberOption
	logger        *logrus.Entry
	sqsSubscriber *SQSEventSubscriber
}

// NewSQSSubscriberAdapter creates a new SQS subscriber adapter
func NewSQSSubscriberAdapter(client SQSAPI, queueURL string, logger *logrus.Entry, opts ...SQSSubscriberOption) *SQSSubscriberAdapter {
	return &SQSSubscriberAdapter{
		client:   client,
		queueURL: queueURL,
		opts:     opts,
		logger:   logger,
	}
}

// topicFilter drops events whose topic does not match the pattern.
// Dropped events are acknowledged so they do not bounce forever.
type topicFilter struct {
	pattern events.Topic
	next    events.EventHandler
}

func (f *topicFilter) Handle(ctx context.Context, event *events.Event) error {
	if f.pattern != "" && !event.Topic.Matches(f.pattern) {
		return nil
	}
	return f.next.Handle(ctx, event)
}

// Subscribe implements events.Subscriber interface
func (s *SQSSubscriberAdapter) Subscribe(ctx context.Context, eventType string, handler events.EventHandler) error {
	if s.sqsSubscriber != nil {
		return errors.New("subscriber is already running")
	}

	s.sqsSubscriber = NewSQSEventSubscriber(s.client, s.queueURL, &topicFilter{
		pattern: events.Topic(eventType),
		next:    handler,
	}, s.logger, s.opts...)

	if err := s.sqsSubscriber.Start(ctx); err != nil {
		return errors.Wrap(err, "failed to start SQS subscriber")
	}

	return nil
}

// Close stops the subscriber
func (s *SQSSubscriberAdapter) Close() error {
	if s.sqsSubscriber == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.sqsSubscriber.Stop(ctx); err != nil {
		return errors.Wrap(err, "failed to stop SQS subscriber")
	}

	s.sqsSubscriber = nil
	return nil
}
