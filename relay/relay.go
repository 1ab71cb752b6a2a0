// Package relay drains an Azure storage queue of trigger requests and
// publishes them on the bus, for producers that cannot reach the bus directly.
package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"subscription-service/events"
)

// Queue is the subset of *azqueue.QueueClient the relay uses.
type Queue interface {
	DequeueMessages(ctx context.Context, o *azqueue.DequeueMessagesOptions) (azqueue.DequeueMessagesResponse, error)
	DeleteMessage(ctx context.Context, messageID string, popReceipt string, o *azqueue.DeleteMessageOptions) (azqueue.DeleteMessageResponse, error)
}

// Triggerer publishes a decoded trigger request.
type Triggerer interface {
	TriggerRequest(ctx context.Context, req events.Request) error
}

var errPoison = errors.New("poison message")

type Config struct {
	// PollInterval is the wait after an empty or failed dequeue (default: 1s).
	PollInterval time.Duration
	// BatchSize is the number of messages dequeued at once (default: 16).
	BatchSize int32
	// MaxDequeue drops a message whose publish kept failing (default: 5).
	MaxDequeue int64
}

type Relay struct {
	queue  Queue
	pub    Triggerer
	cfg    Config
	logger *log.Entry
}

// NewQueueClient connects to a queue with the retry policy the service uses
// for storage clients.
func NewQueueClient(connStr, queue string) (*azqueue.QueueClient, error) {
	return azqueue.NewQueueClientFromConnectionString(connStr, queue, &azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute,
				RetryDelay:    time.Second,
				MaxRetryDelay: time.Minute,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	})
}

func New(q Queue, pub Triggerer, cfg Config, logger *log.Logger) *Relay {
	if logger == nil {
		logger = log.StandardLogger()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 16
	}
	if cfg.MaxDequeue <= 0 {
		cfg.MaxDequeue = 5
	}
	return &Relay{queue: q, pub: pub, cfg: cfg, logger: logger.WithField("component", "relay")}
}

// Run polls until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	for {
		n, err := r.Poll(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			r.logger.WithError(err).Warn("dequeue failed")
		}
		if n > 0 && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(r.cfg.PollInterval):
		}
	}
}

// Poll handles one batch and reports how many messages it received.
func (r *Relay) Poll(ctx context.Context) (int, error) {
	batch := r.cfg.BatchSize
	resp, err := r.queue.DequeueMessages(ctx, &azqueue.DequeueMessagesOptions{NumberOfMessages: &batch})
	if err != nil {
		return 0, err
	}
	for _, msg := range resp.Messages {
		if msg == nil || msg.MessageID == nil || msg.PopReceipt == nil {
			continue
		}
		entry := r.logger.WithField("message_id", *msg.MessageID)
		err := r.handle(ctx, msg)
		switch {
		case err == nil:
		case errors.Is(err, errPoison):
			entry.WithError(err).Error("dropping undecodable trigger")
		case msg.DequeueCount != nil && *msg.DequeueCount >= r.cfg.MaxDequeue:
			entry.WithError(err).Error("dropping trigger after repeated publish failures")
		default:
			// left on the queue; it becomes visible again after the timeout
			entry.WithError(err).Warn("publish failed, will retry")
			continue
		}
		if _, err := r.queue.DeleteMessage(ctx, *msg.MessageID, *msg.PopReceipt, nil); err != nil {
			entry.WithError(err).Warn("delete message")
		}
	}
	return len(resp.Messages), nil
}

func (r *Relay) handle(ctx context.Context, msg *azqueue.DequeuedMessage) error {
	if msg.MessageText == nil {
		return fmt.Errorf("%w: empty body", errPoison)
	}
	var req events.Request
	if err := sonic.UnmarshalString(*msg.MessageText, &req); err != nil {
		return fmt.Errorf("%w: %v", errPoison, err)
	}
	err := r.pub.TriggerRequest(ctx, req)
	if errors.Is(err, events.ErrInvalidTrigger) {
		return fmt.Errorf("%w: %v", errPoison, err)
	}
	return err
}
