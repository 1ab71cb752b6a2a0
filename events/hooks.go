package events

import (
	"context"

	log "github.com/sirupsen/logrus"

	"subscription-service/domain"
)

// ModelHooks publishes model lifecycle changes. Storage calls AfterCreate and
// AfterUpdate once the write succeeded and BeforeDelete before removing a row.
// A publish failure is logged; it never fails the write.
type ModelHooks struct {
	pub    *Publisher
	logger *log.Entry
}

func NewModelHooks(pub *Publisher, logger *log.Logger) *ModelHooks {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &ModelHooks{pub: pub, logger: logger.WithField("component", "model-hooks")}
}

func (h *ModelHooks) AfterCreate(ctx context.Context, m domain.Model) {
	h.fire(ctx, domain.Created, m)
}

func (h *ModelHooks) AfterUpdate(ctx context.Context, m domain.Model) {
	h.fire(ctx, domain.Updated, m)
}

func (h *ModelHooks) BeforeDelete(ctx context.Context, m domain.Model) {
	h.fire(ctx, domain.Deleted, m)
}

func (h *ModelHooks) fire(ctx context.Context, op domain.Operation, m domain.Model) {
	topic := domain.TopicFor(op, m)
	if err := h.pub.Trigger(ctx, topic, domain.Event{Operation: op, Payload: m}); err != nil {
		h.logger.WithError(err).WithFields(log.Fields{
			"topic": topic,
			"model": m.ModelName(),
			"pk":    m.PrimaryKey(),
		}).Error("publish model event")
	}
}
