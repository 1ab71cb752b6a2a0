package schema

import (
	"context"
	"errors"
	"sync"

	"github.com/graphql-go/graphql"

	"subscription-service/domain"
	"subscription-service/stream"
	"subscription-service/subscription"
)

var ErrNoRegistry = errors.New("no subscription registry in context")

// Pipeline derives the stream a field observes from its topic stream.
type Pipeline func(s *stream.Stream) *stream.Stream

// SubscribeTopic registers topic on the connection's registry and returns a
// source channel for graphql-go. The observer is attached before it returns,
// so no event published afterwards is missed. The observer is disposed when
// the operation context ends.
func SubscribeTopic(p graphql.ResolveParams, topic string, pipe Pipeline) (any, error) {
	ctx := p.Context
	if ctx == nil {
		ctx = context.Background()
	}
	reg := subscription.FromContext(ctx)
	if reg == nil {
		return nil, ErrNoRegistry
	}
	s, err := reg.Subscribe(ctx, topic)
	if err != nil {
		return nil, err
	}
	if pipe != nil {
		s = pipe(s)
	}
	ch := observe(ctx, s)
	signalAttached(ctx)
	return ch, nil
}

type attachedKey struct{}

// withAttached returns a context whose subscribe resolvers call fn once their
// source observes its stream.
func withAttached(ctx context.Context, fn func()) context.Context {
	return context.WithValue(ctx, attachedKey{}, fn)
}

func signalAttached(ctx context.Context) {
	if fn, ok := ctx.Value(attachedKey{}).(func()); ok {
		fn()
	}
}

func observe(ctx context.Context, s *stream.Stream) chan any {
	ch := make(chan any)
	var once sync.Once
	closeCh := func() { once.Do(func() { close(ch) }) }

	var mu sync.Mutex
	done := false
	dispose := s.Subscribe(stream.Observer{
		Next: func(v any) {
			mu.Lock()
			defer mu.Unlock()
			if done {
				return
			}
			select {
			case ch <- v:
			case <-ctx.Done():
			}
		},
		Err: func(err error) {
			// the terminal error is delivered as a value so that it surfaces
			// in the payload's errors, then the source ends
			go func() {
				mu.Lock()
				defer mu.Unlock()
				if done {
					return
				}
				done = true
				select {
				case ch <- err:
				case <-ctx.Done():
				}
				closeCh()
			}()
		},
	})
	go func() {
		<-ctx.Done()
		dispose()
	}()
	return ch
}

// resolveSource is the per-emission resolver of every subscription field.
func resolveSource(p graphql.ResolveParams) (any, error) {
	if err, ok := p.Source.(error); ok {
		return nil, err
	}
	return p.Source, nil
}

// ModelSubscription builds the created, updated(id) and deleted(id)
// subscription fields for one model type. Field names are the model's
// lifecycle topic prefixes, e.g. someModelCreated.
type ModelSubscription struct {
	Model string
	Type  graphql.Output
}

// Fields returns the three lifecycle subscription fields.
func (m ModelSubscription) Fields() graphql.Fields {
	created := domain.ModelTopic(m.Model, domain.Created, "")
	prefix := created[:len(created)-len("Created")]
	return graphql.Fields{
		created:             m.field(domain.Created, false),
		prefix + "Updated": m.field(domain.Updated, true),
		prefix + "Deleted": m.field(domain.Deleted, true),
	}
}

func (m ModelSubscription) field(op domain.Operation, byID bool) *graphql.Field {
	f := &graphql.Field{
		Type:    m.Type,
		Resolve: resolveSource,
	}
	if byID {
		f.Args = graphql.FieldConfigArgument{
			"id": &graphql.ArgumentConfig{Type: graphql.String},
		}
	}
	f.Subscribe = func(p graphql.ResolveParams) (any, error) {
		id, _ := p.Args["id"].(string)
		topic := domain.ModelTopic(m.Model, op, id)
		return SubscribeTopic(p, topic, func(s *stream.Stream) *stream.Stream {
			return s.Filter(func(v any) (bool, error) {
				ev, ok := v.(domain.Event)
				if !ok || ev.Operation != op {
					return false, nil
				}
				model, ok := ev.Model()
				if !ok || model.ModelName() != m.Model {
					return false, nil
				}
				return !byID || model.PrimaryKey() == id, nil
			}).Map(eventPayload)
		})
	}
	return f
}

func eventPayload(v any) (any, error) {
	ev, ok := v.(domain.Event)
	if !ok {
		return v, nil
	}
	return ev.Payload, nil
}
