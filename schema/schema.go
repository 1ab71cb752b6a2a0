package schema

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/graphql-go/graphql"

	"subscription-service/auth"
	"subscription-service/domain"
	"subscription-service/stream"
)

var ErrNoStore = errors.New("model storage not configured")

// ModelStore is the persistence the query and mutation fields use. Writes are
// expected to publish lifecycle events.
type ModelStore interface {
	Create(ctx context.Context, name string) (*domain.SomeModel, error)
	Get(ctx context.Context, id int64) (*domain.SomeModel, error)
	Update(ctx context.Context, id int64, name string) (*domain.SomeModel, error)
	Delete(ctx context.Context, id int64) (*domain.SomeModel, error)
}

const helloWorld = "hello world!"

// New builds the service schema. store may be nil, in which case only the
// subscription fields and the store-free queries work.
func New(store ModelStore) (graphql.Schema, error) {
	someModelType := graphql.NewObject(graphql.ObjectConfig{
		Name: "SomeModel",
		Fields: graphql.Fields{
			"id": &graphql.Field{
				Type: graphql.NewNonNull(graphql.ID),
				Resolve: func(p graphql.ResolveParams) (any, error) {
					m, ok := p.Source.(*domain.SomeModel)
					if !ok {
						return nil, nil
					}
					return m.PrimaryKey(), nil
				},
			},
			"name": &graphql.Field{
				Type: graphql.String,
				Resolve: func(p graphql.ResolveParams) (any, error) {
					m, ok := p.Source.(*domain.SomeModel)
					if !ok {
						return nil, nil
					}
					return m.Name, nil
				},
			},
		},
	})

	subscriptionFields := ModelSubscription{Model: (&domain.SomeModel{}).ModelName(), Type: someModelType}.Fields()
	subscriptionFields["hello"] = &graphql.Field{
		Type:      graphql.String,
		Subscribe: func(graphql.ResolveParams) (any, error) { return helloWorld, nil },
		Resolve:   resolveSource,
	}
	subscriptionFields["customSubscription"] = &graphql.Field{
		Type:    graphql.String,
		Resolve: resolveSource,
		Subscribe: func(p graphql.ResolveParams) (any, error) {
			return SubscribeTopic(p, "customSubscription", func(s *stream.Stream) *stream.Stream {
				return s.Filter(func(v any) (bool, error) {
					ev, ok := v.(domain.Event)
					return ok && ev.Operation == domain.Custom, nil
				}).Map(eventPayload)
			})
		},
	}
	subscriptionFields["someModelUpdatedCustom"] = &graphql.Field{
		Type:    someModelType,
		Args:    graphql.FieldConfigArgument{"id": &graphql.ArgumentConfig{Type: graphql.String}},
		Resolve: resolveSource,
		Subscribe: func(p graphql.ResolveParams) (any, error) {
			id, _ := p.Args["id"].(string)
			return SubscribeTopic(p, "modelUpdated."+id, func(s *stream.Stream) *stream.Stream {
				return s.Map(eventPayload)
			})
		},
	}

	query := graphql.NewObject(graphql.ObjectConfig{
		Name: "Query",
		Fields: graphql.Fields{
			"base": &graphql.Field{Type: graphql.String},
			"viewer": &graphql.Field{
				Type: graphql.String,
				Resolve: func(p graphql.ResolveParams) (any, error) {
					if id, ok := auth.FromContext(p.Context); ok {
						return id.Subject, nil
					}
					return nil, nil
				},
			},
			"someModel": &graphql.Field{
				Type: someModelType,
				Args: idArgs(),
				Resolve: func(p graphql.ResolveParams) (any, error) {
					if store == nil {
						return nil, ErrNoStore
					}
					id, err := modelID(p.Args)
					if err != nil {
						return nil, err
					}
					return store.Get(p.Context, id)
				},
			},
		},
	})

	mutation := graphql.NewObject(graphql.ObjectConfig{
		Name: "Mutation",
		Fields: graphql.Fields{
			"createSomeModel": &graphql.Field{
				Type: someModelType,
				Args: graphql.FieldConfigArgument{
					"name": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
				},
				Resolve: func(p graphql.ResolveParams) (any, error) {
					if store == nil {
						return nil, ErrNoStore
					}
					name, _ := p.Args["name"].(string)
					return store.Create(p.Context, name)
				},
			},
			"updateSomeModel": &graphql.Field{
				Type: someModelType,
				Args: graphql.FieldConfigArgument{
					"id":   &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.ID)},
					"name": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
				},
				Resolve: func(p graphql.ResolveParams) (any, error) {
					if store == nil {
						return nil, ErrNoStore
					}
					id, err := modelID(p.Args)
					if err != nil {
						return nil, err
					}
					name, _ := p.Args["name"].(string)
					return store.Update(p.Context, id, name)
				},
			},
			"deleteSomeModel": &graphql.Field{
				Type: someModelType,
				Args: idArgs(),
				Resolve: func(p graphql.ResolveParams) (any, error) {
					if store == nil {
						return nil, ErrNoStore
					}
					id, err := modelID(p.Args)
					if err != nil {
						return nil, err
					}
					return store.Delete(p.Context, id)
				},
			},
		},
	})

	return graphql.NewSchema(graphql.SchemaConfig{
		Query:    query,
		Mutation: mutation,
		Subscription: graphql.NewObject(graphql.ObjectConfig{
			Name:   "Subscription",
			Fields: subscriptionFields,
		}),
	})
}

func idArgs() graphql.FieldConfigArgument {
	return graphql.FieldConfigArgument{
		"id": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.ID)},
	}
}

func modelID(args map[string]any) (int64, error) {
	raw := fmt.Sprint(args["id"])
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return id, nil
}
