// Package schema adapts graphql-go to the session engine and defines the
// service's GraphQL schema.
package schema

import (
	"context"
	"fmt"
	"sync"

	"github.com/graphql-go/graphql"
	"github.com/graphql-go/graphql/gqlerrors"
	"github.com/graphql-go/graphql/language/ast"
	"github.com/graphql-go/graphql/language/parser"
	log "github.com/sirupsen/logrus"
)

// Request is one GraphQL operation as sent by a client.
type Request struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
}

// Payload is the body of a data message. Errors is null when there are none.
type Payload struct {
	Data   any      `json:"data"`
	Errors []string `json:"errors"`
}

// Result is either a single payload or a stream of them. Stream is closed
// when the subscription ends or its context is cancelled.
type Result struct {
	Payload Payload
	Stream  <-chan Payload
}

// Streaming reports whether the result keeps producing payloads.
func (r Result) Streaming() bool { return r.Stream != nil }

// Executor runs operations against a schema.
type Executor struct {
	schema graphql.Schema
	logger *log.Entry
}

func NewExecutor(s graphql.Schema, logger *log.Logger) *Executor {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Executor{schema: s, logger: logger.WithField("component", "graphql")}
}

// OperationType returns "query", "mutation" or "subscription" for the
// operation req selects, or "" when it cannot be determined.
func OperationType(req Request) string {
	doc, err := parser.Parse(parser.ParseParams{Source: req.Query})
	if err != nil {
		return ""
	}
	var ops []*ast.OperationDefinition
	for _, def := range doc.Definitions {
		if op, ok := def.(*ast.OperationDefinition); ok {
			ops = append(ops, op)
		}
	}
	for _, op := range ops {
		if req.OperationName == "" && len(ops) == 1 {
			return op.Operation
		}
		if op.Name != nil && op.Name.Value == req.OperationName {
			return op.Operation
		}
	}
	return ""
}

// Execute runs req with ctx as the resolver context. Errors never escape as Go
// errors; they end up in Payload.Errors.
func (e *Executor) Execute(ctx context.Context, req Request) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.WithField("panic", r).Error("graphql execution panicked")
			res = Result{Payload: Payload{Errors: []string{fmt.Sprint(r)}}}
		}
	}()

	params := graphql.Params{
		Schema:         e.schema,
		RequestString:  req.Query,
		OperationName:  req.OperationName,
		VariableValues: req.Variables,
		Context:        ctx,
	}
	if OperationType(req) == ast.OperationTypeSubscription {
		return Result{Stream: e.subscribe(ctx, params)}
	}
	return Result{Payload: toPayload(graphql.Do(params))}
}

// subscribe returns once the source is attached to its topic, the operation
// has produced its first result or it has ended. graphql-go runs the
// subscribe resolver on its own goroutine, so returning earlier would let an
// event published right after start go unobserved.
func (e *Executor) subscribe(ctx context.Context, params graphql.Params) <-chan Payload {
	attached := make(chan struct{})
	var once sync.Once
	params.Context = withAttached(ctx, func() { once.Do(func() { close(attached) }) })
	results := graphql.Subscribe(params)

	var first *graphql.Result
	ended := false
	select {
	case <-attached:
	case res, ok := <-results:
		first, ended = res, !ok
	case <-ctx.Done():
	}

	out := make(chan Payload)
	go func() {
		defer close(out)
		if first != nil {
			select {
			case out <- toPayload(first):
			case <-ctx.Done():
			}
		}
		if ended {
			return
		}
		// results must be drained until closed or its producer leaks.
		for res := range results {
			select {
			case out <- toPayload(res):
			case <-ctx.Done():
			}
		}
	}()
	return out
}

func toPayload(res *graphql.Result) Payload {
	if res == nil {
		return Payload{}
	}
	return Payload{Data: res.Data, Errors: errorStrings(res.Errors)}
}

func errorStrings(errs []gqlerrors.FormattedError) []string {
	if len(errs) == 0 {
		return nil
	}
	out := make([]string, len(errs))
	for i, err := range errs {
		out[i] = err.Message
	}
	return out
}
