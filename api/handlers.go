// Package api exposes the subscription engine over HTTP: the graphql-ws
// websocket endpoint, one-shot GraphQL over POST and trigger ingestion.
package api

import (
	"bytes"
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/coder/websocket"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"subscription-service/auth"
	"subscription-service/bus"
	"subscription-service/codec"
	"subscription-service/events"
	"subscription-service/internal/consts"
	"subscription-service/schema"
	"subscription-service/session"
	"subscription-service/subscription"
)

const maxBodySize = 1 << 20

// Deps is everything the routes need.
type Deps struct {
	Bus       bus.Bus
	Codec     *codec.Codec
	Executor  session.Executor
	Publisher *events.Publisher
	// Auth validates Authorization headers and connection_init credentials.
	// Nil disables authentication.
	Auth session.Authenticator
	// Session is the per-connection handshake config. Its Auth is taken
	// from Deps.Auth.
	Session session.Config
	// TriggerToken guards POST /api/triggers. The route is not registered
	// when it is empty.
	TriggerToken string
	// Dedupe drops triggers whose Idempotency-Key was already accepted.
	// Optional.
	Dedupe Deduper
	Logger *log.Logger
}

// Register wires up all routes on the provided Echo instance.
func Register(e *echo.Echo, d Deps) {
	if d.Logger == nil {
		d.Logger = log.StandardLogger()
	}
	d.Session.Auth = d.Auth

	e.GET(consts.RouteGraphQL, serveWebSocket(d))
	e.POST(consts.RouteGraphQL, postGraphQL(d.Executor, d.Auth), limitBody(maxBodySize))
	if d.TriggerToken != "" {
		e.POST(consts.RouteTriggers, postTrigger(d.Publisher, d.TriggerToken, d.Dedupe, d.Logger), limitBody(maxBodySize))
	}
	e.GET(consts.RouteHealth, healthz)
}

func healthz(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

// identity resolves the Authorization header when one is sent. A missing
// header is not an error; an invalid one is.
func identity(c echo.Context, a session.Authenticator) (context.Context, error) {
	ctx := c.Request().Context()
	h := c.Request().Header.Get(echo.HeaderAuthorization)
	if a == nil || h == "" {
		return ctx, nil
	}
	id, err := a.IdentityFromHeader(h)
	if err != nil {
		return nil, err
	}
	return auth.WithIdentity(ctx, id), nil
}

func serveWebSocket(d Deps) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, err := identity(c, d.Auth)
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
			Subprotocols:   []string{consts.Subprotocol},
			OriginPatterns: []string{"*"},
		})
		if err != nil {
			// Accept already wrote the error response
			d.Logger.WithError(err).Debug("websocket accept")
			return nil
		}
		defer conn.CloseNow()

		reg := subscription.New(d.Bus, d.Codec, d.Logger)
		sess := session.New(session.NewWebSocket(conn), d.Executor, reg, d.Session, d.Logger)
		entry := d.Logger.WithFields(log.Fields{
			"connection": reg.ID(),
			"remote":     c.RealIP(),
		})
		entry.Debug("websocket connected")

		err = sess.Serve(ctx)
		switch {
		case err == nil,
			errors.Is(err, session.ErrUnauthorized),
			errors.Is(err, context.Canceled),
			websocket.CloseStatus(err) == websocket.StatusNormalClosure,
			websocket.CloseStatus(err) == websocket.StatusGoingAway:
			entry.WithError(err).Debug("websocket disconnected")
		default:
			entry.WithError(err).Warn("websocket disconnected")
		}
		return nil
	}
}

func postGraphQL(exec session.Executor, a session.Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, err := identity(c, a)
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		data, err := readBody(c)
		if err != nil {
			return err
		}
		dec := sonic.ConfigStd.NewDecoder(bytes.NewReader(data))
		var req schema.Request
		if err := dec.Decode(&req); err != nil || strings.TrimSpace(req.Query) == "" {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if schema.OperationType(req) == "subscription" {
			return c.String(http.StatusBadRequest, "subscriptions require a websocket connection")
		}

		res := exec.Execute(ctx, req)
		return c.JSON(http.StatusOK, res.Payload)
	}
}

func postTrigger(pub *events.Publisher, token string, dedupe Deduper, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		parts := strings.SplitN(c.Request().Header.Get(echo.HeaderAuthorization), " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" || subtle.ConstantTimeCompare([]byte(parts[1]), []byte(token)) != 1 {
			return c.NoContent(http.StatusUnauthorized)
		}

		data, err := readBody(c)
		if err != nil {
			return err
		}
		dec := sonic.ConfigStd.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		var req events.Request
		if err := dec.Decode(&req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}

		ctx := c.Request().Context()
		key := c.Request().Header.Get(HeaderIdempotencyKey)
		if dedupe != nil && key != "" {
			added, err := dedupe.Add(ctx, key)
			if err != nil {
				logger.WithError(err).Error("trigger dedupe failed")
				return c.String(http.StatusInternalServerError, "failed to publish trigger")
			}
			if !added {
				return c.NoContent(http.StatusOK)
			}
		}

		err = pub.TriggerRequest(ctx, req)
		if err != nil && dedupe != nil && key != "" {
			if rerr := dedupe.Remove(ctx, key); rerr != nil {
				logger.WithError(rerr).WithField("key", key).Warn("release idempotency key")
			}
		}
		switch {
		case err == nil:
			return c.NoContent(http.StatusAccepted)
		case errors.Is(err, events.ErrInvalidTrigger):
			return c.String(http.StatusBadRequest, err.Error())
		default:
			logger.WithError(err).WithField("topic", req.Topic).Error("trigger publish failed")
			return c.String(http.StatusInternalServerError, "failed to publish trigger")
		}
	}
}
