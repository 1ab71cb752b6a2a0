package consts

// Subprotocol is the websocket subprotocol token the server accepts.
const Subprotocol = "graphql-ws"

// Message types of the graphql-ws protocol.
const (
	GQLConnectionInit      = "connection_init"
	GQLConnectionAck       = "connection_ack"
	GQLStart               = "start"
	GQLStop                = "stop"
	GQLData                = "data"
	GQLConnectionTerminate = "connection_terminate"
)

// Close codes sent by the server.
const (
	CloseNormal       = 1000
	CloseUnauthorized = 4401
)

// HTTP routes.
const (
	RouteGraphQL  = "/graphql"
	RouteTriggers = "/api/triggers"
	RouteHealth   = "/healthz"
)
