// Package api provides the admin HTTP REST API for TasmoLink.
//
// It exposes device registry operations, relay commands, discovery session
// control and health/metrics endpoints. Routing is built on chi; responses
// are JSON throughout, errors in a structured envelope.
//
// The server follows the same lifecycle pattern as the infrastructure
// components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: all methods are safe for concurrent use.
package api
