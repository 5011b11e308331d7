// Package gatewayhttp implements the gateway's HTTP surface: a JSON-RPC
// primary call path (POST) that multiplexes stateful sessions, a long-lived
// SSE stream path (GET), an idempotent close path (DELETE), and plain REST
// passthrough endpoints that reach the backend without session semantics.
//
// Routing is driven by three signals: the Gateway-Session-Id header, whether
// the payload is the session/open handshake, and the verb/path used.
package gatewayhttp
