// Package api exposes the fleet manager over HTTP/JSON.
//
// Every response carries the uniform operation envelope: an HTTP-shaped
// status code, an optional data payload, and a human-readable detail on
// failure. Command endpoints are thin adapters; validation and domain
// rules live in the command and query handlers.
//
// GET /api/v1/events streams the live event feed as Server-Sent Events,
// optionally filtered by worker_id and type query parameters. Delivery
// is lossy: a consumer that cannot keep up misses events instead of
// backpressuring the relay.
//
// The operational endpoints /metrics, /health, /ready and /livez are
// mounted on the same listener.
package api
