// Package api hosts the HTTP server, middleware, and REST handlers. Notable
// routes:
//   - GET /healthz and /readyz for probes; /readyz fails once admission has
//     halted.
//   - GET /metrics for Prometheus scraping.
//   - /v1/records for record CRUD, persisted through the snapshotter after
//     every mutation.
//   - POST /v1/requests to queue a vehicle check.
//   - /v1/chat/{requester_id}/messages to talk to the bot and collect its
//     notifications.
//   - GET /v1/solver/balance for the captcha solver balance.
package api
