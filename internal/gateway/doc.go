// Package gateway orchestrates the dm-gateway server components.
//
// # Overview
//
// The gateway package wires the store, presence registry, hub, identity
// binder, resolver and dispatch engine together and serves them over HTTP
// (chi), WebSocket (coder/websocket) and an optional gRPC health endpoint.
//
// # HTTP API
//
// The gateway exposes HTTP endpoints in api.go:
//
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness check (store ping)
//   - POST /auth/login - Token for a bcrypt-checked password
//   - POST /auth/dev-login - Token for any username (dev only)
//   - GET /api/dm/conversations - The caller's conversations
//   - GET /api/dm/{id}/messages - Recent messages, oldest first
//   - GET /api/presence[/{username}] - Connected users
//   - GET /ws - WebSocket upgrade
//
// # WebSocket Protocol
//
// Every WebSocket message is one JSON frame:
//
//	{"command": "SEND", "destination": "/app/dm/bob/send", "headers": {...}, "body": {"content": "hi"}}
//
// The first frame must be CONNECT with an Authorization bearer header. A
// failed CONNECT gets an ERROR frame and a policy-violation close. After
// CONNECTED the client subscribes to /user/queue/dm/* style destinations and
// sends to /app/dm/{user}/send, /app/dm/{user}/open and /app/dm/{id}/read.
//
// # Lifecycle
//
// Start the gateway:
//
//	gw, err := gateway.New(cfg, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	go gw.Run(ctx)
//
// Graceful shutdown happens when ctx is canceled; Run returns after the
// servers have stopped and the store is closed.
//
// # Key Files
//
//   - gateway.go: Gateway struct, initialization, Run/Shutdown
//   - api.go: HTTP handlers
//   - ws.go: WebSocket frame loop
package gateway
