// Package gateway orchestrates the sandbox-gateway server components.
//
// # Overview
//
// The Gateway struct owns every long-lived component: the SQLite event
// archive, the workspace session registry, the idle reaper, the event
// broadcaster, the conversation service, and the HTTP server. New wires
// them; Run serves until the context is cancelled, then shuts everything
// down in order.
//
// # HTTP API
//
// Endpoints, registered in api.go:
//
//   - POST /conversation - Create/resume a conversation (SSE streaming response)
//   - GET /workspace/:wid/conversations/:cid/events - Archived timeline
//   - GET /workspace/:wid/conversations/:cid/state - State snapshot
//   - GET /workspace/:wid/project/file?file_path=... - Workspace file read
//   - GET /workspace/:wid/vscode - Embedded editor info
//   - DELETE /workspace/:wid/vscode - Force-stop the sandbox
//   - GET /health, /health/ready - Liveness and readiness
//
// # SSE Streaming
//
// POST /conversation responds as Server-Sent Events:
//
//	event: vscode-info
//	data: {"url": "...", "ttl_seconds": 1800}
//
//	event: conversation-ready
//	data: {"workspace_id": "...", "conversation_id": "...", "state": "running"}
//
//	event: agent-event
//	data: {"seq": 3, "kind": "agent_action", "data": {...}}
//
//	event: conversation-finished
//	data: {"seq": 5, "state": "finished"}
//
// Event names: vscode-info, conversation-ready, message-queued, agent-event,
// conversation-finished, error.
//
// # Authentication
//
// When auth.jwt_secret is configured, API routes require a Bearer JWT.
// Health endpoints are always open.
//
// # Error Mapping
//
// Package sentinel errors map to HTTP statuses in sendMappedError:
// validation and path escapes are 400, missing entities 404, state and
// reference-count conflicts 409, sandbox start failures 503.
package gateway
