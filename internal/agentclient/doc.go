// Package agentclient is the HTTP client for the agent server running
// inside a sandbox container.
//
// The client speaks to the per-session forwarded port: health polling
// during startup, streaming turn execution over SSE, and the embedded
// editor URL lookup. Turn events arrive on a channel that closes when the
// agent yields or the stream breaks.
package agentclient
