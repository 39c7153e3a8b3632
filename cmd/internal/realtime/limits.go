package realtime

import "time"

// Security/performance limits for the presence channel.
const (
	// Max bytes per websocket frame read (hard limit). The presence channel
	// carries no meaningful client->server traffic, so this stays small.
	maxFrameBytes = 16 << 10 // 16 KiB
)

const (
	// Heartbeat defaults (can be overridden by env in gateway.go).
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection inbound frame limits (frames per window). Inbound frames
	// are ignored on this channel, but a peer flooding them gets cut off.
	rateLimitFrames = 60
	rateLimitWindow = 10 * time.Second
)
