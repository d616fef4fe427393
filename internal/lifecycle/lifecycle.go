package lifecycle

import "sync/atomic"

var (
	shuttingDown     atomic.Bool
	gatewayConnected atomic.Bool
)

// SetShuttingDown sets the shutdown flag. Call when SIGTERM/SIGINT received.
// Health handler returns 503 with status shutting-down while true.
func SetShuttingDown(v bool) {
	shuttingDown.Store(v)
}

// IsShuttingDown returns true if the process is draining and should not receive new traffic.
func IsShuttingDown() bool {
	return shuttingDown.Load()
}

// SetGatewayConnected records whether the chat gateway session is live.
// The worker flips it on READY and clears it when the session ends.
func SetGatewayConnected(v bool) {
	gatewayConnected.Store(v)
}

// IsGatewayConnected reports whether the chat gateway session is live.
func IsGatewayConnected() bool {
	return gatewayConnected.Load()
}
