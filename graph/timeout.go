package graph

import "time"

// effectiveTimeout resolves a node's per-attempt timeout: an explicit
// NodeConfig.Timeout wins, otherwise the engine-wide default applies, and
// a zero default means no timeout at all.
func effectiveTimeout(nodeTimeout, engineDefault time.Duration) time.Duration {
	if nodeTimeout > 0 {
		return nodeTimeout
	}
	return engineDefault
}
