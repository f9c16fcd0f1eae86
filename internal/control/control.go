package control

import (
	"context"
)

// Runner is a background loop owned by the Watcher.
type Runner interface {
	// Start launches the loop and returns once it is running
	Start(ctx context.Context) error

	// Stop cancels the loop and waits for it to exit
	Stop()
}

// Pinger reports whether an external dependency is reachable.
type Pinger interface {
	Health(ctx context.Context) error
}
