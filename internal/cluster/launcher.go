package cluster

import (
	"context"
)

// Worker is a running backend instance.
type Worker interface {
	// Address is the host:port the worker serves on.
	Address() string
	// Done is closed when the worker has exited.
	Done() <-chan struct{}
	// Err reports why the worker exited. It is only meaningful after Done.
	Err() error
	// Stop terminates the worker, forcibly once ctx ends.
	Stop(ctx context.Context) error
}

// Launcher starts workers. Launch returns once the worker accepts
// connections.
type Launcher interface {
	Launch(ctx context.Context) (Worker, error)
}
