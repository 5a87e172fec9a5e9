// Package backend holds the registry of backend workers and the strategies
// used to pick one of them for each request.
//
// The Registry is the authoritative in-memory table of backends and their
// live metrics. Every mutation is a single critical section, and List and
// Healthy return value snapshots, so readers never observe a backend
// mid-update:
//
//	registry := backend.NewRegistry(logger)
//	b := backend.New("127.0.0.1:9001", 1)
//	_ = registry.Register(b)
//
// Connection accounting goes through leases. Release is idempotent, so a
// deferred Release and an explicit one never double-decrement:
//
//	lease, err := registry.Acquire(b.ID)
//	if err != nil {
//	    return err
//	}
//	defer lease.Release()
//
// The Selector implements the routing strategies over the healthy snapshot:
// round robin, weighted round robin, least connections, response time,
// adaptive composite score, and sticky session hashing.
package backend
