// Package circuitbreaker guards calls to backends with a per-backend
// CLOSED/OPEN/HALF_OPEN state machine.
//
// State transitions are pure functions of a Record and the current time;
// the Manager applies them through a Store with atomic read-modify-write.
// MemoryStore keeps state per process. RedisStore shares one circuit view
// between every router process using optimistic WATCH/MULTI transactions.
//
//	m := circuitbreaker.NewManager(circuitbreaker.DefaultConfig(), circuitbreaker.NewMemoryStore(),
//	    circuitbreaker.WithLogger(logger),
//	)
//	err := m.Execute(ctx, backendID, func(ctx context.Context) error {
//	    return callBackend(ctx)
//	})
//
// Records are created on the first failure and deleted with the backend.
package circuitbreaker
