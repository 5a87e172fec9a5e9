package cluster

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/vyrodovalexey/avaroute/internal/observability"
	"github.com/vyrodovalexey/avaroute/internal/worker"
)

// errWorkerCrashed is the exit reason of a crashed in-process worker.
var errWorkerCrashed = errors.New("in-process worker crashed")

// InProcessLauncher serves each worker from an HTTP server in this process.
type InProcessLauncher struct {
	// Host is the listen host; defaults to 127.0.0.1.
	Host string
	// Handler builds the worker handler; defaults to worker.NewServer.
	Handler func(name string) http.Handler
	Logger  observability.Logger

	mu       sync.Mutex
	seq      int
	launched []*InProcessWorker
}

// Launch implements Launcher.
func (l *InProcessLauncher) Launch(_ context.Context) (Worker, error) {
	host := l.Host
	if host == "" {
		host = "127.0.0.1"
	}
	lis, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.seq++
	name := "worker-" + strconv.Itoa(l.seq)
	l.mu.Unlock()

	var handler http.Handler
	if l.Handler != nil {
		handler = l.Handler(name)
	} else {
		handler = worker.NewServer(name)
	}

	w := &InProcessWorker{
		name: name,
		addr: lis.Addr().String(),
		srv: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		done: make(chan struct{}),
	}
	go w.serve(lis)

	l.mu.Lock()
	l.launched = append(l.launched, w)
	l.mu.Unlock()

	if l.Logger != nil {
		l.Logger.Info("in-process worker started",
			observability.String("worker", name),
			observability.String("address", w.addr),
		)
	}
	return w, nil
}

// Launched returns every worker started so far, oldest first.
func (l *InProcessLauncher) Launched() []*InProcessWorker {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*InProcessWorker(nil), l.launched...)
}

// InProcessWorker is a worker served by an http.Server in this process.
type InProcessWorker struct {
	name string
	addr string
	srv  *http.Server
	done chan struct{}

	mu      sync.Mutex
	err     error
	stopped bool
}

func (w *InProcessWorker) serve(lis net.Listener) {
	err := w.srv.Serve(lis)

	w.mu.Lock()
	if !w.stopped || !errors.Is(err, http.ErrServerClosed) {
		if errors.Is(err, http.ErrServerClosed) {
			err = errWorkerCrashed
		}
		w.err = err
	}
	w.mu.Unlock()

	close(w.done)
}

// Name returns the worker name.
func (w *InProcessWorker) Name() string {
	return w.name
}

// Address implements Worker.
func (w *InProcessWorker) Address() string {
	return w.addr
}

// Done implements Worker.
func (w *InProcessWorker) Done() <-chan struct{} {
	return w.done
}

// Err implements Worker.
func (w *InProcessWorker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Stop implements Worker with a graceful shutdown.
func (w *InProcessWorker) Stop(ctx context.Context) error {
	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()

	err := w.srv.Shutdown(ctx)
	if err != nil {
		_ = w.srv.Close()
	}
	<-w.done
	return err
}

// Crash closes the server abruptly, as an unexpected exit.
func (w *InProcessWorker) Crash() {
	_ = w.srv.Close()
	<-w.done
}
