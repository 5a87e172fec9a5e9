package cluster

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"go.uber.org/zap/zapio"

	"github.com/vyrodovalexey/avaroute/internal/observability"
)

// AddrEnv is the environment variable carrying a worker's listen address.
const AddrEnv = "AVAROUTE_WORKER_ADDR"

// addrPlaceholder in an argument is replaced with the worker's address.
const addrPlaceholder = "{addr}"

// Process launcher defaults.
const (
	DefaultReadyTimeout      = 10 * time.Second
	defaultReadyInitialDelay = 20 * time.Millisecond
	defaultReadyMaxDelay     = 500 * time.Millisecond
	readyDialTimeout         = 250 * time.Millisecond
)

// ProcessLauncher runs each worker as a child process listening on a free
// port of Host.
type ProcessLauncher struct {
	Command      string
	Args         []string
	Env          []string
	Host         string
	ReadyTimeout time.Duration
	Logger       observability.Logger
}

// Launch implements Launcher.
func (l *ProcessLauncher) Launch(ctx context.Context) (Worker, error) {
	host := l.Host
	if host == "" {
		host = "127.0.0.1"
	}
	logger := l.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}

	port, err := freePort(host)
	if err != nil {
		return nil, fmt.Errorf("allocate worker port: %w", err)
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	args := make([]string, len(l.Args))
	for i, a := range l.Args {
		args[i] = strings.ReplaceAll(a, addrPlaceholder, addr)
	}

	//nolint:gosec // command comes from operator configuration
	cmd := exec.Command(l.Command, args...)
	cmd.Env = append(append(os.Environ(), l.Env...), AddrEnv+"="+addr)

	out := &zapio.Writer{
		Log:   logger.Zap().With(zap.String("worker_addr", addr)),
		Level: zap.InfoLevel,
	}
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Start(); err != nil {
		_ = out.Close()
		return nil, fmt.Errorf("start worker %q: %w", l.Command, err)
	}

	w := &processWorker{
		addr: addr,
		cmd:  cmd,
		done: make(chan struct{}),
	}
	go w.wait(out)

	timeout := l.ReadyTimeout
	if timeout <= 0 {
		timeout = DefaultReadyTimeout
	}
	if err := waitReady(ctx, addr, timeout, w.Done()); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = w.Stop(stopCtx)
		return nil, fmt.Errorf("worker %s not ready: %w", addr, err)
	}

	logger.Info("worker process started",
		observability.String("address", addr),
		observability.Int("pid", cmd.Process.Pid),
	)
	return w, nil
}

type processWorker struct {
	addr string
	cmd  *exec.Cmd
	done chan struct{}

	mu  sync.Mutex
	err error
}

func (w *processWorker) wait(out *zapio.Writer) {
	err := w.cmd.Wait()
	_ = out.Close()

	w.mu.Lock()
	if err == nil {
		err = errors.New("worker process exited")
	}
	w.err = err
	w.mu.Unlock()

	close(w.done)
}

func (w *processWorker) Address() string {
	return w.addr
}

func (w *processWorker) Done() <-chan struct{} {
	return w.done
}

func (w *processWorker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Stop sends SIGTERM and kills the process if it outlives ctx.
func (w *processWorker) Stop(ctx context.Context) error {
	select {
	case <-w.done:
		return nil
	default:
	}

	if err := w.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		_ = w.cmd.Process.Kill()
	}

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		_ = w.cmd.Process.Kill()
		<-w.done
		return ctx.Err()
	}
}

func freePort(host string) (int, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// waitReady dials addr with exponential backoff until it accepts a
// connection, the timeout passes, or the process exits.
func waitReady(ctx context.Context, addr string, timeout time.Duration, exited <-chan struct{}) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = defaultReadyInitialDelay
	eb.MaxInterval = defaultReadyMaxDelay
	eb.MaxElapsedTime = timeout

	dialer := net.Dialer{Timeout: readyDialTimeout}

	return backoff.Retry(func() error {
		select {
		case <-exited:
			return backoff.Permanent(errors.New("worker exited during startup"))
		default:
		}
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		return conn.Close()
	}, backoff.WithContext(eb, ctx))
}
