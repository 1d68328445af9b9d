package grpc

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/transmute/capability"
	"github.com/teranos/transmute/errors"
)

// DefaultStartTimeout bounds how long a launched process may take to listen
const DefaultStartTimeout = 30 * time.Second

// Launcher starts process capabilities and connects to them.
// It implements capability.Loader for KindProcess.
type Launcher struct {
	logger       *zap.SugaredLogger
	startTimeout time.Duration

	mu       sync.Mutex
	nextPort int // 0 asks the OS for a free port
}

// NewLauncher creates a launcher allocating ports upward from basePort
func NewLauncher(basePort int, startTimeout time.Duration, logger *zap.SugaredLogger) *Launcher {
	if startTimeout <= 0 {
		startTimeout = DefaultStartTimeout
	}
	return &Launcher{
		logger:       logger.Named("process"),
		startTimeout: startTimeout,
		nextPort:     basePort,
	}
}

// Load implements capability.Loader
func (l *Launcher) Load(ctx context.Context, m *capability.Manifest) (capability.Capability, error) {
	port, err := l.allocatePort()
	if err != nil {
		return nil, err
	}
	addr := fmt.Sprintf("127.0.0.1:%d", port)

	cmd, err := l.launch(m, port)
	if err != nil {
		return nil, err
	}
	l.logger.Infow("Launched capability process", "capability", m.Name, "port", port, "pid", cmd.Process.Pid)

	stop := func() {
		cmd.Process.Kill()
		cmd.Wait()
	}

	if err := waitForPort(ctx, addr, l.startTimeout); err != nil {
		stop()
		return nil, errors.Wrapf(err, "capability %s failed to start (entry=%s, addr=%s)", m.Name, m.Entry, addr)
	}

	describeCtx, cancel := context.WithTimeout(ctx, l.startTimeout)
	defer cancel()
	proxy, err := Dial(describeCtx, addr, l.logger)
	if err != nil {
		stop()
		return nil, err
	}
	proxy.cmd = cmd
	if proxy.info.Version == "" {
		proxy.info.Version = m.Version
	}
	return proxy, nil
}

// allocatePort hands out sequential ports, or a free one when no base is set
func (l *Launcher) allocatePort() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.nextPort > 0 {
		port := l.nextPort
		l.nextPort++
		return port, nil
	}

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, errors.Wrap(err, "failed to find a free port")
	}
	defer lis.Close()
	return lis.Addr().(*net.TCPAddr).Port, nil
}

// launch starts the entry executable. The process outlives the load
// context and is stopped by Proxy.Close.
func (l *Launcher) launch(m *capability.Manifest, port int) (*exec.Cmd, error) {
	entry := m.EntryPath()
	args := append([]string{"--port", strconv.Itoa(port)}, m.Args...)

	cmd := exec.Command(entry, args...)
	cmd.Dir = m.Dir
	cmd.Env = os.Environ()
	for key, value := range m.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", key, value))
	}

	cmd.Stdout = &outputLogger{logger: l.logger, name: m.Name, level: "info"}
	cmd.Stderr = &outputLogger{logger: l.logger, name: m.Name, level: "error"}

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "failed to start capability %s (entry=%s, args=%v)", m.Name, entry, args)
	}
	return cmd, nil
}

// waitForPort waits for a TCP listener at addr
func waitForPort(ctx context.Context, addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		conn, err := net.DialTimeout("tcp", addr, time.Second)
		if err == nil {
			conn.Close()
			return nil
		}

		time.Sleep(100 * time.Millisecond)
	}

	return errors.Mark(errors.Newf("timeout waiting for capability at %s", addr), errors.ErrTimeout)
}

// outputLogger forwards child output line by line
type outputLogger struct {
	logger *zap.SugaredLogger
	name   string
	level  string

	mu  sync.Mutex
	buf strings.Builder
}

func (o *outputLogger) Write(p []byte) (n int, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.buf.Write(p)
	for {
		line, rest, found := strings.Cut(o.buf.String(), "\n")
		if !found {
			break
		}
		o.buf.Reset()
		o.buf.WriteString(rest)

		if line = strings.TrimSpace(line); line != "" {
			if o.level == "error" {
				o.logger.Errorw("Capability output", "capability", o.name, "message", line)
			} else {
				o.logger.Infow("Capability output", "capability", o.name, "message", line)
			}
		}
	}
	return len(p), nil
}
