package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"stagehand/internal/config"
	"stagehand/internal/logging"
	"stagehand/internal/services"
	"stagehand/internal/stageexec"
)

// Kind classifies what a session runs.
type Kind string

const (
	KindWatcher  Kind = "watcher"
	KindMonitor  Kind = "monitor"
	KindDenoise  Kind = "denoise"
	KindTransfer Kind = "transfer"
	KindExternal Kind = "external"
)

const killGrace = 5 * time.Second

// Task is the body of an in-process session. The context is cancelled when
// the session is killed; the logger writes to the session's log file.
type Task func(ctx context.Context, logger *slog.Logger) error

// Spec names a session and the directories it is bound to.
type Spec struct {
	Name      string
	Kind      Kind
	WatchDir  string
	OutputDir string
}

// Info is a point-in-time snapshot of one session.
type Info struct {
	Name      string
	Kind      Kind
	WatchDir  string
	OutputDir string
	LogPath   string
	PID       int
	Running   bool
	StartedAt time.Time
	Err       string
}

type session struct {
	spec    Spec
	logPath string
	started time.Time

	cancel context.CancelFunc
	pid    int

	done    chan struct{}
	doneErr error
}

// Registry tracks every live and finished session of a run.
type Registry struct {
	cfg    *config.Config
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// NewRegistry builds an empty registry.
func NewRegistry(cfg *config.Config, logger *slog.Logger) *Registry {
	return &Registry{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "session"),
		sessions: make(map[string]*session),
	}
}

func (r *Registry) register(sess *session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.sessions[sess.spec.Name]; ok {
		select {
		case <-existing.done:
			// Finished session of the same name is replaced.
		default:
			return services.Wrap(services.ErrStageLaunch, "session", "start",
				fmt.Sprintf("session %q is already running", sess.spec.Name), nil)
		}
	}
	r.sessions[sess.spec.Name] = sess
	return nil
}

// StartTask launches an in-process session running task on its own goroutine.
func (r *Registry) StartTask(ctx context.Context, spec Spec, task Task) (Info, error) {
	logger, logPath, err := logging.NewSessionLogger(r.cfg, spec.Name)
	if err != nil {
		return Info{}, services.Wrap(services.ErrStageLaunch, "session", "start", "open session log", err)
	}

	taskCtx, cancel := context.WithCancel(ctx)
	taskCtx = services.WithSession(taskCtx, spec.Name)
	sess := &session{
		spec:    spec,
		logPath: logPath,
		started: time.Now(),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	if err := r.register(sess); err != nil {
		cancel()
		return Info{}, err
	}

	r.logger.Info("session started",
		logging.String(logging.FieldSession, spec.Name),
		logging.String("kind", string(spec.Kind)),
	)

	go func() {
		defer close(sess.done)
		defer cancel()
		sess.doneErr = task(taskCtx, logger)
		if sess.doneErr != nil {
			r.logger.Warn("session finished with error",
				logging.String(logging.FieldSession, spec.Name),
				logging.Error(sess.doneErr),
			)
			return
		}
		r.logger.Info("session finished", logging.String(logging.FieldSession, spec.Name))
	}()

	return r.snapshot(sess), nil
}

// StartProcess launches a detached external child in its own process group,
// with both output streams appended to the session log. The child outlives
// registry cancellation and is only stopped through Kill.
func (r *Registry) StartProcess(spec Spec, command stageexec.Command) (Info, error) {
	logPath := logging.SessionLogPath(r.cfg, spec.Name)
	var logFile *os.File
	if logPath != "" {
		if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
			return Info{}, services.Wrap(services.ErrStageLaunch, "session", "start", "create session log dir", err)
		}
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return Info{}, services.Wrap(services.ErrStageLaunch, "session", "start", "open session log", err)
		}
		logFile = f
	}

	cmd := exec.Command(command.Binary, command.Args...) //nolint:gosec
	cmd.Dir = command.Dir
	if len(command.Env) > 0 {
		cmd.Env = append(os.Environ(), command.Env...)
	}
	if logFile != nil {
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			_ = logFile.Close()
		}
		return Info{}, services.Wrap(services.ErrStageLaunch, "session", "start",
			fmt.Sprintf("start %s", command.Binary), err)
	}

	sess := &session{
		spec:    spec,
		logPath: logPath,
		started: time.Now(),
		pid:     cmd.Process.Pid,
		done:    make(chan struct{}),
	}
	if err := r.register(sess); err != nil {
		_ = unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
		if logFile != nil {
			_ = logFile.Close()
		}
		return Info{}, err
	}

	r.logger.Info("detached session started",
		logging.String(logging.FieldSession, spec.Name),
		logging.String("command", command.String()),
		logging.Int("pid", sess.pid),
	)

	go func() {
		defer close(sess.done)
		sess.doneErr = cmd.Wait()
		if logFile != nil {
			_ = logFile.Close()
		}
		if sess.doneErr != nil {
			r.logger.Warn("detached session exited with error",
				logging.String(logging.FieldSession, spec.Name),
				logging.Error(sess.doneErr),
			)
			return
		}
		r.logger.Info("detached session exited", logging.String(logging.FieldSession, spec.Name))
	}()

	return r.snapshot(sess), nil
}

// List returns snapshots of every known session, sorted by name.
func (r *Registry) List() []Info {
	r.mu.Lock()
	sessions := make([]*session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.mu.Unlock()

	infos := make([]Info, 0, len(sessions))
	for _, sess := range sessions {
		infos = append(infos, r.snapshot(sess))
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Get returns the snapshot of a named session.
func (r *Registry) Get(name string) (Info, bool) {
	r.mu.Lock()
	sess, ok := r.sessions[name]
	r.mu.Unlock()
	if !ok {
		return Info{}, false
	}
	return r.snapshot(sess), true
}

// Wait blocks until the named session finishes and returns its error.
func (r *Registry) Wait(ctx context.Context, name string) error {
	r.mu.Lock()
	sess, ok := r.sessions[name]
	r.mu.Unlock()
	if !ok {
		return services.Wrap(services.ErrNotFound, "session", "wait", name, nil)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-sess.done:
		return sess.doneErr
	}
}

// Kill tears down one session by name. In-process sessions get their context
// cancelled; detached sessions get SIGTERM to the process group, then
// SIGKILL after a grace period.
func (r *Registry) Kill(name string) error {
	r.mu.Lock()
	sess, ok := r.sessions[name]
	r.mu.Unlock()
	if !ok {
		return services.Wrap(services.ErrNotFound, "session", "kill", name, nil)
	}
	r.kill(sess)
	return nil
}

// KillAll tears down every running session and returns how many were
// signalled.
func (r *Registry) KillAll() int {
	r.mu.Lock()
	sessions := make([]*session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.mu.Unlock()

	killed := 0
	for _, sess := range sessions {
		select {
		case <-sess.done:
			continue
		default:
		}
		r.kill(sess)
		killed++
	}
	return killed
}

func (r *Registry) kill(sess *session) {
	r.logger.Info("killing session", logging.String(logging.FieldSession, sess.spec.Name))
	if sess.cancel != nil {
		sess.cancel()
		return
	}
	if sess.pid <= 0 {
		return
	}
	if err := unix.Kill(-sess.pid, unix.SIGTERM); err != nil {
		return
	}
	go func() {
		select {
		case <-sess.done:
		case <-time.After(killGrace):
			_ = unix.Kill(-sess.pid, unix.SIGKILL)
		}
	}()
}

func (r *Registry) snapshot(sess *session) Info {
	info := Info{
		Name:      sess.spec.Name,
		Kind:      sess.spec.Kind,
		WatchDir:  sess.spec.WatchDir,
		OutputDir: sess.spec.OutputDir,
		LogPath:   sess.logPath,
		PID:       sess.pid,
		StartedAt: sess.started,
		Running:   true,
	}
	select {
	case <-sess.done:
		info.Running = false
		if sess.doneErr != nil {
			info.Err = sess.doneErr.Error()
		}
	default:
	}
	return info
}
