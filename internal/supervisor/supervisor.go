// Package supervisor manages the pool of dev-server child processes: one
// Vite instance per active project, each bound to a port from a fixed
// range. The supervisor owns the port pool, the instance table, readiness
// probing, crash reaping, and idle eviction.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/exec"
	"sync"
	"time"

	"github.com/omniflow/previewd/internal/adapter/outbound/pkgmgr"
)

// Status is an instance lifecycle state.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
)

// ErrNoCapacity is returned when every port in the range is in use.
var ErrNoCapacity = errors.New("no available ports: all instance slots are in use")

// ErrStartupTimeout is returned when a child never answers its readiness
// probe within the startup deadline.
var ErrStartupTimeout = errors.New("dev server not ready before startup deadline")

// readyProbeInterval is how often the readiness probe polls a starting
// instance.
const readyProbeInterval = 200 * time.Millisecond

// Config holds the supervisor's tunables.
type Config struct {
	BasePort       int
	MaxInstances   int
	IdleTimeout    time.Duration // default 30m
	StartupTimeout time.Duration // default 60s
	StopGrace      time.Duration // default 5s
	SweepInterval  time.Duration // default 60s

	BunBinary  string
	TaggerDep  string
	PublicHost string
	HTTPS      bool
}

// Installer is the slice of the package manager the pre-flight check needs.
type Installer interface {
	Ensure(ctx context.Context, dir string) pkgmgr.Result
}

// Info is a read-only snapshot of one instance.
type Info struct {
	ProjectID  string    `json:"projectId"`
	Port       int       `json:"port"`
	Status     Status    `json:"status"`
	PID        int       `json:"pid,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
	LastActive time.Time `json:"lastActive"`
}

type instance struct {
	projectID  string
	dir        string
	port       int
	status     Status
	pid        int
	startedAt  time.Time
	lastActive time.Time
	cmd        *exec.Cmd
	done       chan struct{} // closed when the child has been reaped
}

func (i *instance) info() Info {
	return Info{
		ProjectID:  i.projectID,
		Port:       i.port,
		Status:     i.status,
		PID:        i.pid,
		StartedAt:  i.startedAt,
		LastActive: i.lastActive,
	}
}

// Supervisor runs and tracks dev-server instances.
type Supervisor struct {
	cfg       Config
	installer Installer
	logger    *slog.Logger
	metrics   *Metrics
	events    *eventBus
	client    *http.Client

	mu        sync.Mutex
	instances map[string]*instance
	ports     *portPool

	stopSweep chan struct{}
	sweepDone chan struct{}

	// newCommand and probe are swapped in tests.
	newCommand func(dir string, port int) *exec.Cmd
	probe      func(ctx context.Context, port int) bool
}

// New creates a Supervisor and starts its idle sweeper.
func New(cfg Config, installer Installer, metrics *Metrics, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	if cfg.StartupTimeout == 0 {
		cfg.StartupTimeout = 60 * time.Second
	}
	if cfg.StopGrace == 0 {
		cfg.StopGrace = 5 * time.Second
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = 60 * time.Second
	}

	s := &Supervisor{
		cfg:       cfg,
		installer: installer,
		logger:    logger,
		metrics:   metrics,
		events:    newEventBus(),
		client:    &http.Client{Timeout: time.Second},
		instances: make(map[string]*instance),
		ports:     newPortPool(cfg.BasePort, cfg.MaxInstances),
		stopSweep: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	s.newCommand = s.bunCommand
	s.probe = s.headProbe
	s.updateGauges()

	go s.sweepLoop()
	return s
}

// Subscribe returns a lifecycle event stream plus a cancel func.
func (s *Supervisor) Subscribe() (<-chan Event, func()) {
	return s.events.subscribe()
}

// Start launches a dev server for projectID in dir, or returns the
// existing instance with a refreshed activity timestamp.
func (s *Supervisor) Start(ctx context.Context, projectID, dir string) (Info, error) {
	now := time.Now()

	s.mu.Lock()
	if inst, ok := s.instances[projectID]; ok {
		inst.lastActive = now
		info := inst.info()
		s.mu.Unlock()
		return info, nil
	}
	port, ok := s.ports.acquire()
	if !ok {
		s.mu.Unlock()
		return Info{}, ErrNoCapacity
	}
	inst := &instance{
		projectID:  projectID,
		dir:        dir,
		port:       port,
		status:     StatusStarting,
		startedAt:  now,
		lastActive: now,
		done:       make(chan struct{}),
	}
	s.instances[projectID] = inst
	s.mu.Unlock()
	s.updateGauges()

	if err := s.launch(ctx, inst); err != nil {
		s.remove(inst)
		return Info{}, err
	}

	s.mu.Lock()
	inst.status = StatusRunning
	info := inst.info()
	s.mu.Unlock()

	// The child may have died between the readiness probe and the status
	// transition; the reaper saw "starting" and left cleanup to us.
	select {
	case <-inst.done:
		s.remove(inst)
		return Info{}, fmt.Errorf("dev server for %s exited during startup", projectID)
	default:
	}

	s.logger.Info("instance running", "project_id", projectID, "port", port, "pid", info.PID)
	s.events.publish(Event{Type: EventStarted, ProjectID: projectID, Port: port})
	if s.metrics != nil {
		s.metrics.StartsTotal.Inc()
	}
	s.updateGauges()
	return info, nil
}

func (s *Supervisor) launch(ctx context.Context, inst *instance) error {
	if err := s.preflight(ctx, inst.projectID, inst.dir); err != nil {
		return err
	}

	cmd := s.newCommand(inst.dir, inst.port)
	cmd.Stdout = &logWriter{bus: s.events, projectID: inst.projectID, stream: "stdout"}
	cmd.Stderr = &logWriter{bus: s.events, projectID: inst.projectID, stream: "stderr"}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawning dev server: %w", err)
	}

	s.mu.Lock()
	inst.cmd = cmd
	inst.pid = cmd.Process.Pid
	s.mu.Unlock()
	s.logger.Info("dev server spawned", "project_id", inst.projectID, "port", inst.port, "pid", inst.pid)

	go s.reap(inst)

	if err := s.awaitReady(ctx, inst); err != nil {
		_ = cmd.Process.Kill()
		<-inst.done
		return err
	}
	return nil
}

// reap waits for the child to exit. A child that dies outside a Stop call
// is a crash: the record is dropped and the port released, no restart.
func (s *Supervisor) reap(inst *instance) {
	err := inst.cmd.Wait()
	code := 0
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.ExitCode()
	}
	close(inst.done)

	s.mu.Lock()
	status := inst.status
	current := s.instances[inst.projectID] == inst
	s.mu.Unlock()

	s.events.publish(Event{Type: EventExit, ProjectID: inst.projectID, ExitCode: code})

	if !current || status == StatusStopping {
		return // Stop or the startup failure path owns cleanup
	}
	if status == StatusRunning {
		s.logger.Warn("instance crashed", "project_id", inst.projectID, "port", inst.port, "exit_code", code)
		if s.metrics != nil {
			s.metrics.CrashesTotal.Inc()
		}
		s.remove(inst)
	}
}

func (s *Supervisor) awaitReady(ctx context.Context, inst *instance) error {
	deadline := time.NewTimer(s.cfg.StartupTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(readyProbeInterval)
	defer tick.Stop()

	for {
		if s.probe(ctx, inst.port) {
			return nil
		}
		select {
		case <-inst.done:
			return fmt.Errorf("dev server for %s exited during startup", inst.projectID)
		case <-deadline.C:
			return fmt.Errorf("%w: %s after %s", ErrStartupTimeout, inst.projectID, s.cfg.StartupTimeout)
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}

// headProbe considers the dev server ready once it answers HTTP at all:
// Vite serves 200 for the root and 404 for unknown paths, both fine.
func (s *Supervisor) headProbe(ctx context.Context, port int) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, fmt.Sprintf("http://localhost:%d/", port), nil)
	if err != nil {
		return false
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNotFound
}

func (s *Supervisor) bunCommand(dir string, port int) *exec.Cmd {
	cmd := exec.Command(s.cfg.BunBinary, "run", "vite",
		"--host", "0.0.0.0",
		"--port", fmt.Sprintf("%d", port),
		"--strictPort",
	)
	cmd.Dir = dir
	cmd.Env = append(cmd.Environ(), "NODE_ENV=development")
	return cmd
}

// Stop gracefully terminates projectID's instance: terminate signal, a
// grace period, then a hard kill. Unknown projects are a no-op.
func (s *Supervisor) Stop(projectID string) error {
	s.mu.Lock()
	inst, ok := s.instances[projectID]
	if !ok || inst.status == StatusStopping {
		s.mu.Unlock()
		return nil
	}
	inst.status = StatusStopping
	cmd := inst.cmd
	port := inst.port
	s.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		_ = sendGracefulStop(cmd.Process)
		select {
		case <-inst.done:
		case <-time.After(s.cfg.StopGrace):
			s.logger.Warn("instance ignored graceful stop, killing", "project_id", projectID, "pid", inst.pid)
			_ = cmd.Process.Kill()
			<-inst.done
		}
	}

	s.remove(inst)
	s.logger.Info("instance stopped", "project_id", projectID, "port", port)
	s.events.publish(Event{Type: EventStopped, ProjectID: projectID, Port: port})
	return nil
}

// remove drops the record and releases its port.
func (s *Supervisor) remove(inst *instance) {
	s.mu.Lock()
	if s.instances[inst.projectID] == inst {
		delete(s.instances, inst.projectID)
	}
	s.ports.release(inst.port)
	s.mu.Unlock()
	s.updateGauges()
}

// MarkActive refreshes the instance's idle timer. Safe for unknown ids.
func (s *Supervisor) MarkActive(projectID string) {
	s.mu.Lock()
	if inst, ok := s.instances[projectID]; ok {
		inst.lastActive = time.Now()
	}
	s.mu.Unlock()
}

// Get returns a snapshot of projectID's instance.
func (s *Supervisor) Get(projectID string) (Info, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[projectID]
	if !ok {
		return Info{}, false
	}
	return inst.info(), true
}

// All returns snapshots of every instance.
func (s *Supervisor) All() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Info, 0, len(s.instances))
	for _, inst := range s.instances {
		out = append(out, inst.info())
	}
	return out
}

// RunningCount returns the number of running instances.
func (s *Supervisor) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, inst := range s.instances {
		if inst.status == StatusRunning {
			n++
		}
	}
	return n
}

// PortsAvailable returns the number of free ports in the pool.
func (s *Supervisor) PortsAvailable() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ports.available()
}

// PreviewURL returns the public URL for a project's preview.
func (s *Supervisor) PreviewURL(projectID string) string {
	scheme := "http"
	if s.cfg.HTTPS {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/p/%s/", scheme, s.cfg.PublicHost, projectID)
}

// HmrURL returns the public WebSocket URL for a project's HMR channel.
func (s *Supervisor) HmrURL(projectID string) string {
	scheme := "ws"
	if s.cfg.HTTPS {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s/hmr/%s", scheme, s.cfg.PublicHost, projectID)
}

// Destroy stops the sweeper, terminates all instances concurrently, and
// closes the event stream.
func (s *Supervisor) Destroy() {
	close(s.stopSweep)
	<-s.sweepDone

	s.mu.Lock()
	ids := make([]string, 0, len(s.instances))
	for id := range s.instances {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_ = s.Stop(id)
		}(id)
	}
	wg.Wait()
	s.events.close()
}

// sweepLoop stops instances whose last activity is older than the idle
// timeout.
func (s *Supervisor) sweepLoop() {
	defer close(s.sweepDone)
	tick := time.NewTicker(s.cfg.SweepInterval)
	defer tick.Stop()

	for {
		select {
		case <-s.stopSweep:
			return
		case <-tick.C:
			s.sweepIdle()
		}
	}
}

func (s *Supervisor) sweepIdle() {
	cutoff := time.Now().Add(-s.cfg.IdleTimeout)

	s.mu.Lock()
	var idle []string
	for id, inst := range s.instances {
		if inst.status == StatusRunning && inst.lastActive.Before(cutoff) {
			idle = append(idle, id)
		}
	}
	s.mu.Unlock()

	for _, id := range idle {
		s.logger.Info("stopping idle instance", "project_id", id, "idle_timeout", s.cfg.IdleTimeout)
		_ = s.Stop(id)
	}
}

func (s *Supervisor) updateGauges() {
	if s.metrics == nil {
		return
	}
	s.mu.Lock()
	running := 0
	for _, inst := range s.instances {
		if inst.status == StatusRunning {
			running++
		}
	}
	free := s.ports.available()
	s.mu.Unlock()
	s.metrics.InstancesRunning.Set(float64(running))
	s.metrics.PortsFree.Set(float64(free))
}
