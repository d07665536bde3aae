package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/insightd/internal/config"
	"github.com/insightd/internal/controller"
	"github.com/insightd/internal/health"
	"github.com/insightd/internal/insight"
	"github.com/insightd/internal/notify"
	"github.com/insightd/internal/orchestrator"
	"github.com/insightd/pkg/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

const (
	SocketName = "insightd.sock"
	PidFile    = "insightd.pid"
	LogFile    = "insightd.log"

	// recentEvents is how many notifications the status command reports.
	recentEvents = 50
)

// Event is a notification as reported over the control socket.
type Event struct {
	InsightID string          `json:"insight_id"`
	Kind      string          `json:"kind"`
	State     string          `json:"state,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Bytes     int             `json:"bytes,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	At        time.Time       `json:"at"`
}

// Status represents the current daemon status
type Status struct {
	Running    bool                   `json:"running"`
	PID        int                    `json:"pid"`
	StartTime  time.Time              `json:"start_time"`
	Uptime     string                 `json:"uptime"`
	ConfigPath string                 `json:"config_path"`
	Host       string                 `json:"host"`
	Engine     insight.Snapshot       `json:"engine"`
	Latency    health.LatencySnapshot `json:"latency"`
	Events     []Event                `json:"events,omitempty"`
}

// Command represents a command sent to the daemon
type Command struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
	// Payloads asks status to include insight payloads in events.
	Payloads bool `json:"payloads,omitempty"`
}

// Response represents a response from the daemon
type Response struct {
	Success bool            `json:"success"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Daemon wires the insight engine to its control socket, metrics server,
// connectivity checker and config watcher.
type Daemon struct {
	cfg        *config.Config
	configPath string

	creds    *config.CredentialStore
	registry *prometheus.Registry
	metrics  *health.Metrics
	checker  *health.Checker
	queue    *notify.Queue
	loop     *controller.Loop
	server   *health.Server

	mu        sync.RWMutex
	events    []Event
	startTime time.Time

	cancel     context.CancelFunc
	listener   net.Listener
	socketPath string
	logFile    *os.File
}

// GetRuntimeDir returns the runtime directory for insightd
func GetRuntimeDir() string {
	if dir := os.Getenv("INSIGHTD_RUNTIME_DIR"); dir != "" {
		return dir
	}
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "insightd")
	}
	return filepath.Join(os.TempDir(), "insightd")
}

// GetSocketPath returns the full path to the socket file
func GetSocketPath() string {
	return filepath.Join(GetRuntimeDir(), SocketName)
}

// GetPidPath returns the full path to the pid file
func GetPidPath() string {
	return filepath.Join(GetRuntimeDir(), PidFile)
}

// GetLogPath returns the full path to the log file
func GetLogPath() string {
	return filepath.Join(GetRuntimeDir(), LogFile)
}

// New creates a new daemon instance. configPath is watched for credential
// changes when non-empty.
func New(cfg *config.Config, configPath string) (*Daemon, error) {
	runtimeDir := GetRuntimeDir()
	if err := os.MkdirAll(runtimeDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create runtime directory: %w", err)
	}

	logFile, err := os.OpenFile(GetLogPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	return &Daemon{
		cfg:        cfg,
		configPath: configPath,
		creds:      config.NewCredentialStore(cfg.API.Credentials()),
		socketPath: GetSocketPath(),
		logFile:    logFile,
	}, nil
}

// Run starts every component and blocks until ctx is done, a stop command
// arrives, or a component fails.
func (d *Daemon) Run(ctx context.Context) error {
	defer d.logFile.Close()
	prevOut := log.Writer()
	log.SetOutput(io.MultiWriter(prevOut, d.logFile))
	defer log.SetOutput(prevOut)

	log.Printf("[daemon] starting insightd (pid %d)", os.Getpid())

	if err := os.WriteFile(GetPidPath(), []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		return fmt.Errorf("failed to write pid file: %w", err)
	}
	defer os.Remove(GetPidPath())

	// Remove a stale socket left by a crashed instance.
	os.Remove(d.socketPath)

	var err error
	d.listener, err = net.Listen("unix", d.socketPath)
	if err != nil {
		return fmt.Errorf("failed to create socket: %w", err)
	}
	defer os.Remove(d.socketPath)

	var metricsListener net.Listener
	if d.cfg.Metrics.Enabled {
		metricsListener, err = net.Listen("tcp", d.cfg.Metrics.Address)
		if err != nil {
			d.listener.Close()
			return fmt.Errorf("failed to listen for metrics: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	d.mu.Lock()
	d.cancel = cancel
	d.mu.Unlock()

	d.build()
	d.startTime = time.Now()

	d.checker.Start(ctx)
	defer d.checker.Stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return d.loop.Run(gctx) })
	g.Go(func() error { return d.logNotifications(gctx) })
	g.Go(func() error { return d.acceptConnections(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		return d.listener.Close()
	})

	if metricsListener != nil {
		g.Go(func() error { return d.server.Serve(metricsListener) })
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return d.server.Stop(shutdownCtx)
		})
	}

	if d.configPath != "" {
		w, err := config.NewWatcher(d.configPath, d.creds, config.WithOnReload(func(c *config.Config) {
			log.Printf("[daemon] credentials reloaded from %s", d.configPath)
		}))
		if err != nil {
			log.Printf("[daemon] config watcher disabled: %v", err)
		} else {
			g.Go(func() error { return w.Run(gctx) })
		}
	}

	g.Go(func() error {
		for _, id := range d.cfg.Insights {
			if err := d.loop.Track(gctx, id); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("[daemon] track %s: %v", id, err)
			}
		}
		return nil
	})

	log.Printf("[daemon] listening on %s", d.socketPath)

	err = g.Wait()
	log.Printf("[daemon] stopped")
	return err
}

// build creates the network context and its collaborators.
func (d *Daemon) build() {
	d.registry = prometheus.NewRegistry()
	d.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	d.metrics = health.NewMetrics(d.registry)

	d.checker = health.NewChecker(d.cfg.Health, func() string {
		return d.creds.Credentials().Host()
	}, d.metrics)

	machine := protocol.NewMachine(protocol.ClientConfig{
		TLSInsecure:    d.cfg.Network.TLSInsecure,
		AcceptEncoding: d.cfg.Network.AcceptEncoding,
		DialTimeout:    d.cfg.Network.DialTimeout,
		IOSlice:        d.cfg.Network.IOSlice,
		ReadBufferSize: d.cfg.Network.ReadBufferSize,
	})
	orch := orchestrator.New(d.cfg.Retry, machine, d.metrics)

	var opts []insight.Option
	if d.cfg.Breaker.Enabled {
		opts = append(opts, insight.WithBreaker(insight.NewBreaker(d.cfg.Breaker)))
	}
	d.queue = notify.NewQueue()
	engine := insight.NewEngine(d.cfg.Cache, d.cfg.Retry, orch, d.queue, d.creds, d.checker, d.metrics, opts...)
	d.loop = controller.NewLoop(engine, d.cfg.Network.PollInterval)

	d.server = health.NewServer(d.cfg.Metrics, d.registry, d.checker.Ready)
}

// logNotifications is the presentation context of a headless daemon: it
// writes every notification to the log and keeps the most recent ones for
// status queries.
func (d *Daemon) logNotifications(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.queue.Ready():
			for _, n := range d.queue.Drain() {
				log.Printf("[notify] %s", n)
				d.record(n)
			}
		}
	}
}

func (d *Daemon) record(n notify.Notification) {
	ev := Event{
		InsightID: n.InsightID,
		Kind:      n.Kind.String(),
		State:     string(n.State),
		Reason:    n.Reason,
		Bytes:     len(n.Payload),
		At:        n.At,
	}
	if n.Kind == notify.KindDataAvailable && json.Valid(n.Payload) {
		ev.Payload = n.Payload
	}

	d.mu.Lock()
	d.events = append(d.events, ev)
	if len(d.events) > recentEvents {
		d.events = append([]Event(nil), d.events[len(d.events)-recentEvents:]...)
	}
	d.mu.Unlock()
}

// GetStatus returns the current status
func (d *Daemon) GetStatus(ctx context.Context, payloads bool) (Status, error) {
	snap, err := d.loop.Snapshot(ctx)
	if err != nil {
		return Status{}, err
	}

	d.mu.RLock()
	events := make([]Event, len(d.events))
	copy(events, d.events)
	d.mu.RUnlock()

	if !payloads {
		for i := range events {
			events[i].Payload = nil
		}
	}

	return Status{
		Running:    true,
		PID:        os.Getpid(),
		StartTime:  d.startTime,
		Uptime:     time.Since(d.startTime).Round(time.Second).String(),
		ConfigPath: d.configPath,
		Host:       d.creds.Credentials().Host(),
		Engine:     snap,
		Latency:    d.metrics.Latency(),
		Events:     events,
	}, nil
}

// Stop asks a running daemon to shut down.
func (d *Daemon) Stop() {
	log.Printf("[daemon] stopping...")
	d.mu.RLock()
	cancel := d.cancel
	d.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
}

func (d *Daemon) acceptConnections(ctx context.Context) error {
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Printf("[daemon] accept error: %v", err)
			continue
		}
		go d.handleConnection(ctx, conn)
	}
}

func (d *Daemon) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))

	decoder := json.NewDecoder(conn)
	encoder := json.NewEncoder(conn)

	var cmd Command
	if err := decoder.Decode(&cmd); err != nil {
		encoder.Encode(Response{Success: false, Message: err.Error()})
		return
	}

	encoder.Encode(d.execute(ctx, cmd))
}

func (d *Daemon) execute(ctx context.Context, cmd Command) Response {
	switch cmd.Type {
	case "status":
		status, err := d.GetStatus(ctx, cmd.Payloads)
		if err != nil {
			return Response{Success: false, Message: err.Error()}
		}
		data, err := json.Marshal(status)
		if err != nil {
			return Response{Success: false, Message: err.Error()}
		}
		return Response{Success: true, Data: data}

	case "track":
		if err := d.loop.Track(ctx, cmd.ID); err != nil {
			return Response{Success: false, Message: err.Error()}
		}
		return Response{Success: true, Message: "Tracking " + cmd.ID}

	case "refresh":
		if err := d.loop.Refresh(ctx, cmd.ID); err != nil {
			return Response{Success: false, Message: err.Error()}
		}
		return Response{Success: true, Message: "Refreshing " + cmd.ID}

	case "stop":
		d.Stop()
		return Response{Success: true, Message: "Stopping daemon..."}

	default:
		return Response{Success: false, Message: "Unknown command: " + cmd.Type}
	}
}

// IsRunning checks if a daemon is already running
func IsRunning() bool {
	conn, err := net.Dial("unix", GetSocketPath())
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// SendCommand sends a command to the running daemon
func SendCommand(cmd Command) (*Response, error) {
	conn, err := net.Dial("unix", GetSocketPath())
	if err != nil {
		return nil, fmt.Errorf("daemon not running: %w", err)
	}
	defer conn.Close()

	encoder := json.NewEncoder(conn)
	decoder := json.NewDecoder(conn)

	if err := encoder.Encode(cmd); err != nil {
		return nil, fmt.Errorf("failed to send command: %w", err)
	}

	var resp Response
	if err := decoder.Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	return &resp, nil
}

// FetchStatus asks the running daemon for its status.
func FetchStatus(payloads bool) (*Status, error) {
	resp, err := SendCommand(Command{Type: "status", Payloads: payloads})
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, errors.New(resp.Message)
	}
	var status Status
	if err := json.Unmarshal(resp.Data, &status); err != nil {
		return nil, fmt.Errorf("failed to decode status: %w", err)
	}
	return &status, nil
}
