package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ctrlai/ledger/internal/archive"
	"github.com/ctrlai/ledger/internal/audit"
	"github.com/ctrlai/ledger/internal/config"
	"github.com/ctrlai/ledger/internal/feed"
	"github.com/ctrlai/ledger/internal/inbox"
	"github.com/ctrlai/ledger/internal/metrics"
	"github.com/ctrlai/ledger/internal/reconcile"
	"github.com/ctrlai/ledger/internal/scheduler"
	"github.com/ctrlai/ledger/internal/verifier"
)

// Scheduled job names, also accepted by `ledger jobs run`.
const (
	jobVerify      = "verify"
	jobExport      = "export"
	jobReplication = "replication"
)

// ============================================================================
// ledger serve
// ============================================================================

// serveCmd runs the long-lived ledger process.
//
// The server binds to the address from config.yaml (default 127.0.0.1:3200):
//   - /metrics       Prometheus metrics
//   - /health        status and the last verification result
//   - /feed          websocket live feed (if enabled)
//   - /jobs/{name}   POST, loopback only: run a job now
//   - /shutdown      POST, loopback only: graceful stop
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run scheduled jobs, the batch inbox and the HTTP endpoints",
	Long: `Run the ledger server. It verifies the chain, exports closed days and
polls archive replication on independent timers, merges batch files dropped
into the inbox directory, and serves /metrics, /health and /feed.

Quarantine changes made with 'ledger device quarantine' take effect
immediately: the server watches quarantine.yaml.`,
	RunE: runServe,
}

// server holds everything runServe wires together.
type server struct {
	sched   *scheduler.Scheduler
	hub     *feed.Hub
	metrics *metrics.Metrics
	inbox   *inbox.Inbox
	last    atomic.Pointer[verifier.Result]
	stop    context.CancelFunc
}

// runServe wires the ledger together:
//
//  1. Load config and open the event store and archive object store
//  2. Load the device quarantine list and registry
//  3. Build the verifier, reconciler, exporter and replication monitor,
//     each reporting to metrics and the live feed
//  4. Register the scheduled jobs
//  5. Start the inbox worker and the config/inbox file watcher
//  6. Serve HTTP and block until SIGINT/SIGTERM or POST /shutdown
func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stopSignals := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// --- Step 1: Storage ---
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	objects, err := openObjects(ctx, cfg)
	if err != nil {
		return err
	}

	// --- Step 2: Devices ---
	quarantine, err := openQuarantine()
	if err != nil {
		return err
	}
	registry, err := openRegistry()
	if err != nil {
		return err
	}

	srv := &server{
		hub:     feed.New(),
		metrics: metrics.New(),
		stop:    cancel,
	}

	// --- Step 3: Components ---
	v := verifier.New(st)
	v.OnResult = func(trigger string, r audit.Range, res verifier.Result) {
		srv.last.Store(&res)
		srv.metrics.ObserveVerification(trigger, r, res)
		srv.hub.Verification(trigger, r, res)
	}

	rec := reconcile.New(st, quarantine)
	rec.OnRecord = func(r audit.MergeRecord) {
		registry.RecordMerge(r)
		if err := registry.Save(); err != nil {
			slog.Warn("failed to save device registry", "error", err)
		}
		srv.metrics.ObserveMerge(r)
		srv.hub.Merge(r)
	}

	exporter := newExporter(st, objects, cfg)
	exporter.OnExport = func(a audit.ArchiveMetadata) {
		srv.metrics.ObserveExport(a)
		srv.hub.Export(a)
	}

	monitor := archive.NewReplicationMonitor(st, objects)
	monitor.OnUpdate = func(a audit.ArchiveMetadata) {
		srv.metrics.ObserveReplication(a)
		srv.hub.Replication(a)
	}

	// --- Step 4: Jobs ---
	srv.sched = scheduler.New(
		scheduler.Job{
			Name:       jobVerify,
			Interval:   config.Interval(cfg.Schedule.VerifyIntervalMinutes),
			RunAtStart: true,
			Run: func(ctx context.Context) error {
				// A broken chain is a finding, not a job failure.
				_, err := v.Verify(ctx, audit.Range{}, verifier.TriggerScheduled)
				return err
			},
		},
		scheduler.Job{
			Name:       jobExport,
			Interval:   config.Interval(cfg.Schedule.ExportIntervalMinutes),
			RunAtStart: true,
			Run: func(ctx context.Context) error {
				_, err := exporter.ExportPending(ctx)
				return err
			},
		},
		scheduler.Job{
			Name:     jobReplication,
			Interval: config.Interval(cfg.Schedule.ReplicationIntervalMinutes),
			Run: func(ctx context.Context) error {
				_, err := monitor.Poll(ctx)
				return err
			},
		},
	)
	srv.sched.OnRun = func(name string, took time.Duration, err error) {
		srv.metrics.ObserveJob(name, took, err)
		srv.hub.Job(name, took, err)
	}

	// --- Step 5: Inbox and file watcher ---
	targets := config.WatchTargets{
		OnQuarantineChange: func() {
			if err := quarantine.Reload(); err != nil {
				slog.Warn("failed to reload quarantine list", "error", err)
				return
			}
			slog.Info("quarantine list reloaded", "devices", len(quarantine.List()))
		},
	}
	inboxDir := ""
	if cfg.Inbox.Enabled {
		srv.inbox, err = inbox.New(cfg.Inbox.Dir, cfg.Inbox.Patterns, rec)
		if err != nil {
			return fmt.Errorf("failed to initialize inbox: %w", err)
		}
		inboxDir = srv.inbox.Dir()
		targets.OnInboxFile = srv.inbox.Enqueue
	}
	watcher, err := config.NewWatcher(configDir, inboxDir, targets)
	if err != nil {
		return fmt.Errorf("failed to start file watcher: %w", err)
	}
	defer watcher.Close()

	// --- Step 6: HTTP ---
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           srv.routes(cfg.Feed.Enabled),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		srv.hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return srv.sched.Start(gctx)
	})
	if srv.inbox != nil {
		g.Go(func() error {
			return srv.inbox.Run(gctx)
		})
	}
	g.Go(func() error {
		slog.Info("ledger server listening", "addr", httpServer.Addr, "version", version)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if saveErr := registry.Save(); saveErr != nil {
		slog.Warn("failed to save device registry", "error", saveErr)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("ledger server stopped")
	return nil
}

// routes builds the HTTP mux.
func (s *server) routes(feedEnabled bool) http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /metrics", s.metrics.Handler())
	mux.HandleFunc("GET /health", s.handleHealth)
	if feedEnabled {
		mux.Handle("GET /feed", s.hub)
	}
	mux.HandleFunc("POST /jobs/{name}", s.handleJob)
	mux.HandleFunc("POST /shutdown", s.handleShutdown)

	return mux
}

// healthResponse is the body of GET /health.
type healthResponse struct {
	Status           string           `json:"status"`
	Version          string           `json:"version"`
	Jobs             []string         `json:"jobs"`
	Inbox            string           `json:"inbox,omitempty"`
	FeedClients      int              `json:"feed_clients"`
	LastVerification *verifier.Result `json:"last_verification,omitempty"`
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:           "ok",
		Version:          version,
		Jobs:             s.sched.Jobs(),
		Inbox:            s.inboxDir(),
		FeedClients:      s.hub.Clients(),
		LastVerification: s.last.Load(),
	})
}

func (s *server) inboxDir() string {
	if s.inbox == nil {
		return ""
	}
	return s.inbox.Dir()
}

// handleJob runs a scheduled job now and waits for it.
// POST /jobs/{name}
func (s *server) handleJob(w http.ResponseWriter, r *http.Request) {
	if !isLoopback(r.RemoteAddr) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	name := r.PathValue("name")
	start := time.Now()

	err := s.sched.Trigger(r.Context(), name)
	switch {
	case errors.Is(err, scheduler.ErrUnknownJob):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, scheduler.ErrJobRunning):
		http.Error(w, err.Error(), http.StatusConflict)
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusOK, map[string]string{
			"status":   "ok",
			"job":      name,
			"duration": time.Since(start).String(),
		})
	}
}

// handleShutdown triggers a graceful stop. Loopback only.
// POST /shutdown
func (s *server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if !isLoopback(r.RemoteAddr) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "shutting_down"})
	s.stop()
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}

// isLoopback reports whether remoteAddr ("ip:port") is a loopback address.
func isLoopback(remoteAddr string) bool {
	host := remoteAddr
	if idx := strings.LastIndex(remoteAddr, ":"); idx != -1 {
		host = remoteAddr[:idx]
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")

	return host == "::1" || strings.HasPrefix(host, "127.")
}

// ============================================================================
// ledger stop, status and jobs talk to a running server.
// ============================================================================

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running ledger server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		resp, err := serverRequest(cmd.Context(), cfg, http.MethodPost, "/shutdown", 5*time.Second)
		if err != nil {
			return fmt.Errorf("server is not responding at %s: %w", cfg.Server.Addr(), err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("stop refused: %s", resp.Status)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "[ledger] Stop signal sent to server")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server status and the last verification result",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()

		resp, err := serverRequest(cmd.Context(), cfg, http.MethodGet, "/health", 2*time.Second)
		if err != nil {
			fmt.Fprintln(out, "[ledger] Status: NOT RUNNING")
			fmt.Fprintf(out, "[ledger] Expected at: http://%s\n", cfg.Server.Addr())
			return nil
		}
		defer resp.Body.Close()

		var h healthResponse
		if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
			return fmt.Errorf("could not parse health response: %w", err)
		}
		fmt.Fprintln(out, "[ledger] Status: RUNNING")
		fmt.Fprintf(out, "[ledger] Listening on: http://%s (version %s)\n", cfg.Server.Addr(), h.Version)
		fmt.Fprintf(out, "[ledger] Jobs: %s\n", strings.Join(h.Jobs, ", "))
		if h.Inbox != "" {
			fmt.Fprintf(out, "[ledger] Inbox: %s\n", h.Inbox)
		}
		fmt.Fprintf(out, "[ledger] Feed clients: %d\n", h.FeedClients)
		if lv := h.LastVerification; lv != nil {
			fmt.Fprintf(out, "[ledger] Last verification: %s (%d events)\n", lv.Status, lv.EventsVerified)
			if lv.Status == audit.VerificationBroken {
				fmt.Fprintf(out, "[ledger] INTEGRITY VIOLATION at event %s (position %d)\n", lv.BrokenEventID, lv.Position)
			}
		}
		return nil
	},
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Trigger a job on a running server",
}

func init() {
	jobsCmd.AddCommand(jobsRunCmd)
}

var jobsRunCmd = &cobra.Command{
	Use:       "run <verify|export|replication>",
	Short:     "Run a scheduled job now and wait for it",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{jobVerify, jobExport, jobReplication},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		resp, err := serverRequest(cmd.Context(), cfg, http.MethodPost, "/jobs/"+args[0], 0)
		if err != nil {
			return fmt.Errorf("server is not responding at %s: %w", cfg.Server.Addr(), err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("job %s: %s", args[0], strings.TrimSpace(string(body)))
		}
		fmt.Fprintf(cmd.OutOrStdout(), "[ledger] Job %s completed\n", args[0])
		return nil
	},
}

// serverRequest calls the running server. A zero timeout waits as long as
// ctx allows.
func serverRequest(ctx context.Context, cfg *config.Config, method, path string, timeout time.Duration) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, "http://"+cfg.Server.Addr()+path, nil)
	if err != nil {
		return nil, err
	}
	client := &http.Client{Timeout: timeout}
	return client.Do(req)
}
