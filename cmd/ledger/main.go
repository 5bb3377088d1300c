// Package main is the CLI entry point for the audit ledger: an append-only,
// hash-chained record of security events with scheduled verification,
// offline batch reconciliation and immutable daily archives.
//
// CLI commands (cobra):
//
//	ledger serve            - Run scheduled jobs, the batch inbox, /metrics and /feed
//	ledger stop             - Stop a running server
//	ledger status           - Show server status and last verification
//	ledger append           - Append one event to the chain
//	ledger tail             - Show the most recent events
//	ledger verify           - Verify chain integrity
//	ledger merge            - Merge an offline batch file
//	ledger export           - Export closed days to the archive store
//	ledger archives         - List archives, presign downloads, poll replication
//	ledger history          - Show verification and merge history
//	ledger device           - Inspect devices and manage quarantine
//	ledger jobs             - Trigger a job on a running server
//	ledger config           - View or initialize configuration
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ctrlai/ledger/internal/archive"
	"github.com/ctrlai/ledger/internal/audit"
	"github.com/ctrlai/ledger/internal/config"
	"github.com/ctrlai/ledger/internal/device"
	"github.com/ctrlai/ledger/internal/inbox"
	"github.com/ctrlai/ledger/internal/objectstore"
	"github.com/ctrlai/ledger/internal/reconcile"
	"github.com/ctrlai/ledger/internal/store"
	"github.com/ctrlai/ledger/internal/verifier"
)

// Build-time variables injected via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123 -X main.buildDate=2026-05-04"
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

const (
	configFile  = "config.yaml"
	devicesFile = "devices.yaml"
	dateLayout  = "2006-01-02"
)

// defaultConfigDir returns ~/.ledger, where config.yaml, quarantine.yaml,
// devices.yaml and (by default) the database, archives and inbox live.
func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ledger"
	}
	return filepath.Join(home, ".ledger")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ============================================================================
// Root command
// ============================================================================

// configDir is the global --config-dir flag.
var configDir string

var rootCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Tamper-evident audit ledger",
	Long: `ledger records security events as an append-only, hash-chained log.
Every event's hash covers its content and its predecessor's hash, so any
edit, insertion or deletion breaks the chain from that point on.

Run 'ledger serve' for scheduled verification, archival export, the
offline batch inbox and the metrics and live feed endpoints.`,
	Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&configDir,
		"config-dir",
		defaultConfigDir(),
		"Path to ledger config and state directory",
	)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(appendCmd)
	rootCmd.AddCommand(tailCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(mergeCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(archivesCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(deviceCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(configCmd)
}

// ============================================================================
// Shared setup
// ============================================================================

// loadConfig loads config.yaml from the config directory and installs the
// configured log level.
func loadConfig() (*config.Config, error) {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}
	cfg, err := config.Load(filepath.Join(configDir, configFile))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.Log.SlogLevel(),
	})))
	return cfg, nil
}

func openStore(cfg *config.Config) (*store.Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open event store: %w", err)
	}
	return st, nil
}

// openObjects returns the archive object store selected by storage.driver.
func openObjects(ctx context.Context, cfg *config.Config) (archive.ObjectStore, error) {
	switch cfg.Storage.Driver {
	case "s3":
		s3, err := objectstore.NewS3(ctx, objectstore.S3Options{
			Bucket:       cfg.Storage.Bucket,
			Region:       cfg.Storage.Region,
			Endpoint:     cfg.Storage.Endpoint,
			UsePathStyle: cfg.Storage.UsePathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize S3 archive store: %w", err)
		}
		return s3, nil
	default:
		local, err := objectstore.NewLocal(cfg.Storage.LocalDir)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize local archive store: %w", err)
		}
		return local, nil
	}
}

func newExporter(st *store.Store, objects archive.ObjectStore, cfg *config.Config) *archive.Exporter {
	return archive.NewExporter(st, objects, archive.Options{
		Prefix:           cfg.Storage.Prefix,
		RetentionGrace:   config.Days(cfg.Archive.RetentionGraceDays),
		CleanupRetention: config.Days(cfg.Archive.CleanupRetentionDays),
		LookbackDays:     cfg.Archive.LookbackDays,
	})
}

func openQuarantine() (*device.Quarantine, error) {
	q, err := device.NewQuarantine(filepath.Join(configDir, config.QuarantineFile))
	if err != nil {
		return nil, fmt.Errorf("failed to load quarantine list: %w", err)
	}
	return q, nil
}

func openRegistry() (*device.Registry, error) {
	r, err := device.NewRegistry(filepath.Join(configDir, devicesFile))
	if err != nil {
		return nil, fmt.Errorf("failed to load device registry: %w", err)
	}
	return r, nil
}

// parseTime accepts RFC 3339 (with optional fractional seconds) or a bare
// YYYY-MM-DD date, both read as UTC.
func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: use RFC 3339 or YYYY-MM-DD", s)
	}
	return t, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ============================================================================
// ledger append
// ============================================================================

var appendOpts struct {
	actor, action, entityType, entityID, correlationID, data, at string
}

// appendCmd links one event to the chain tail. Events that claim a time
// before the tail are refused; late events go through `ledger merge`.
var appendCmd = &cobra.Command{
	Use:   "append",
	Short: "Append one event to the chain",
	Long: `Append one event to the audit chain. The event is linked to the current
tail under the chain lock. An explicit --at earlier than the tail is
refused; offline events must be merged with 'ledger merge'.

Example:
  ledger append --actor alice --action role.grant --entity-type user --entity-id u-42 --data '{"role":"admin"}'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		e := audit.Event{
			Actor:         strings.TrimSpace(appendOpts.actor),
			Action:        strings.TrimSpace(appendOpts.action),
			EntityType:    appendOpts.entityType,
			EntityID:      appendOpts.entityID,
			CorrelationID: appendOpts.correlationID,
			EventData:     appendOpts.data,
		}
		if e.Actor == "" || e.Action == "" {
			return fmt.Errorf("--actor and --action are required")
		}
		if appendOpts.at != "" {
			if e.Timestamp, err = parseTime(appendOpts.at); err != nil {
				return err
			}
		}

		stored, err := st.Append(cmd.Context(), e)
		if err != nil {
			return fmt.Errorf("append failed: %w", err)
		}
		return printJSON(cmd.OutOrStdout(), stored)
	},
}

func init() {
	f := appendCmd.Flags()
	f.StringVar(&appendOpts.actor, "actor", "", "Who performed the action (required)")
	f.StringVar(&appendOpts.action, "action", "", "What was done (required)")
	f.StringVar(&appendOpts.entityType, "entity-type", "", "Type of the affected entity")
	f.StringVar(&appendOpts.entityID, "entity-id", "", "ID of the affected entity")
	f.StringVar(&appendOpts.correlationID, "correlation-id", "", "Correlation ID (defaults to the event ID)")
	f.StringVar(&appendOpts.data, "data", "", "Event payload")
	f.StringVar(&appendOpts.at, "at", "", "Event time (RFC 3339, default now)")
}

// ============================================================================
// ledger tail
// ============================================================================

var tailLimit int

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show the most recent events",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		events, err := st.Tail(cmd.Context(), tailLimit)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, e := range events {
			fmt.Fprintf(out, "[%s] %-8s actor=%-12s action=%-20s entity=%s/%s hash=%s\n",
				audit.FormatTimestamp(e.Timestamp), e.IntegrityStatus, e.Actor, e.Action,
				e.EntityType, e.EntityID, shortHash(e.CurrentHash))
		}
		return nil
	},
}

func init() {
	tailCmd.Flags().IntVarP(&tailLimit, "limit", "n", 20, "Number of events to show")
}

func shortHash(h string) string {
	h = strings.TrimPrefix(h, audit.HashPrefix)
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

// ============================================================================
// ledger verify
// ============================================================================

var verifyOpts struct {
	day, from, to string
	json          bool
}

// verifyCmd runs an on-demand verification and records it in history.
var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify chain integrity",
	Long: `Verify the audit chain. Without flags the whole chain is checked from
the genesis event. --day checks one UTC day, --from/--to a half-open range;
a range starting mid-chain is checked against the hash of the event just
before it.

Exits non-zero when the chain is broken.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := verifyRange()
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		res, err := verifier.New(st).Verify(cmd.Context(), r, verifier.TriggerOnDemand)
		if err != nil {
			return fmt.Errorf("verification failed: %w", err)
		}

		out := cmd.OutOrStdout()
		if verifyOpts.json {
			if err := printJSON(out, res); err != nil {
				return err
			}
		} else {
			switch res.Status {
			case audit.VerificationEmpty:
				fmt.Fprintln(out, "[ledger] No events in range")
			case audit.VerificationValid:
				fmt.Fprintf(out, "[ledger] Hash chain VALID (%d events verified in %s)\n", res.EventsVerified, res.Duration)
			default:
				fmt.Fprintf(out, "[ledger] Hash chain BROKEN at position %d (event %s)\n", res.Position, res.BrokenEventID)
				fmt.Fprintf(out, "  Reason:        %s\n", res.Reason)
				fmt.Fprintf(out, "  Expected hash: %s\n", res.ExpectedHash)
				fmt.Fprintf(out, "  Actual hash:   %s\n", res.ActualHash)
			}
		}
		if res.Status == audit.VerificationBroken {
			return fmt.Errorf("audit chain integrity violation detected")
		}
		return nil
	},
}

func init() {
	f := verifyCmd.Flags()
	f.StringVar(&verifyOpts.day, "day", "", "Verify one UTC day (YYYY-MM-DD)")
	f.StringVar(&verifyOpts.from, "from", "", "Range start (inclusive)")
	f.StringVar(&verifyOpts.to, "to", "", "Range end (exclusive)")
	f.BoolVar(&verifyOpts.json, "json", false, "Print the result as JSON")
	verifyCmd.MarkFlagsMutuallyExclusive("day", "from")
	verifyCmd.MarkFlagsMutuallyExclusive("day", "to")
}

func verifyRange() (audit.Range, error) {
	if verifyOpts.day != "" {
		t, err := time.Parse(dateLayout, verifyOpts.day)
		if err != nil {
			return audit.Range{}, fmt.Errorf("invalid --day %q: %w", verifyOpts.day, err)
		}
		return archive.DayWindow(t), nil
	}
	var r audit.Range
	var err error
	if verifyOpts.from != "" {
		if r.From, err = parseTime(verifyOpts.from); err != nil {
			return r, err
		}
	}
	if verifyOpts.to != "" {
		if r.To, err = parseTime(verifyOpts.to); err != nil {
			return r, err
		}
	}
	if !r.From.IsZero() && !r.To.IsZero() && !r.From.Before(r.To) {
		return r, fmt.Errorf("--from must be before --to")
	}
	return r, nil
}

// ============================================================================
// ledger merge
// ============================================================================

// mergeCmd merges an offline batch directly, without a running server. The
// chain lock in the database serializes it against the server's inbox.
var mergeCmd = &cobra.Command{
	Use:   "merge <batch-file>",
	Short: "Merge an offline batch file",
	Long: `Merge a batch of events recorded offline by a device. The file is a JSON
document {"device_id", "session_id", "events": [...]}, or for .jsonl and
.ndjson files a header line followed by one event per line. Use "-" to read
a JSON document from stdin.

Duplicates are skipped, late events are slotted into canonical order and
every later hash is recomputed in one transaction.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		batch, err := readBatch(cmd.InOrStdin(), args[0])
		if err != nil {
			return err
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()
		quarantine, err := openQuarantine()
		if err != nil {
			return err
		}
		registry, err := openRegistry()
		if err != nil {
			return err
		}

		rec := reconcile.New(st, quarantine)
		rec.OnRecord = registry.RecordMerge

		record, mergeErr := rec.Merge(cmd.Context(), batch)
		if err := registry.Save(); err != nil {
			slog.Warn("failed to save device registry", "error", err)
		}
		if err := printJSON(cmd.OutOrStdout(), record); err != nil {
			return err
		}
		return mergeErr
	},
}

func readBatch(stdin io.Reader, name string) (reconcile.Batch, error) {
	if name == "-" {
		return reconcile.DecodeBatch(stdin)
	}
	f, err := os.Open(name)
	if err != nil {
		return reconcile.Batch{}, fmt.Errorf("failed to open batch: %w", err)
	}
	defer f.Close()
	return inbox.Decode(name, f)
}

// ============================================================================
// ledger export
// ============================================================================

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export closed days to the archive store",
	Long: `Export UTC days as gzip-compressed NDJSON artifacts under a retention
lock, with a manifest.json and VERIFY.md next to each artifact. A day that
is already exported is left untouched.`,
}

func init() {
	exportCmd.AddCommand(exportDayCmd)
	exportCmd.AddCommand(exportPendingCmd)
}

var exportDayCmd = &cobra.Command{
	Use:   "day <YYYY-MM-DD>",
	Short: "Export one closed day",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		date, err := time.Parse(dateLayout, args[0])
		if err != nil {
			return fmt.Errorf("invalid date %q: %w", args[0], err)
		}
		return withExporter(cmd, func(ctx context.Context, x *archive.Exporter) error {
			meta, err := x.ExportDay(ctx, date)
			if err != nil {
				return fmt.Errorf("export failed: %w", err)
			}
			if meta.EventCount == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "[ledger] No events on %s, nothing exported\n", meta.ExportDate)
				return nil
			}
			return printJSON(cmd.OutOrStdout(), meta)
		})
	},
}

var exportPendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "Export every closed, unexported day in the look-back window",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withExporter(cmd, func(ctx context.Context, x *archive.Exporter) error {
			exported, err := x.ExportPending(ctx)
			for _, a := range exported {
				fmt.Fprintf(cmd.OutOrStdout(), "[ledger] Exported %s: %d events -> %s\n", a.ExportDate, a.EventCount, a.ObjectKey)
			}
			if len(exported) == 0 && err == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "[ledger] Nothing to export")
			}
			return err
		})
	},
}

func withExporter(cmd *cobra.Command, fn func(ctx context.Context, x *archive.Exporter) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	objects, err := openObjects(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	return fn(cmd.Context(), newExporter(st, objects, cfg))
}

// ============================================================================
// ledger archives
// ============================================================================

var archivesCmd = &cobra.Command{
	Use:   "archives",
	Short: "List archives, presign downloads, poll replication",
}

var (
	archivesStatus string
	archivesTTL    time.Duration
)

func init() {
	archivesCmd.AddCommand(archivesListCmd)
	archivesCmd.AddCommand(archivesURLCmd)
	archivesCmd.AddCommand(archivesPollCmd)
	archivesListCmd.Flags().StringVar(&archivesStatus, "status", "", "Filter by replication status")
	archivesURLCmd.Flags().DurationVar(&archivesTTL, "ttl", 0, "URL lifetime (default from config)")
}

var archivesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List exported archives",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		var statuses []audit.ReplicationStatus
		if archivesStatus != "" {
			statuses = append(statuses, audit.ReplicationStatus(strings.ToUpper(archivesStatus)))
		}
		archives, err := st.ListArchives(cmd.Context(), statuses...)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(archives) == 0 {
			fmt.Fprintln(out, "No archives found.")
			return nil
		}
		fmt.Fprintf(out, "%-12s %-8s %-10s %-15s %s\n", "DATE", "EVENTS", "SIZE", "REPLICATION", "OBJECT")
		fmt.Fprintf(out, "%-12s %-8s %-10s %-15s %s\n", "----", "------", "----", "-----------", "------")
		for _, a := range archives {
			fmt.Fprintf(out, "%-12s %-8d %-10d %-15s %s\n", a.ExportDate, a.EventCount, a.SizeBytes, a.ReplicationStatus, a.ObjectKey)
		}
		return nil
	},
}

var archivesURLCmd = &cobra.Command{
	Use:   "url <YYYY-MM-DD>",
	Short: "Print a time-limited download URL for a day's artifact",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withExporter(cmd, func(ctx context.Context, x *archive.Exporter) error {
			ttl := archivesTTL
			if ttl <= 0 {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				ttl = config.Interval(cfg.Archive.PresignTTLMinutes)
			}
			url, err := x.PresignedURL(ctx, args[0], ttl)
			if err != nil {
				return fmt.Errorf("no download URL for %s: %w", args[0], err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), url)
			return nil
		})
	},
}

var archivesPollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Poll replication status of pending archives once",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()
		objects, err := openObjects(cmd.Context(), cfg)
		if err != nil {
			return err
		}

		mon := archive.NewReplicationMonitor(st, objects)
		mon.OnUpdate = func(a audit.ArchiveMetadata) {
			fmt.Fprintf(cmd.OutOrStdout(), "[ledger] %s: %s\n", a.ExportDate, a.ReplicationStatus)
		}
		changed, err := mon.Poll(cmd.Context())
		fmt.Fprintf(cmd.OutOrStdout(), "[ledger] %d archives changed status\n", changed)
		return err
	},
}

// ============================================================================
// ledger history
// ============================================================================

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show verification and merge history",
}

func init() {
	historyCmd.AddCommand(historyVerificationsCmd)
	historyCmd.AddCommand(historyMergesCmd)
	historyCmd.PersistentFlags().IntVarP(&historyLimit, "limit", "n", 20, "Number of rows to show")
}

var historyVerificationsCmd = &cobra.Command{
	Use:   "verifications",
	Short: "Show recent verification runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		runs, err := st.ListVerifications(cmd.Context(), historyLimit)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, v := range runs {
			fmt.Fprintf(out, "[%s] %-10s %-6s events=%-8d", v.StartedAt.Format(time.RFC3339), v.Trigger, v.Status, v.EventsVerified)
			if v.Status == audit.VerificationBroken {
				fmt.Fprintf(out, " broken=%s position=%d", v.BrokenEventID, v.Position)
			}
			fmt.Fprintln(out)
		}
		return nil
	},
}

var historyMergesCmd = &cobra.Command{
	Use:   "merges",
	Short: "Show recent offline merges",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		merges, err := st.ListMergeRecords(cmd.Context(), historyLimit)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, m := range merges {
			fmt.Fprintf(out, "[%s] %-15s device=%-15s merged=%d dup=%d conflict=%d rehashed=%d",
				m.StartedAt.Format(time.RFC3339), m.Status, m.DeviceID, m.Merged, m.Duplicates, m.Conflicts, m.Rehashed)
			if m.Error != "" {
				fmt.Fprintf(out, " error=%q", m.Error)
			}
			fmt.Fprintln(out)
		}
		return nil
	},
}

// ============================================================================
// ledger device
// ============================================================================

var quarantineReason string

// deviceCmd manages offline devices. Quarantine edits quarantine.yaml; a
// running server picks the change up through its file watcher.
var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Inspect devices and manage quarantine",
}

func init() {
	deviceCmd.AddCommand(deviceListCmd)
	deviceCmd.AddCommand(deviceQuarantineCmd)
	deviceCmd.AddCommand(deviceReleaseCmd)
	deviceCmd.AddCommand(deviceQuarantinedCmd)
	deviceQuarantineCmd.Flags().StringVar(&quarantineReason, "reason", "", "Reason for the quarantine (required)")
	deviceQuarantineCmd.MarkFlagRequired("reason")
}

var deviceListCmd = &cobra.Command{
	Use:   "list [device-id]",
	Short: "List devices that have submitted batches",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		registry, err := openRegistry()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()

		if len(args) == 1 {
			d, err := registry.Get(args[0])
			if err != nil {
				return fmt.Errorf("device %q: %w", args[0], err)
			}
			return printJSON(out, d)
		}

		devices := registry.List()
		if len(devices) == 0 {
			fmt.Fprintln(out, "No devices have submitted batches yet.")
			return nil
		}
		fmt.Fprintf(out, "%-20s %-16s %-8s %-8s %-8s %s\n", "DEVICE", "LAST STATUS", "BATCHES", "MERGED", "FAILED", "LAST SEEN")
		fmt.Fprintf(out, "%-20s %-16s %-8s %-8s %-8s %s\n", "------", "-----------", "-------", "------", "------", "---------")
		for _, d := range devices {
			fmt.Fprintf(out, "%-20s %-16s %-8d %-8d %-8d %s\n",
				d.ID, d.LastStatus, d.Stats.Batches, d.Stats.Merged, d.Stats.Failed, d.LastSeen.Format(time.RFC3339))
		}
		return nil
	},
}

var deviceQuarantineCmd = &cobra.Command{
	Use:   "quarantine <device-id>",
	Short: "Refuse further batches from a device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := openQuarantine()
		if err != nil {
			return err
		}
		if err := q.Add(args[0], quarantineReason, "cli"); err != nil {
			return fmt.Errorf("failed to quarantine device %q: %w", args[0], err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "[ledger] Quarantined device: %s (reason: %s)\n", args[0], quarantineReason)
		return nil
	},
}

var deviceReleaseCmd = &cobra.Command{
	Use:   "release <device-id>",
	Short: "Accept batches from a quarantined device again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := openQuarantine()
		if err != nil {
			return err
		}
		if err := q.Release(args[0]); err != nil {
			return fmt.Errorf("failed to release device %q: %w", args[0], err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "[ledger] Released device: %s\n", args[0])
		return nil
	},
}

var deviceQuarantinedCmd = &cobra.Command{
	Use:   "quarantined",
	Short: "List quarantined devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := openQuarantine()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		entries := q.List()
		if len(entries) == 0 {
			fmt.Fprintln(out, "No devices are quarantined.")
			return nil
		}
		for _, e := range entries {
			fmt.Fprintf(out, "%-20s since=%s by=%s reason=%q\n", e.Device, e.QuarantinedAt.Format(time.RFC3339), e.By, e.Reason)
		}
		return nil
	},
}

// ============================================================================
// ledger config
// ============================================================================

var configForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View or initialize configuration",
	Long: `Manage the ledger configuration. The config file lives at
~/.ledger/config.yaml and defines the store path, archive storage, job
intervals, retention, inbox and log level.`,
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite an existing config file")
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("failed to render config: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "# %s\n%s", filepath.Join(configDir, configFile), data)
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config.yaml",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := os.MkdirAll(configDir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
		}
		path := filepath.Join(configDir, configFile)
		if _, err := os.Stat(path); err == nil && !configForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
		if err := config.WriteDefault(path); err != nil {
			return fmt.Errorf("failed to write config: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "[ledger] Wrote %s\n", path)
		return nil
	},
}
