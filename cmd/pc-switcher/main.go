// Command pc-switcher synchronizes one workstation onto another over SSH.
// It wires every internal package together for one run of the sync
// orchestrator: config, transport, event bus, logging sink, lock,
// snapshot envelope, job registry, interrupt controller, version gate.
//
// Grounded directly on arkeep/agent/cmd/agent/main.go's cobra root+flags+
// subcommand shell, buildLogger, and envOrDefault helper — the CLI
// plumbing here is the one place that carries over almost verbatim, since
// it is exactly the ambient concern the teacher already solves well.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/flaksit/pc-switcher/internal/command"
	"github.com/flaksit/pc-switcher/internal/config"
	"github.com/flaksit/pc-switcher/internal/diskmonitor"
	"github.com/flaksit/pc-switcher/internal/eventbus"
	"github.com/flaksit/pc-switcher/internal/interrupt"
	"github.com/flaksit/pc-switcher/internal/lock"
	"github.com/flaksit/pc-switcher/internal/logsink"
	"github.com/flaksit/pc-switcher/internal/session"
	"github.com/flaksit/pc-switcher/internal/snapshot"
	"github.com/flaksit/pc-switcher/internal/synchistory"
	"github.com/flaksit/pc-switcher/internal/transport"
	"github.com/flaksit/pc-switcher/internal/versiongate"

	_ "github.com/flaksit/pc-switcher/internal/job/jobs"
)

// version is overwritten at build time via -ldflags, following arkeep's
// main.go convention.
var version = "dev"

// Exit codes per spec.md §6.
const (
	exitSuccess     = 0
	exitFailure     = 1
	exitBadArgs     = 2
	exitInterrupted = 130
)

func main() {
	os.Exit(runMain())
}

// exitCode is set by each subcommand's RunE before returning, since cobra's
// Execute only reports argument-parsing failure through its own error, not
// the application-level exit taxonomy spec.md §6 requires.
var exitCode = exitSuccess

func runMain() int {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		return exitBadArgs
	}
	return exitCode
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "pc-switcher",
		Short: "Synchronize one workstation onto another over SSH",
		Long: `pc-switcher copies configured state from a source workstation to a
target workstation over SSH, taking btrfs snapshots before and after, and
guards the whole operation with a cross-host lock.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.Version = version
	root.AddCommand(newSyncCmd())
	root.AddCommand(newLogsCmd())
	root.AddCommand(newUpdateCmd())
	return root
}

func newSyncCmd() *cobra.Command {
	var configPath string
	var dryRun bool
	var targetUser string
	var targetPort int

	cmd := &cobra.Command{
		Use:   "sync <target-host>",
		Short: "Run a sync session against target-host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			exitCode = runSync(cmd.Context(), args[0], targetUser, targetPort, configPath, dryRun)
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", envOrDefault("PCSWITCHER_CONFIG", defaultConfigPath()), "path to config.yaml")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "log intended actions without making changes")
	cmd.Flags().StringVar(&targetUser, "user", currentUsername(), "SSH user on the target host")
	cmd.Flags().IntVar(&targetPort, "port", 22, "SSH port on the target host")
	return cmd
}

func newLogsCmd() *cobra.Command {
	var last bool
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show the most recent sync log",
		RunE: func(cmd *cobra.Command, args []string) error {
			exitCode = runLogs(last)
			return nil
		},
	}
	cmd.Flags().BoolVar(&last, "last", true, "show only the most recent log file")
	return cmd
}

func newUpdateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Self-install the newest released version of pc-switcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			exitCode = runUpdate(cmd.Context())
			return nil
		},
	}
	return cmd
}

func runSync(ctx context.Context, targetHost, targetUser string, targetPort int, configPath string, dryRun bool) int {
	logger, err := buildLogger()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to build logger:", err)
		return exitFailure
	}
	defer logger.Sync() //nolint:errcheck

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to load configuration", zap.Error(err))
		return exitFailure
	}

	dataDir := defaultDataDir()
	sourceHostname, _ := os.Hostname()
	sess := session.New(session.NewID(), sourceHostname, targetHost, cfg.EnabledJobs(), dryRun)

	fileLevel, err := config.ParseLevel(cfg.LogFileLevel)
	if err != nil {
		logger.Error("invalid log_file_level", zap.Error(err))
		return exitFailure
	}
	cliLevel, err := config.ParseLevel(cfg.LogCLILevel)
	if err != nil {
		logger.Error("invalid log_cli_level", zap.Error(err))
		return exitFailure
	}

	logPath := logsink.LogFilePath(dataDir, sess.CreatedAt.Format("20060102T150405"), sess.ID)
	sink, err := logsink.New(logPath, fileLevel, cliLevel, sess)
	if err != nil {
		logger.Error("failed to open log sink", zap.Error(err))
		return exitFailure
	}
	defer sink.Close()

	bus := eventbus.New()
	sinkDone := make(chan struct{})
	go func() {
		sink.Run(bus.Subscribe())
		close(sinkDone)
	}()

	auth, err := sshAgentAuth()
	if err != nil {
		logger.Error("no SSH agent available", zap.Error(err))
		bus.Close()
		<-sinkDone
		return exitFailure
	}

	tr := transport.New(transport.Config{
		Host: targetHost,
		Port: targetPort,
		User: targetUser,
		Auth: auth,
	}, bus)
	if err := tr.Connect(ctx); err != nil {
		logger.Error("failed to connect to target", zap.Error(err))
		bus.Close()
		<-sinkDone
		return exitFailure
	}
	defer tr.Disconnect()

	sourceExec := command.NewLocal(false)

	if hist, err := synchistory.Load(synchistory.Path(dataDir)); err != nil {
		logger.Warn("sync history unavailable", zap.Error(err))
	} else if hist.LastRole == synchistory.RoleSource {
		bus.Publish(eventbus.NewLog(eventbus.LevelWarning, "", "orchestrator",
			"this machine was the source of the last sync too — if you meant to sync back from the target, this history suggests you haven't yet", nil))
	}

	interruptCtl := interrupt.New(sess)
	interruptCtl.Install()
	defer interruptCtl.Restore()

	o := &session.Orchestrator{
		Session:        sess,
		Bus:            bus,
		SourceExecutor: sourceExec,
		TargetExecutor: tr,
		SourceLock:     lock.New(filepath.Join(dataDir, "pc-switcher.lock")),
		TargetLockPath: remoteLockPath(targetUser),
		Interrupt:      interruptCtl,
		JobConfigs:     jobConfigs(cfg),
		SourceVersion:  version,
	}

	if len(cfg.Btrfs.Subvolumes) > 0 {
		o.Snapshot = &snapshot.BtrfsEnvelope{
			Root:       "/.snapshots/pc-switcher",
			Subvolumes: cfg.Btrfs.Subvolumes,
			Source:     sourceExec,
			Target:     tr,
			DryRun:     dryRun,
		}
		o.Retention = snapshot.RetentionPolicy{KeepRecent: cfg.Btrfs.KeepRecent, MaxAgeDays: cfg.Btrfs.MaxAgeDays}
	}

	if th, err := diskmonitor.ParseThreshold(cfg.Disk.PreflightMinimum); err == nil {
		o.DiskPreflightPath = "/"
		o.DiskPreflightThreshold = th
	}
	if th, err := diskmonitor.ParseThreshold(cfg.Disk.RuntimeMinimum); err == nil {
		o.DiskRuntimeThreshold = th
	}
	if cfg.Disk.CheckInterval > 0 {
		o.DiskCheckInterval = time.Duration(cfg.Disk.CheckInterval) * time.Second
	}

	final := o.Run(ctx)
	<-sinkDone

	if err := synchistory.Save(synchistory.Path(dataDir), synchistory.Record{LastRole: synchistory.RoleSource}); err != nil {
		logger.Warn("failed to persist sync history", zap.Error(err))
	}
	if _, err := tr.Run(context.Background(), synchistory.RecordRoleScript(synchistory.RoleTarget), 10); err != nil {
		logger.Warn("failed to record sync history on target", zap.Error(err))
	}

	logger.Info("sync session finished",
		zap.String("session_id", sess.ID),
		zap.String("final_state", string(final)),
		zap.String("log_file", logPath),
	)

	switch final {
	case session.StateCompleted:
		return exitSuccess
	case session.StateAborted:
		return exitInterrupted
	default:
		return exitFailure
	}
}

// runUpdate self-installs the newest published release of pc-switcher onto
// the machine it runs on, per spec.md §6 ("update — self-install the newest
// released version"). It never touches a target host or SSH: this is the
// same install.sh flow internal/versiongate runs against a sync target,
// pointed at the local executor instead, with the version to install
// resolved from GitHub's releases API rather than handed down from a
// running source session.
func runUpdate(ctx context.Context) int {
	logger, err := buildLogger()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to build logger:", err)
		return exitFailure
	}
	defer logger.Sync() //nolint:errcheck

	latest, err := versiongate.LatestRelease(ctx)
	if err != nil {
		logger.Error("failed to determine the newest released version", zap.Error(err))
		return exitFailure
	}

	current := strings.TrimPrefix(version, "v")
	if cmp, err := versiongate.Compare(current, latest); err == nil && cmp >= 0 {
		logger.Info("already running the newest released version",
			zap.String("version", current))
		return exitSuccess
	}

	logger.Info("installing newest released version",
		zap.String("from", current), zap.String("to", latest))

	local := command.NewLocal(false)
	if err := versiongate.Install(ctx, local, latest); err != nil {
		logger.Error("self-install failed", zap.Error(err))
		return exitFailure
	}

	logger.Info("self-install complete", zap.String("version", latest))
	return exitSuccess
}

func runLogs(last bool) int {
	dir := filepath.Join(defaultDataDir(), "logs")
	entries, err := os.ReadDir(dir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "no logs found:", err)
		return exitFailure
	}
	if len(entries) == 0 {
		fmt.Fprintln(os.Stderr, "no logs found")
		return exitFailure
	}
	newest := entries[len(entries)-1]
	data, err := os.ReadFile(filepath.Join(dir, newest.Name()))
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to read log:", err)
		return exitFailure
	}
	os.Stdout.Write(data)
	return exitSuccess
}

func jobConfigs(cfg *config.Config) map[string]map[string]any {
	out := map[string]map[string]any{}
	for _, name := range cfg.EnabledJobs() {
		out[name] = cfg.JobConfig(name)
	}
	return out
}

func buildLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	return cfg.Build()
}

// sshAgentAuth dials the running ssh-agent over SSH_AUTH_SOCK and offers its
// keys as the sole auth method. pc-switcher connects to an already-
// provisioned target, unlike coreos-coreos-assembler's NewSSHAgent (which
// mints an ephemeral in-memory keypair for first-boot cloud-init) — there is
// no bootstrap step here, so the right source of credentials is whatever
// key the operator already has loaded for interactive SSH.
func sshAgentAuth() ([]ssh.AuthMethod, error) {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, fmt.Errorf("SSH_AUTH_SOCK is not set — start ssh-agent and add your key")
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ssh-agent: %w", err)
	}
	ag := agent.NewClient(conn)
	return []ssh.AuthMethod{ssh.PublicKeysCallback(ag.Signers)}, nil
}

func defaultConfigPath() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "pc-switcher", "config.yaml")
	}
	return "config.yaml"
}

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "pc-switcher")
	}
	return ".pc-switcher"
}

// remoteLockPath assumes the target-side lock lives under the connecting
// user's own data directory, matching defaultDataDir on the source side.
func remoteLockPath(targetUser string) string {
	return fmt.Sprintf("/home/%s/.local/share/pc-switcher/pc-switcher.lock", targetUser)
}

func currentUsername() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return "unknown"
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
