// Command localdns runs the recursive-forwarding filtering resolver: it
// loads configuration and rule files from a data directory, compiles the
// rule store, and serves DNS over UDP/TCP (v4/v6) until signaled to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"localdns/pkg/config"
	"localdns/pkg/forwarder"
	"localdns/pkg/logging"
	"localdns/pkg/pipeline"
	"localdns/pkg/requestlog"
	"localdns/pkg/ruleparser"
	"localdns/pkg/rulestore"
	"localdns/pkg/server"
	"localdns/pkg/storage"
	"localdns/pkg/telemetry"
)

var (
	dataDir        = flag.String("data-dir", "data", "Configuration and rule-file root")
	port           = flag.Int("port", 53, "Listen port")
	serviceAction  = flag.String("service", "", "Platform-service action (install|start|stop|restart|remove|run); ignored here")
	showVersion    = flag.Bool("version", false, "Show version information and exit")
	validateConfig = flag.Bool("validate-config", false, "Validate configuration and exit")

	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	flag.Parse()
	_ = serviceAction // platform-service integration is an external collaborator, out of scope here

	if *showVersion {
		fmt.Printf("localdns resolver\n")
		fmt.Printf("Version:    %s\n", version)
		fmt.Printf("Git Commit: %s\n", gitCommit)
		fmt.Printf("Build Time: %s\n", buildTime)
		fmt.Printf("Go Version: %s\n", runtime.Version())
		return
	}

	if *validateConfig {
		if _, err := config.Load(*dataDir); err != nil {
			fmt.Fprintf(os.Stderr, "configuration invalid: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("configuration valid.")
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "localdns: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger := logging.NewDefault()
	logging.SetGlobal(logger)

	cfg, err := config.Load(*dataDir)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	rules, err := loadRules(*dataDir, cfg, logger)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	store := rulestore.Build(rules)

	dbPath := filepath.Join(*dataDir, "localdns.db")
	db, err := storage.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := rulestore.Persist(db, rules); err != nil {
		return fmt.Errorf("persist rules: %w", err)
	}

	sink := requestlog.NewSink(db, logger)
	dispatcher := forwarder.New(cfg, logger, sink)

	ctx := context.Background()
	tel, err := telemetry.New(ctx, &config.TelemetryConfig{
		Enabled:           true,
		ServiceName:       "localdns",
		ServiceVersion:    version,
		PrometheusEnabled: true,
		PrometheusPort:    9153,
	}, logger)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	metrics, err := tel.InitMetrics()
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	sink.SetMetrics(metrics)
	dispatcher.SetMetrics(metrics)

	handler := pipeline.New(cfg, store, dispatcher, sink, metrics, logger)
	srv := server.New(*port, handler, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	serverCtx, serverCancel := context.WithCancel(ctx)
	defer serverCancel()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(serverCtx); err != nil {
			errCh <- err
		}
	}()

	logger.Info("localdns resolver running", "port", *port, "data_dir", *dataDir, "default_upstreams", cfg.Default)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		logger.Error("server error", "error", err)
	}

	serverCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	if err := sink.Close(shutdownCtx); err != nil {
		logger.Error("request log sink shutdown error", "error", err)
	}
	if err := tel.Shutdown(shutdownCtx); err != nil {
		logger.Error("telemetry shutdown error", "error", err)
	}

	logger.Info("localdns resolver stopped")
	return nil
}

// loadRules reads every rule file named in cfg.Rules and parses it with
// C1. Multiple files assigned to the same group are concatenated before
// parsing, since they describe one combined rule list for that group.
func loadRules(dataDir string, cfg *config.Config, logger *logging.Logger) (rulestore.Rules, error) {
	var rules rulestore.Rules

	for _, group := range cfg.Rules.AllowedIPs.SortedGroups() {
		text, err := readGroupFiles(dataDir, cfg.Rules.AllowedIPs[group])
		if err != nil {
			return rulestore.Rules{}, err
		}
		rules.AllowedIPs = append(rules.AllowedIPs, ruleparser.ParseAllowedIPs(group, text)...)
	}
	for _, group := range cfg.Rules.AllowedNames.SortedGroups() {
		text, err := readGroupFiles(dataDir, cfg.Rules.AllowedNames[group])
		if err != nil {
			return rulestore.Rules{}, err
		}
		rules.AllowedNames = append(rules.AllowedNames, ruleparser.ParseAllowedNames(group, text)...)
	}
	for _, group := range cfg.Rules.BlockedIPs.SortedGroups() {
		text, err := readGroupFiles(dataDir, cfg.Rules.BlockedIPs[group])
		if err != nil {
			return rulestore.Rules{}, err
		}
		rules.BlockedIPs = append(rules.BlockedIPs, ruleparser.ParseBlockedIPs(group, text)...)
	}
	for _, group := range cfg.Rules.BlockedNames.SortedGroups() {
		text, err := readGroupFiles(dataDir, cfg.Rules.BlockedNames[group])
		if err != nil {
			return rulestore.Rules{}, err
		}
		rules.BlockedNames = append(rules.BlockedNames, ruleparser.ParseBlockedNames(group, text)...)
	}
	for _, group := range cfg.Rules.ForwardingRules.SortedGroups() {
		text, err := readGroupFiles(dataDir, cfg.Rules.ForwardingRules[group])
		if err != nil {
			return rulestore.Rules{}, err
		}
		rules.ForwardingRules = append(rules.ForwardingRules, ruleparser.ParseForwardingRules(group, text)...)
	}
	for _, group := range cfg.Rules.CloakingRules.SortedGroups() {
		text, err := readGroupFiles(dataDir, cfg.Rules.CloakingRules[group])
		if err != nil {
			return rulestore.Rules{}, err
		}
		rules.CloakingRules = append(rules.CloakingRules, ruleparser.ParseCloakingRules(group, text, logger)...)
	}

	return rules, nil
}

// readGroupFiles concatenates the contents of every rule file in files,
// each resolved relative to dataDir. A missing file yields an empty
// section rather than failing startup, since rule files are optional.
func readGroupFiles(dataDir string, files []string) (string, error) {
	var b strings.Builder
	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(dataDir, f))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return "", fmt.Errorf("read rule file %s: %w", f, err)
		}
		b.Write(data)
		b.WriteByte('\n')
	}
	return b.String(), nil
}
