package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/wasmcloud/lattice/pkg/bus"
	"github.com/wasmcloud/lattice/pkg/component"
	"github.com/wasmcloud/lattice/pkg/host"
	"github.com/wasmcloud/lattice/pkg/log"
	"github.com/wasmcloud/lattice/pkg/metrics"
	"github.com/wasmcloud/lattice/pkg/runtime"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "latticed",
	Short: "latticed - wasmCloud lattice host",
	Long: `latticed runs a wasmCloud host: it supervises WebAssembly components
and native capability providers, and coordinates their lifecycle across a
lattice of peer hosts over the message bus.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"latticed version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(hostCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{
		Level:      log.Level(level),
		JSONOutput: jsonOut,
	})
}

// fileConfig is the optional YAML configuration file
type fileConfig struct {
	Lattice           string            `yaml:"lattice"`
	NATSURL           string            `yaml:"nats_url"`
	CtlTopicPrefix    string            `yaml:"ctl_topic_prefix"`
	PolicyTopic       string            `yaml:"policy_topic"`
	PolicyChanges     string            `yaml:"policy_changes_topic"`
	SecretsTopic      string            `yaml:"secrets_topic"`
	Labels            map[string]string `yaml:"labels"`
	AllowFileLoad     bool              `yaml:"allow_file_load"`
	AdditionalCAPaths []string          `yaml:"additional_ca_paths"`
	CacheDir          string            `yaml:"cache_dir"`
	HeartbeatSeconds  int               `yaml:"heartbeat_seconds"`
}

var hostCmd = &cobra.Command{
	Use:   "host",
	Short: "Run a lattice host",
	RunE:  runHost,
}

func init() {
	hostCmd.Flags().String("config", "", "Path to YAML configuration file")
	hostCmd.Flags().String("nats-url", "nats://127.0.0.1:4222", "Bus URL")
	hostCmd.Flags().String("lattice", "default", "Lattice name")
	hostCmd.Flags().String("ctl-topic-prefix", "wasmbus.ctl", "Control topic prefix")
	hostCmd.Flags().String("policy-topic", "", "Policy server request topic (empty permits everything)")
	hostCmd.Flags().String("policy-changes-topic", "", "Policy change notification topic")
	hostCmd.Flags().String("secrets-topic", "", "Secrets backend request topic")
	hostCmd.Flags().StringSlice("label", nil, "Host label as key=value, repeatable")
	hostCmd.Flags().Bool("allow-file-load", false, "Allow loading artifacts from the local filesystem")
	hostCmd.Flags().StringSlice("additional-ca-path", nil, "Extra PEM file trusted for registry TLS, repeatable")
	hostCmd.Flags().String("cache-dir", "", "Directory for cached provider binaries")
	hostCmd.Flags().String("metrics-addr", "", "Address to serve metrics on (empty disables)")
	hostCmd.Flags().Duration("heartbeat-interval", 30*time.Second, "Heartbeat publish interval")
	hostCmd.Flags().Duration("invocation-timeout", 10*time.Second, "Component invocation timeout")
	hostCmd.Flags().Duration("shutdown-timeout", 5*time.Second, "Provider graceful shutdown timeout")
}

func runHost(cmd *cobra.Command, _ []string) error {
	flags := cmd.Flags()

	cfg := host.Config{Version: Version}
	if path, _ := flags.GetString("config"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
		var fc fileConfig
		if err := yaml.Unmarshal(raw, &fc); err != nil {
			return fmt.Errorf("failed to parse config file: %w", err)
		}
		cfg.Lattice = fc.Lattice
		cfg.NATSURL = fc.NATSURL
		cfg.CtlTopicPrefix = fc.CtlTopicPrefix
		cfg.PolicyTopic = fc.PolicyTopic
		cfg.PolicyChangesTopic = fc.PolicyChanges
		cfg.SecretsTopic = fc.SecretsTopic
		cfg.Labels = fc.Labels
		cfg.AllowFileLoad = fc.AllowFileLoad
		cfg.AdditionalCAPaths = fc.AdditionalCAPaths
		cfg.CacheDir = fc.CacheDir
		if fc.HeartbeatSeconds > 0 {
			cfg.HeartbeatInterval = time.Duration(fc.HeartbeatSeconds) * time.Second
		}
	}

	// Flags override the config file
	if v, _ := flags.GetString("nats-url"); flags.Changed("nats-url") || cfg.NATSURL == "" {
		cfg.NATSURL = v
	}
	if v, _ := flags.GetString("lattice"); flags.Changed("lattice") || cfg.Lattice == "" {
		cfg.Lattice = v
	}
	if v, _ := flags.GetString("ctl-topic-prefix"); flags.Changed("ctl-topic-prefix") || cfg.CtlTopicPrefix == "" {
		cfg.CtlTopicPrefix = v
	}
	if v, _ := flags.GetString("policy-topic"); flags.Changed("policy-topic") {
		cfg.PolicyTopic = v
	}
	if v, _ := flags.GetString("policy-changes-topic"); flags.Changed("policy-changes-topic") {
		cfg.PolicyChangesTopic = v
	}
	if v, _ := flags.GetString("secrets-topic"); flags.Changed("secrets-topic") {
		cfg.SecretsTopic = v
	}
	if v, _ := flags.GetBool("allow-file-load"); v {
		cfg.AllowFileLoad = true
	}
	if v, _ := flags.GetStringSlice("additional-ca-path"); len(v) > 0 {
		cfg.AdditionalCAPaths = v
	}
	if v, _ := flags.GetString("cache-dir"); v != "" {
		cfg.CacheDir = v
	}
	if v, _ := flags.GetDuration("heartbeat-interval"); flags.Changed("heartbeat-interval") || cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = v
	}
	cfg.InvocationTimeout, _ = flags.GetDuration("invocation-timeout")
	cfg.ShutdownTimeout, _ = flags.GetDuration("shutdown-timeout")
	cfg.LogLevel, _ = rootCmd.PersistentFlags().GetString("log-level")
	cfg.StructuredLogging, _ = rootCmd.PersistentFlags().GetBool("log-json")

	labelFlags, _ := flags.GetStringSlice("label")
	if len(labelFlags) > 0 {
		if cfg.Labels == nil {
			cfg.Labels = make(map[string]string, len(labelFlags))
		}
		for _, kv := range labelFlags {
			key, value, ok := strings.Cut(kv, "=")
			if !ok {
				return fmt.Errorf("invalid label %q, expected key=value", kv)
			}
			cfg.Labels[key] = value
		}
	}

	metrics.Register()
	if addr, _ := flags.GetString("metrics-addr"); addr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(addr, mux); err != nil {
				log.Errorf("metrics server stopped", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	h, err := host.New(ctx, cfg, func(b *bus.Client) component.Runtime {
		return runtime.New(b, nil)
	})
	if err != nil {
		return fmt.Errorf("failed to start lattice host: %w", err)
	}

	fmt.Printf("latticed running\n")
	fmt.Printf("  Host ID: %s\n", h.ID())
	fmt.Printf("  Lattice: %s\n", cfg.Lattice)

	return h.Run(ctx)
}
