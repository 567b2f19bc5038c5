package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sunbk201/reqhdr/internal/api"
	"github.com/sunbk201/reqhdr/internal/config"
	"github.com/sunbk201/reqhdr/internal/engine"
	"github.com/sunbk201/reqhdr/internal/inspect"
	"github.com/sunbk201/reqhdr/internal/log"
	"github.com/sunbk201/reqhdr/internal/mitm"
	"github.com/sunbk201/reqhdr/internal/probe"
	"github.com/sunbk201/reqhdr/internal/server"
	"github.com/sunbk201/reqhdr/internal/statistics"
	"github.com/sunbk201/reqhdr/internal/store"
)

var (
	AppVersion    = "Development"
	shutdownChain []func() error
)

var rootCmd = &cobra.Command{
	Use:   "reqhdr",
	Short: "reqhdr rewrites outgoing HTTP request headers",
	Long:  "reqhdr is a forward proxy that rewrites outgoing HTTP request headers according to per-URL rules, with hot-reloadable rules and self-inspection probes.",
	RunE:  runRoot,
}

func init() {
	cobra.OnInitialize(initConfig)

	// Short flags
	rootCmd.Flags().StringP("config", "c", "", "Config file path")
	rootCmd.Flags().StringP("bind", "b", "", "Bind address")
	rootCmd.Flags().IntP("port", "p", 0, "Port")
	rootCmd.Flags().StringP("log-level", "l", "", "Log level")
	rootCmd.Flags().BoolP("version", "v", false, "Show version")
	rootCmd.Flags().BoolP("generate-config", "g", false, "Generate template config file")

	// Long flags
	rootCmd.Flags().String("api", "", "API server address, e.g. 127.0.0.1:9090")
	rootCmd.Flags().String("api-secret", "", "API server secret")
	rootCmd.Flags().String("rules-file", "", "Rules file, watched for changes")
	rootCmd.Flags().Int("cache-size", 0, "Match cache size, 0 for unbounded")
	rootCmd.Flags().Bool("force-elevated", false, "Always register with elevated header access")
	rootCmd.Flags().String("upstream", "", "Upstream proxy URL (http, https, socks5, socks5h)")
	rootCmd.Flags().Bool("mitm", false, "Intercept HTTPS for the hostnames in --mitm-hostname")
	rootCmd.Flags().String("mitm-hostname", "", "Comma separated hostname globs to intercept")
	rootCmd.Flags().String("mitm-ca-p12", "", "CA PKCS#12 file or base64 data")
	rootCmd.Flags().String("mitm-ca-passphrase", "", "CA PKCS#12 passphrase")
	rootCmd.Flags().Bool("stats", false, "Dump rewrite statistics to the log directory")

	// Bind all flags to viper using consistent key names
	_ = viper.BindPFlag("config", rootCmd.Flags().Lookup("config"))
	_ = viper.BindPFlag("bind-address", rootCmd.Flags().Lookup("bind"))
	_ = viper.BindPFlag("port", rootCmd.Flags().Lookup("port"))
	_ = viper.BindPFlag("log-level", rootCmd.Flags().Lookup("log-level"))
	_ = viper.BindPFlag("api-server", rootCmd.Flags().Lookup("api"))
	_ = viper.BindPFlag("api-server-secret", rootCmd.Flags().Lookup("api-secret"))
	_ = viper.BindPFlag("rules-file", rootCmd.Flags().Lookup("rules-file"))
	_ = viper.BindPFlag("cache-size", rootCmd.Flags().Lookup("cache-size"))
	_ = viper.BindPFlag("force-elevated", rootCmd.Flags().Lookup("force-elevated"))
	_ = viper.BindPFlag("upstream", rootCmd.Flags().Lookup("upstream"))
	_ = viper.BindPFlag("mitm.enabled", rootCmd.Flags().Lookup("mitm"))
	_ = viper.BindPFlag("mitm.hostname", rootCmd.Flags().Lookup("mitm-hostname"))
	_ = viper.BindPFlag("mitm.ca-p12", rootCmd.Flags().Lookup("mitm-ca-p12"))
	_ = viper.BindPFlag("mitm.ca-passphrase", rootCmd.Flags().Lookup("mitm-ca-passphrase"))
	_ = viper.BindPFlag("stats", rootCmd.Flags().Lookup("stats"))

	// Bind environment variables
	viper.SetEnvPrefix("REQHDR")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	_ = viper.BindEnv("api-server", "REQHDR_API")
	_ = viper.BindEnv("api-server-secret", "REQHDR_API_SECRET")
	_ = viper.BindEnv("mitm.ca-p12", "REQHDR_MITM_CA")
}

func initConfig() {
	configFile := viper.GetString("config")
	if configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.MergeInConfig(); err != nil {
			slog.Error("Failed to read config file", slog.Any("error", err))
			os.Exit(1)
		}
	}

	viper.SetDefault("bind-address", "127.0.0.1")
	viper.SetDefault("port", 8080)
	viper.SetDefault("log-level", "info")
	viper.SetDefault("initiator", config.DefaultInitiator)
	viper.SetDefault("regex-timeout", config.DefaultRegexTimeout)
	viper.SetDefault("probe-timeout", config.DefaultProbeTimeout)
}

func runRoot(cmd *cobra.Command, args []string) error {
	// Handle -v / --version
	showVer, _ := cmd.Flags().GetBool("version")
	if showVer {
		fmt.Printf("reqhdr version %s\n", AppVersion)
		return nil
	}

	// Handle -g / --generate-config
	genConfig, _ := cmd.Flags().GetBool("generate-config")
	if genConfig {
		_, err := config.GenerateTemplateConfig(true)
		if err != nil {
			return fmt.Errorf("failed to generate template config: %w", err)
		}
		fmt.Println("Template config file 'config.yaml' generated successfully.")
		return nil
	}

	cfg, err := config.BuildConfigFromViper()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}

	logs := log.NewLineBroadcaster()
	log.SetLogConf(cfg.LogLevel, logs)
	log.LogHeader(AppVersion, cfg)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	recCfg := statistics.RecorderConfig{Registerer: reg}
	if cfg.Stats {
		recCfg.RewriteDumpFile = log.GetStatsFilePath("rewrite_stats")
		recCfg.PassDumpFile = log.GetStatsFilePath("pass_stats")
	}
	recorder := statistics.NewRecorder(recCfg)
	recorder.Run()

	hub := inspect.NewHub(0)
	eng := engine.New(
		engine.WithCacheSize(cfg.CacheSize),
		engine.WithRegexTimeout(cfg.RegexTimeout),
		engine.WithForceElevated(cfg.ForceElevated),
		engine.WithInitiator(cfg.Initiator),
		engine.WithInspector(hub),
		engine.WithRecorder(recorder),
	)

	ca, err := mitm.LoadCA(cfg.MitM)
	if err != nil {
		slog.Error("mitm.LoadCA", slog.Any("error", err))
		return err
	}

	srv, err := server.NewServer(cfg, eng, mitm.NewCertManager(ca))
	if err != nil {
		slog.Error("server.NewServer", slog.Any("error", err))
		return err
	}
	eng.SetRegistrar(srv)

	rules := store.New(eng, cfg.RulesFile)
	if err := loadRules(rules, cfg); err != nil {
		slog.Error("loadRules", slog.Any("error", err))
		return err
	}
	addShutdown("rules.Close", rules.Close)

	addShutdown("srv.Close", srv.Close)
	if err := srv.Start(); err != nil {
		slog.Error("srv.Start", slog.Any("error", err))
		shutdown()
		return err
	}

	prober, err := probe.NewClient(srv.Addr(),
		probe.WithInitiator(cfg.Initiator),
		probe.WithRootCAs(ca.CertPool()),
		probe.WithTimeout(cfg.ProbeTimeout),
	)
	if err != nil {
		slog.Error("probe.NewClient", slog.Any("error", err))
		shutdown()
		return err
	}

	if cfg.APIServer != "" {
		apiSrv := api.New(cfg.APIServer, AppVersion, cfg, api.Deps{
			Engine:         eng,
			Store:          rules,
			Listener:       srv,
			Hub:            hub,
			Prober:         prober,
			Recorder:       recorder,
			Gatherer:       reg,
			LogBroadcaster: logs,
		})
		addShutdown("apiSrv.Close", apiSrv.Close)
		if err := apiSrv.Start(); err != nil {
			slog.Error("apiSrv.Start", slog.Any("error", err))
			shutdown()
			return err
		}
	}

	cleanup := make(chan os.Signal, 1)
	signal.Notify(cleanup, syscall.SIGHUP, syscall.SIGQUIT, syscall.SIGINT, syscall.SIGTERM)
	for {
		s := <-cleanup
		slog.Info("Received signal", slog.String("signal", s.String()))
		switch s {
		case syscall.SIGQUIT, syscall.SIGINT, syscall.SIGTERM:
			shutdown()
			return nil
		case syscall.SIGHUP:
			if _, err := rules.Load(); err != nil {
				slog.Error("rules.Load", slog.Any("error", err))
			}
		default:
			return nil
		}
	}
}

// loadRules installs the initial rule set: the rules file when one is
// configured, the inline config rules otherwise.
func loadRules(rules *store.Store, cfg *config.Config) error {
	if rules.Path() == "" {
		_, err := rules.Set(cfg.Rules)
		return err
	}
	if _, err := rules.Load(); err != nil {
		return err
	}
	return rules.Start()
}

func addShutdown(name string, fn func() error) {
	shutdownChain = append(shutdownChain, func() error {
		if err := fn(); err != nil {
			slog.Error(name, slog.Any("error", err))
			return err
		}
		return nil
	})
}

func shutdown() {
	for i := len(shutdownChain) - 1; i >= 0; i-- {
		_ = shutdownChain[i]()
	}
	slog.Info("reqhdr exit")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
