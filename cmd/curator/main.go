package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/arkstore/curator/metastore"
	"github.com/arkstore/curator/pkg/webapi"
	"github.com/arkstore/curator/storagerpc"
	"github.com/arkstore/curator/topology"
	"github.com/arkstore/curator/updater"
)

var rootCmd = &cobra.Command{
	Use:   "curator",
	Short: "A control-plane service maintaining a storage cluster's topology and health",

	Run: func(cmd *cobra.Command, args []string) {
		startCurator()
	},
}

var cfgFile string
var watchCfgFile bool

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "specifies a config file to load")
	rootCmd.PersistentFlags().BoolVar(&watchCfgFile, "watch-config", false, "indicates whether to watch the config file for changes")

	configFlags := pflag.NewFlagSet("", pflag.ContinueOnError)
	configFlags.String("log-level", "info", "the log level to run at")
	configFlags.StringSlice("node", []string{"localhost:10025"}, "seed storage node addresses")
	configFlags.StringSlice("meta-endpoint", []string{"localhost:2379"}, "metadata store endpoints")
	configFlags.Duration("reload-period", 60*time.Second, "delay between cluster synchronization passes")
	configFlags.Duration("rpc-timeout", 5*time.Second, "timeout of individual cluster rpc requests")
	configFlags.String("bind-address", "0.0.0.0", "the local address to bind to")
	configFlags.Int("web-port", 9090, "the web metrics/health port")
	rootCmd.PersistentFlags().AddFlagSet(configFlags)

	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.SetEnvPrefix("curator")
	viper.AutomaticEnv()

	_ = viper.BindPFlags(configFlags)
}

func getLogger() (zap.AtomicLevel, *zap.Logger) {
	logLevel := zap.NewAtomicLevel()
	logConfig := zap.NewProductionEncoderConfig()
	logConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	jsonEncoder := zapcore.NewJSONEncoder(logConfig)
	core := zapcore.NewTee(
		zapcore.NewCore(jsonEncoder, zapcore.AddSync(os.Stdout), logLevel),
	)
	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))

	return logLevel, logger
}

func initTelemetry(logger *zap.Logger) (*sdkmetric.MeterProvider, error) {
	promExp, err := prometheus.New()
	if err != nil {
		return nil, err
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExp),
	)
	otel.SetMeterProvider(meterProvider)

	logger.Debug("telemetry initialized")
	return meterProvider, nil
}

type config struct {
	logLevelStr   string
	nodes         []string
	metaEndpoints []string
	reloadPeriod  time.Duration
	rpcTimeout    time.Duration
	bindAddress   string
	webPort       int
}

func readConfig(logger *zap.Logger) *config {
	config := &config{
		logLevelStr:   viper.GetString("log-level"),
		nodes:         viper.GetStringSlice("node"),
		metaEndpoints: viper.GetStringSlice("meta-endpoint"),
		reloadPeriod:  viper.GetDuration("reload-period"),
		rpcTimeout:    viper.GetDuration("rpc-timeout"),
		bindAddress:   viper.GetString("bind-address"),
		webPort:       viper.GetInt("web-port"),
	}

	logger.Info("parsed curator configuration",
		zap.String("logLevelStr", config.logLevelStr),
		zap.Strings("nodes", config.nodes),
		zap.Strings("metaEndpoints", config.metaEndpoints),
		zap.Duration("reloadPeriod", config.reloadPeriod),
		zap.Duration("rpcTimeout", config.rpcTimeout),
		zap.String("bindAddress", config.bindAddress),
		zap.Int("webPort", config.webPort))

	return config
}

func applyLogLevel(logger *zap.Logger, logLevel zap.AtomicLevel, logLevelStr string) {
	parsedLevel, err := zapcore.ParseLevel(logLevelStr)
	if err != nil {
		logger.Warn("invalid log level specified, using INFO",
			zap.String("level", logLevelStr))
		parsedLevel = zapcore.InfoLevel
	}
	logLevel.SetLevel(parsedLevel)
}

func startCurator() {
	logLevel, logger := getLogger()

	logger.Info("starting curator")

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			logger.Panic("failed to load specified config file",
				zap.String("file", cfgFile), zap.Error(err))
		}
	}

	cfg := readConfig(logger)
	applyLogLevel(logger, logLevel, cfg.logLevelStr)

	if cfgFile != "" && watchCfgFile {
		// only the log level is picked up on the fly, everything else
		// needs a restart
		viper.OnConfigChange(func(in fsnotify.Event) {
			logger.Info("configuration file changed", zap.String("file", in.Name))
			newCfg := readConfig(logger)
			applyLogLevel(logger, logLevel, newCfg.logLevelStr)
		})
		viper.WatchConfig()
	}

	meterProvider, err := initTelemetry(logger)
	if err != nil {
		logger.Panic("failed to initialize telemetry", zap.Error(err))
	}
	defer func() {
		if err := meterProvider.Shutdown(context.Background()); err != nil {
			logger.Warn("failed to shut down metrics provider", zap.Error(err))
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	seeds := make([]storagerpc.Route, 0, len(cfg.nodes))
	for _, addr := range cfg.nodes {
		seeds = append(seeds, storagerpc.Route{Addr: addr})
	}

	client, err := storagerpc.NewHTTPClient(storagerpc.HTTPClientOptions{
		Logger:  logger.Named("storagerpc"),
		Seeds:   seeds,
		Timeout: cfg.rpcTimeout,
	})
	if err != nil {
		logger.Panic("failed to create storage rpc client", zap.Error(err))
	}

	metaSession, err := metastore.NewSession(ctx, metastore.SessionOptions{
		Logger:    logger.Named("metastore"),
		Endpoints: cfg.metaEndpoints,
	})
	if err != nil {
		logger.Panic("failed to connect to the metadata store", zap.Error(err))
	}
	defer func() {
		if err := metaSession.Close(); err != nil {
			logger.Warn("failed to close metadata store session", zap.Error(err))
		}
	}()

	store := topology.NewStore(logger.Named("topology"))

	u, err := updater.New(ctx, updater.UpdaterOptions{
		Logger:      logger.Named("updater"),
		Client:      client,
		MetaSession: metaSession,
		Store:       store,
		Config: updater.Config{
			ReloadPeriod:     cfg.reloadPeriod,
			RPCTimeout:       cfg.rpcTimeout,
			WatermarkKey:     metastore.MaxGroupKey,
			CoupleMetaPrefix: metastore.CoupleMetaPrefix,
		},
	})
	if err != nil {
		logger.Panic("failed to create cluster updater", zap.Error(err))
	}

	webapi.InitializeWebServer(webapi.WebServerOptions{
		Logger:        logger.Named("webapi"),
		LogLevel:      &logLevel,
		ListenAddress: fmt.Sprintf("%s:%d", cfg.bindAddress, cfg.webPort),
		Store:         store,
		Refresher:     u,
	})

	go u.Run(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
	u.Stop()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
