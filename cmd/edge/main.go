package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	adactor "github.com/consus-energy/lanzone-edge/internal/adapter/actor"
	"github.com/consus-energy/lanzone-edge/internal/adapter/bootstrap"
	"github.com/consus-energy/lanzone-edge/internal/config"
	"github.com/consus-energy/lanzone-edge/internal/core/actor"
	"github.com/consus-energy/lanzone-edge/internal/core/domain"
	"github.com/consus-energy/lanzone-edge/internal/core/edgestate"
	"github.com/consus-energy/lanzone-edge/internal/server"
	"github.com/consus-energy/lanzone-edge/internal/util/actorutil"
	"github.com/consus-energy/lanzone-edge/pkg/goodwe_modbus"

	pactor "github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/carlmjohnson/versioninfo"
	logrus "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	exitOK               = 0
	exitBootstrapFailure = 1
	exitConfigInvalid    = 2
	exitFieldBusBroken   = 3
)

func gracefulShutdown(apiServer *http.Server, done chan bool) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()

	log.Println("shutting down gracefully, press Ctrl+C again to force")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown with error: %v", err)
	}

	done <- true
}

func main() {

	cfg, err := initConfig()
	if err != nil {
		slog.Error("config errors", "error", err)
		os.Exit(exitConfigInvalid)
	}
	slog.Info("lanzone-edge", "version", versioninfo.Short(), "group_id", cfg.GroupID)

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(cfg.LogLevel)
	logger := zap.Must(zapCfg.Build())
	defer logger.Sync()

	// bootstrap: fetch initial edge state; failure here is fatal
	bootstrapClient := bootstrap.NewClient(cfg.BootstrapURL)
	initCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	initDoc, err := bootstrapClient.EdgeInit(initCtx)
	cancel()
	if err != nil {
		logger.Error("bootstrap /edge/init failed", zap.Error(err))
		os.Exit(exitBootstrapFailure)
	}

	// register map: bootstrap document, else operator-provided file
	registerMap, err := loadRegisterMap(cfg, initDoc)
	if err != nil {
		logger.Error("no usable register map", zap.Error(err))
		os.Exit(exitFieldBusBroken)
	}

	comms := initDoc.CommsSettings
	if comms.GroupID == "" {
		comms.GroupID = cfg.GroupID
	}
	if err := comms.Validate(); err != nil {
		logger.Error("invalid comms settings", zap.Error(err))
		os.Exit(exitConfigInvalid)
	}

	tz, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		logger.Error("invalid timezone", zap.String("timezone", cfg.Timezone), zap.Error(err))
		os.Exit(exitConfigInvalid)
	}

	store := edgestate.NewStore(tz, logger)
	if err := store.Seed(initDoc.Settings, initDoc.BatteryConfigs, initDoc.Tasks); err != nil {
		logger.Error("bootstrap state invalid", zap.Error(err))
		os.Exit(exitConfigInvalid)
	}

	as := actorutil.NewActorSystemWithZapLogger(logger)
	ctx := as.Root

	tickPeriod := time.Duration(cfg.TickPeriodMillis) * time.Millisecond

	props := pactor.PropsFromProducer(func() pactor.Actor {
		return actor.NewMasterOfPuppetsActor(store, tickPeriod,
			modbusActorProvider(registerMap, initDoc.Settings.WriteGuard, cfg, logger),
			posterActorProvider(comms, store, logger),
			configBusActorProvider(comms, store, logger),
			logger)
	})
	pid, err := ctx.SpawnNamed(props, domain.ACTOR_ID_MASTER)
	if err != nil {
		logger.Error("failed to spawn master", zap.Error(err))
		os.Exit(exitFieldBusBroken)
	}

	apiServer := server.NewServer(*cfg, ctx, pid, bootstrapClient)
	done := make(chan bool, 1)

	go gracefulShutdown(apiServer, done)

	err = apiServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		panic(fmt.Sprintf("http server error: %s", err))
	}

	<-done
	log.Println("Graceful shutdown complete.")

	// stop the actor tree and wait for it to terminate; the poster does not
	// flush its queues on stop, so batches still queued are dropped
	stopped := ctx.StopFuture(pid)
	_ = stopped.Wait()
	as.Shutdown()
	os.Exit(exitOK)
}

func initConfig() (*config.Config, error) {

	setConfigDefaults()

	viper.SetEnvPrefix("lanzone")
	viper.AutomaticEnv()

	if cfgFile := os.Getenv("CONFIG_FILE"); cfgFile != "" {
		if _, err := os.Stat(cfgFile); err == nil {
			slog.Info("Using config", "file", cfgFile)
			viper.SetConfigFile(cfgFile)

			if err := viper.ReadInConfig(); err != nil {
				slog.Error("Error reading config file", "error", err)
			}
		}
	}

	var cfg config.Config

	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	switch viper.GetString("log_level") {
	case "trace":
		cfg.LogLevel = zap.DebugLevel
	case "debug":
		cfg.LogLevel = zap.DebugLevel
	case "info":
		cfg.LogLevel = zap.InfoLevel
	case "error":
		cfg.LogLevel = zap.ErrorLevel
	case "warn":
		cfg.LogLevel = zap.WarnLevel
	case "fatal":
		cfg.LogLevel = zap.FatalLevel
	default:
		cfg.LogLevel = zap.InfoLevel
	}

	if cfg.BootstrapURL == "" {
		return nil, errors.New("config param bootstrap_url is required")
	}
	if cfg.GroupID == "" {
		return nil, errors.New("config param group_id is required")
	}
	groupID, err := config.CheckGroupID(cfg.GroupID)
	if err != nil {
		return nil, err
	}
	cfg.GroupID = groupID

	if cfg.TickPeriodMillis < 500 {
		return nil, errors.New("config param tick_period_millis should be >= 500")
	}

	return &cfg, nil
}

func loadRegisterMap(cfg *config.Config, initDoc *bootstrap.InitDocument) (*goodwe_modbus.RegisterMap, error) {
	if len(initDoc.RegisterMap.ReadRegisters)+len(initDoc.RegisterMap.WriteRegisters) > 0 {
		return goodwe_modbus.ParseRegisterMap(initDoc.RegisterMap)
	}
	if cfg.RegisterMapFile != "" {
		return goodwe_modbus.LoadRegisterMapFile(cfg.RegisterMapFile)
	}
	return nil, errors.New("bootstrap carried no register map and no register_map_file is configured")
}

func modbusActorProvider(registerMap *goodwe_modbus.RegisterMap, guardSettings domain.WriteGuardSettings,
	cfg *config.Config, logger *zap.Logger) actor.ModbusActorProvider {

	busLogger := logrus.New()
	if cfg.LogLevel == zap.DebugLevel {
		busLogger.SetLevel(logrus.TraceLevel)
	}

	return func(battery domain.EdgeBatteryConfig) (*adactor.ModbusActor, error) {
		guard := goodwe_modbus.NewWriteGuard(goodwe_modbus.GuardConfig{
			PerRegisterMinInterval: time.Duration(guardSettings.PerRegMinS * float64(time.Second)),
			GlobalWritesPerSecond:  guardSettings.GlobalWritesPerS,
		})
		port := battery.ModbusPort
		if port == 0 {
			port = 15002
		}
		client, err := goodwe_modbus.CreateClient(battery.ModbusHost, port, battery.UnitID,
			1*time.Second, registerMap, guard, busLogger, nil)
		if err != nil {
			return nil, err
		}
		return adactor.NewModbusActor(battery.ConsusID, client, guard, logger), nil
	}
}

func posterActorProvider(comms domain.CommsSettings, store *edgestate.Store, logger *zap.Logger) actor.PosterActorProvider {
	return func(es *eventstream.EventStream) *adactor.PosterActor {
		return adactor.NewPosterActor(comms, store, es, logger)
	}
}

func configBusActorProvider(comms domain.CommsSettings, store *edgestate.Store, logger *zap.Logger) actor.ConfigBusActorProvider {
	return func(master *pactor.PID) *adactor.ConfigBusActor {
		return adactor.NewConfigBusActor(comms, store, master, logger)
	}
}

func setConfigDefaults() {
	// keys without a default are invisible to viper.Unmarshal under AutomaticEnv
	viper.SetDefault("bootstrap_url", "")
	viper.SetDefault("group_id", "")
	viper.SetDefault("log_level", "info")
	viper.SetDefault("tick_period_millis", 1000)
	viper.SetDefault("timezone", "Europe/London")
	viper.SetDefault("port", 8080)
}
