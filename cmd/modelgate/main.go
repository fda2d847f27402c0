package main

import (
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/modelgate/modelgate/internal/common"
	"github.com/modelgate/modelgate/internal/common/health"
	"github.com/modelgate/modelgate/internal/modelgate"
	"github.com/modelgate/modelgate/internal/modelgate/configuration"
)

const CustomConfigLocation string = "config"

func init() {
	pflag.String(CustomConfigLocation, "", "Fully qualified path to application configuration file")
	pflag.Parse()
}

func main() {
	common.ConfigureLogging()
	common.BindCommandlineArguments()

	var config configuration.ModelgateConfig
	userSpecifiedConfig := viper.GetString(CustomConfigLocation)
	common.LoadConfig(&config, "./config/modelgate", userSpecifiedConfig)

	log.Info("Starting...")

	stopSignal := make(chan os.Signal, 1)
	signal.Notify(stopSignal, syscall.SIGINT, syscall.SIGTERM)

	shutdownMetricServer := common.ServeMetrics(config.MetricsPort)
	defer shutdownMetricServer()

	healthChecks := health.NewMultiChecker()
	startupCheck := health.NewStartupCompleteChecker()
	healthChecks.Add(startupCheck)

	shutdown, err := modelgate.Serve(&config, healthChecks)
	if err != nil {
		log.Fatalf("failed to start: %v", err)
	}
	defer shutdown()
	startupCheck.MarkComplete()

	<-stopSignal
}
