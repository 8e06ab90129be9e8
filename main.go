package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/coursevault/coursevault/server"
)

var log = logrus.WithField("logger", "main")

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/config.yaml", "Path to configuration file, or ssm://<parameter-path>")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		logrus.WithError(err).Fatalln("Invalid log level.")
	}
	logrus.SetLevel(level)

	gin.SetMode(gin.ReleaseMode)
	if level == logrus.DebugLevel {
		gin.SetMode(gin.DebugMode)
	}

	// Load configuration
	config, err := server.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	// Create and start server
	srv, err := server.NewServer(config)
	if err != nil {
		log.WithError(err).Error("Failed to create server")
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	log.Info("Starting CourseVault")
	select {
	case err := <-errCh:
		if err != nil {
			log.WithError(err).Error("Server failed")
			os.Exit(1)
		}
	case sig := <-sigCh:
		log.WithField("signal", sig.String()).Info("Shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		srv.Stop(ctx)
		cancel()
	}
}
