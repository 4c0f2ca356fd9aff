package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-portal/sai"
	"github.com/saiset-co/sai-portal/service"
)

func main() {
	configPath := flag.String("config", "config.yml", "path to the service configuration")
	flag.Parse()

	mainCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := service.NewService(mainCtx, *configPath)
	if err != nil {
		fmt.Printf("Failed to create service: %v\n", err)
		os.Exit(1)
	}

	if err := svc.Start(); err != nil {
		sai.Logger().Error("Failed to start service", zap.Error(err))
		os.Exit(1)
	}
}
