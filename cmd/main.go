package main

import (
	"fmt"
	"os"

	"expose/internal/config"
	"expose/logger"
	"expose/pkg/cmd"
)

func main() {
	cfg := config.New()
	if err := logger.Init(cfg.LogMode); err != nil {
		fmt.Printf("Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := cmd.New(cfg).Execute(); err != nil {
		logger.Sync()
		os.Exit(1)
	}
}
