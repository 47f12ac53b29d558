package main

import (
	"context"
	"fmt"
	"os"

	"github.com/bdobrica/Kakeibo/common/version"
	"github.com/bdobrica/Kakeibo/internal/kakeibo/app"
	"github.com/bdobrica/Kakeibo/internal/kakeibo/observability"
)

func main() {
	fmt.Printf("Kakeibo\n")
	fmt.Printf("Version: %s\n", version.Version)
	fmt.Printf("Commit: %s\n", version.GitCommit)
	fmt.Printf("Build Time: %s\n", version.BuildTime)
	fmt.Println()

	config, err := app.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	logger := observability.Setup(config.LogLevel, config.LogFormat)

	kakeibo, err := app.New(config, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize Kakeibo: %v\n", err)
		os.Exit(1)
	}
	defer kakeibo.Stop()

	if err := kakeibo.Run(context.Background(), nil); err != nil {
		fmt.Fprintf(os.Stderr, "Error running Kakeibo: %v\n", err)
		os.Exit(1)
	}
}
