package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/ykawase/ttrack/internal/cli"
	"github.com/ykawase/ttrack/internal/config"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "ttrack: %v\n", err)
		os.Exit(1)
	}
	r := cli.NewRunner(cfg, os.Stdout, os.Stderr)
	os.Exit(r.Run(context.Background(), flag.Args()))
}
