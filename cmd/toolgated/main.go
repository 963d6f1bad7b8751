// Command toolgated runs the shared daemon directly in the foreground,
// without going through the toolgate CLI.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"

	"toolgate/internal/config"
	"toolgate/internal/daemonrun"
)

func main() {
	configPath := flag.String("config", "", "configuration file path")
	endpoint := flag.String("endpoint", "", "daemon endpoint override")
	logLevel := flag.String("log-level", "", "log level override")
	flag.Parse()

	cfg, _, _, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	err = daemonrun.Run(context.Background(), cfg, daemonrun.Options{
		LogLevel: *logLevel,
		Endpoint: *endpoint,
	})
	if errors.Is(err, daemonrun.ErrAlreadyRunning) {
		fmt.Fprintln(os.Stderr, "toolgated: daemon already running for this configuration")
		return
	}
	if err != nil {
		log.Fatalf("toolgated: %v", err)
	}
}
