package main

import (
	"fmt"
	"os"

	"github.com/danmuck/linkctl/internal/logging"
	"github.com/danmuck/linkctl/internal/service"
	"github.com/rs/zerolog/log"
)

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "linkctl: %v\n", err)
		os.Exit(2)
	}
	logging.ConfigureRuntime()

	cfg, err := loadServiceConfig(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "linkctl: %v\n", err)
		os.Exit(1)
	}
	if opts.validate {
		log.Info().Str("config", opts.configPath).Int("interfaces", len(cfg.Interfaces)).Msg("config valid")
		return
	}

	svc, err := service.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "linkctl: %v\n", err)
		os.Exit(1)
	}
	if err := svc.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "linkctl: %v\n", err)
		os.Exit(1)
	}
}
