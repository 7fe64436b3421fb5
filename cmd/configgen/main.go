package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/danmuck/linkctl/internal/config"
	"github.com/danmuck/linkctl/internal/logging"
	"github.com/rs/zerolog/log"
)

func main() {
	logging.ConfigureRuntime()
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "configgen: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("configgen", flag.ContinueOnError)
	format := fs.String("format", "", "template format: toml|yaml (defaults to the output extension)")
	output := fs.String("output", "linkctl.toml", "output path for config template")
	validate := fs.Bool("validate", false, "validate an existing config file")
	input := fs.String("input", "linkctl.toml", "config path for validation")
	force := fs.Bool("force", false, "overwrite existing config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *validate {
		cfg, err := config.Load(*input)
		if err != nil {
			return err
		}
		log.Info().Str("path", *input).Int("interfaces", len(cfg.Interfaces)).Msg("validated config")
		return nil
	}

	kind := strings.TrimSpace(*format)
	if kind == "" {
		var err error
		if kind, err = config.FormatFor(*output); err != nil {
			return err
		}
	}
	if dir := filepath.Dir(*output); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	if err := config.WriteTemplate(*output, kind, *force); err != nil {
		return err
	}
	log.Info().Str("format", kind).Str("path", *output).Msg("wrote config template")
	return nil
}
