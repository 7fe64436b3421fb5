package main

import (
	"flag"
	"strings"

	"github.com/danmuck/linkctl/internal/config"
)

type options struct {
	configPath  string
	statusAddr  string
	catalogPath string
	validate    bool
}

func parseFlags(args []string) (options, error) {
	var opts options
	fs := flag.NewFlagSet("linkctl", flag.ContinueOnError)
	fs.StringVar(&opts.configPath, "config", "linkctl.toml", "service config (.toml, .yaml or .yml)")
	fs.StringVar(&opts.statusAddr, "status-addr", "", "override the status server listen address")
	fs.StringVar(&opts.catalogPath, "catalog", "", "override the packet catalog path")
	fs.BoolVar(&opts.validate, "validate", false, "load and validate the config, then exit")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	return opts, nil
}

// loadServiceConfig loads the file named by opts and applies flag
// overrides on top.
func loadServiceConfig(opts options) (config.ServiceConfig, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return config.ServiceConfig{}, err
	}
	if v := strings.TrimSpace(opts.statusAddr); v != "" {
		cfg.StatusAddr = v
	}
	if v := strings.TrimSpace(opts.catalogPath); v != "" {
		cfg.Catalog = v
	}
	return cfg, nil
}
