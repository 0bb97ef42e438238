package config

import (
	"flag"
)

// ParseFlags parses the server command line and returns the config file path
func ParseFlags() (configFile string) {
	flag.StringVar(&configFile, "config", "", "Path to configuration file (environment variables override it)")
	flag.Parse()
	return configFile
}
