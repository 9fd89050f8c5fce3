// Command hapd serves one bridged HAP accessory over the IP transport
// (package ipserver), persisting its identity and pairings to a local
// data directory. It is the concrete reference binary the core module
// (package hap and its subpackages) deliberately stops short of: the
// core declares capability.KVStore/TCPListener/Clock as interfaces,
// and hapd supplies real file- and socket-backed implementations of
// them.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds a 'v' prefix if version starts with a digit.
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

var rootCmd = &cobra.Command{
	Use:   "hapd",
	Short: "HomeKit Accessory Protocol reference bridge",
	Long: `hapd serves a single bridged HomeKit accessory over the IP transport:

- Pair Setup and Pair Verify against a persisted accessory identity
- GET /accessories, GET/PUT /characteristics and PUT /prepare
- Timed writes and event subscriptions
- Pairing administration (pair-status, add-pairing, remove-pairing)

Configuration lives in a YAML file (see 'hapd config init'); accessory
state and pairings persist under a local data directory.`,
	Version: formatVersion(version),
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "hapd: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	rootCmd.PersistentFlags().StringVar(&configPathFlag, "config", "", "path to config file (default: "+DefaultConfigPath()+")")
	rootCmd.PersistentFlags().String("log-level", "", "override the config file's log level (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(pairStatusCmd)
	rootCmd.AddCommand(addPairingCmd)
	rootCmd.AddCommand(removePairingCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(setupPayloadCmd)
}

var configPathFlag string

// loadConfig reads the config file named by --config, or the default
// path, failing with a clear message if neither exists.
func loadConfig() (*Config, error) {
	path := configPathFlag
	if path == "" {
		path = DefaultConfigPath()
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config (run `hapd config init` first): %w", err)
	}
	return cfg, nil
}
