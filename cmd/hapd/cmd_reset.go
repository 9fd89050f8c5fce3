package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	hap "github.com/go-hap/hapcore"
	"github.com/go-hap/hapcore/pairing"
)

var resetConfirm bool

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Factory reset: erase every pairing and persisted accessory state",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !resetConfirm {
			return fmt.Errorf("refusing to reset without --yes")
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		kv, err := NewFileKVStore(filepath.Join(cfg.DataDir, "kv"))
		if err != nil {
			return err
		}
		pairings, err := pairing.NewStore(kv)
		if err != nil {
			return err
		}

		srv := hap.NewAccessoryServer(ordinalOf)
		srv.KV = kv
		srv.Pairings = pairings
		if err := srv.FactoryReset(); err != nil {
			return fmt.Errorf("hapd: factory reset: %w", err)
		}
		fmt.Println("factory reset complete: all pairings and persisted state erased")
		return nil
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetConfirm, "yes", false, "confirm the irreversible factory reset")
}
