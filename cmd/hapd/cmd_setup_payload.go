package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/go-hap/hapcore/pairing"
	"github.com/go-hap/hapcore/setupcode"
)

var setupPayloadCmd = &cobra.Command{
	Use:   "gen-setup-payload",
	Short: "Print the X-HM:// QR setup payload for the configured accessory",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Accessory.SetupCode == "" {
			return fmt.Errorf("accessory.setup_code is not set; edit %s first", DefaultConfigPath())
		}

		kv, err := NewFileKVStore(filepath.Join(cfg.DataDir, "kv"))
		if err != nil {
			return err
		}
		store, err := pairing.NewStore(kv)
		if err != nil {
			return err
		}

		flags := setupcode.PayloadFlags{
			IsPaired:    store.HasAdminPairing(),
			SupportsIP:  true,
			SupportsBLE: false,
		}
		payload, err := setupcode.EncodePayload(cfg.Accessory.SetupCode, cfg.Accessory.SetupID, flags, setupcode.Category(cfg.Accessory.Category))
		if err != nil {
			return err
		}

		fmt.Printf("setup code: %s\n", cfg.Accessory.SetupCode)
		fmt.Printf("payload:    %s\n", payload)
		return nil
	},
}
