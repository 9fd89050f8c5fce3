package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage hapd's configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file if one does not already exist",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := WriteDefault()
		if err != nil {
			return err
		}
		if path == "" {
			fmt.Printf("config already exists at %s\n", DefaultConfigPath())
			return nil
		}
		fmt.Printf("wrote default config to %s\n", path)
		fmt.Println("set accessory.setup_code before running `hapd serve`")
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the resolved configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		fmt.Printf("accessory.name:       %s\n", cfg.Accessory.Name)
		fmt.Printf("accessory.category:   %d\n", cfg.Accessory.Category)
		fmt.Printf("accessory.setup_id:   %s\n", cfg.Accessory.SetupID)
		fmt.Printf("network.interface:    %q\n", cfg.Network.Interface)
		fmt.Printf("network.port:         %d\n", cfg.Network.Port)
		fmt.Printf("data_dir:             %s\n", cfg.DataDir)
		fmt.Printf("log_level:            %s\n", cfg.LogLevel)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
}
