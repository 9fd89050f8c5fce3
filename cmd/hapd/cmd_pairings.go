package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/go-hap/hapcore/cryptoutil"
	"github.com/go-hap/hapcore/pairing"
)

func openStore(cfg *Config) (*pairing.Store, error) {
	kv, err := NewFileKVStore(filepath.Join(cfg.DataDir, "kv"))
	if err != nil {
		return nil, err
	}
	return pairing.NewStore(kv)
}

var pairStatusCmd = &cobra.Command{
	Use:   "pair-status",
	Short: "Show the accessory's identity and every stored pairing",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		kv, err := NewFileKVStore(filepath.Join(cfg.DataDir, "kv"))
		if err != nil {
			return err
		}
		identity, err := pairing.LoadOrCreateIdentity(kv, cryptoutil.SystemRandom{})
		if err != nil {
			return err
		}
		store, err := pairing.NewStore(kv)
		if err != nil {
			return err
		}

		fmt.Printf("device id:  %s\n", hex.EncodeToString(identity.DeviceID[:]))
		fmt.Printf("public key: %s\n", hex.EncodeToString(identity.PublicKey))
		fmt.Printf("pairings:   %d/%d\n", store.Len(), pairing.MaxSlots)

		rows := store.List()
		if len(rows) == 0 {
			color.New(color.FgRed).Println("status: unpaired")
			return nil
		}
		admin := color.New(color.FgGreen)
		regular := color.New(color.FgYellow)
		for _, p := range rows {
			role := regular.Sprint("regular")
			if p.IsAdmin() {
				role = admin.Sprint("admin")
			}
			fmt.Printf("  %-40s %-9s %s\n", p.Identifier, role, hex.EncodeToString(p.PublicKey))
		}
		return nil
	},
}

var addPairingIdentifier string
var addPairingPublicKeyHex string
var addPairingAdmin bool

var addPairingCmd = &cobra.Command{
	Use:   "add-pairing",
	Short: "Register a controller's long-term public key without running Pair Setup",
	Long: `Registers a pairing directly, bypassing the SRP/Pair Setup exchange.
Useful for provisioning a controller out-of-band (e.g. from a fleet
management system that already holds the controller's Ed25519 key).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if addPairingIdentifier == "" || addPairingPublicKeyHex == "" {
			return fmt.Errorf("--identifier and --public-key are required")
		}
		pub, err := hex.DecodeString(addPairingPublicKeyHex)
		if err != nil || len(pub) != ed25519.PublicKeySize {
			return fmt.Errorf("--public-key must be %d hex-encoded bytes", ed25519.PublicKeySize)
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}

		var perms uint8
		if addPairingAdmin {
			perms = pairing.AdminPermission
		}
		slot, err := store.Add(pairing.Pairing{Identifier: addPairingIdentifier, PublicKey: pub, Permissions: perms})
		if err != nil {
			return err
		}
		fmt.Printf("added pairing %q in slot %d\n", addPairingIdentifier, slot)
		return nil
	},
}

var removePairingCmd = &cobra.Command{
	Use:   "remove-pairing <identifier>",
	Short: "Remove a stored pairing by identifier",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}

		slot, _, found := store.FindByIdentifier(args[0])
		if !found {
			return fmt.Errorf("no pairing with identifier %q", args[0])
		}
		if err := store.Remove(slot); err != nil {
			return err
		}
		fmt.Printf("removed pairing %q (slot %d)\n", args[0], slot)
		fmt.Println("note: sessions already connected to a running `hapd serve` are not invalidated by this offline removal")
		return nil
	},
}

func init() {
	addPairingCmd.Flags().StringVar(&addPairingIdentifier, "identifier", "", "controller identifier")
	addPairingCmd.Flags().StringVar(&addPairingPublicKeyHex, "public-key", "", "controller's hex-encoded Ed25519 public key")
	addPairingCmd.Flags().BoolVar(&addPairingAdmin, "admin", false, "grant the admin permission bit")
}
