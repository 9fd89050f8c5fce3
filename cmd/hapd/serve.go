package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	hap "github.com/go-hap/hapcore"
	"github.com/go-hap/hapcore/cryptoutil"
	"github.com/go-hap/hapcore/ipserver"
	"github.com/go-hap/hapcore/pairing"
	"github.com/go-hap/hapcore/pairsetup"
	"github.com/go-hap/hapcore/pairverify"
	"github.com/go-hap/hapcore/setupcode"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the configured accessory over the IP transport until interrupted",
	RunE:  runServe,
}

func ordinalOf(iid uint64) int { return int(iid) }

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Accessory.SetupCode == "" {
		return fmt.Errorf("accessory.setup_code is not set; edit %s and set an 8-digit XXX-XX-XXX code", DefaultConfigPath())
	}
	if _, err := setupcode.ParseSetupCode(cfg.Accessory.SetupCode); err != nil {
		return err
	}

	logger := logrus.New()
	level := cfg.LogLevel
	if s, _ := cmd.Flags().GetString("log-level"); s != "" {
		level = s
	}
	logger.SetLevel(ParseLogLevel(level))
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})

	kvDir := filepath.Join(cfg.DataDir, "kv")
	kv, err := NewFileKVStore(kvDir)
	if err != nil {
		return err
	}

	rnd := cryptoutil.SystemRandom{}
	identity, err := pairing.LoadOrCreateIdentity(kv, rnd)
	if err != nil {
		return fmt.Errorf("hapd: load identity: %w", err)
	}

	pairings, err := pairing.NewStore(kv)
	if err != nil {
		return fmt.Errorf("hapd: load pairings: %w", err)
	}

	hapServer := hap.NewAccessoryServer(ordinalOf)
	hapServer.Logger = logger
	hapServer.KV = kv
	hapServer.Clock = newWallClock()
	hapServer.Pairings = pairings
	hapServer.Accessories = []*hap.Accessory{buildDemoAccessory(cfg, hapServer)}

	pairings.OnRemove(func(slot uint8) {
		hapServer.InvalidateSessionsForSlot(slot)
	})

	setup := setupcode.NewProvider(cfg.Accessory.SetupCode, rnd)
	pairSetup := pairsetup.NewEngine(setup, pairings, kv, rnd, identity, nil)
	pairSetup.Logger = logger
	pairVerify := pairverify.NewEngine(pairings, identity, rnd, cfg.Network.ResumeCacheSize, hapServer.Clock)
	pairVerify.Logger = logger
	pairings.OnRemove(func(slot uint8) {
		pairVerify.ForgetPairing(slot)
	})

	ipsrv := ipserver.NewServer(hapServer, pairings, pairSetup, pairVerify, hapServer.Clock)
	ipsrv.Logger = logger

	listener := &netTCPListener{}
	if err := ipserver.Listen(listener, ipsrv, cfg.Network.Interface, cfg.Network.Port, ordinalOf); err != nil {
		return fmt.Errorf("hapd: listen: %w", err)
	}
	defer listener.Close()

	hapServer.Start()
	logger.WithFields(logrus.Fields{
		"name":      cfg.Accessory.Name,
		"device_id": fmt.Sprintf("%X", identity.DeviceID),
		"port":      cfg.Network.Port,
	}).Info("hapd serving")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	hapServer.Stop()
	return nil
}
