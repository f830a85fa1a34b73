// AU915 LoRaWAN packet-forwarder gateway
// Main entry point for the gateway service
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/agsys/lora-gateway/internal/channelmgr"
	"github.com/agsys/lora-gateway/internal/clock"
	"github.com/agsys/lora-gateway/internal/config"
	"github.com/agsys/lora-gateway/internal/diag"
	"github.com/agsys/lora-gateway/internal/gateway"
	"github.com/agsys/lora-gateway/internal/gwtype"
	"github.com/agsys/lora-gateway/internal/link"
	"github.com/agsys/lora-gateway/internal/protocol"
	"github.com/agsys/lora-gateway/internal/radio"
)

// Config represents the configuration file structure
type Config struct {
	Gateway struct {
		EUI           string `yaml:"eui"`
		LinkInterface string `yaml:"link_interface"`
		ForwardBadCRC bool   `yaml:"forward_non_crc_ok"`
	} `yaml:"gateway"`

	Radios struct {
		RX RadioSpec `yaml:"rx"`
		TX RadioSpec `yaml:"tx"`
	} `yaml:"radios"`

	Network struct {
		ServerHost          string `yaml:"server_host"`
		ServerPort          int    `yaml:"server_port"`
		KeepaliveSeconds    int    `yaml:"keepalive_seconds"`
		StatIntervalSeconds int    `yaml:"stat_interval_seconds"`
	} `yaml:"network"`

	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`

	Diagnostics struct {
		ListenAddr string `yaml:"listen_addr"`
	} `yaml:"diagnostics"`

	Logging struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"logging"`
}

// RadioSpec configures one transceiver's SPI/GPIO wiring and modem
// parameters.
type RadioSpec struct {
	SpiBus          string `yaml:"spi_bus"`
	SpiClockHz      int    `yaml:"spi_clock_hz"`
	ResetPin        string `yaml:"reset_pin"`
	DIO0Pin         string `yaml:"dio0_pin"`
	FrequencyHz     uint32 `yaml:"frequency_hz"`
	SpreadingFactor uint8  `yaml:"spreading_factor"`
	BandwidthHz     uint32 `yaml:"bandwidth_hz"`
	CodingRateDenom int    `yaml:"coding_rate_denom"`
	TxPowerDbm      int8   `yaml:"tx_power_dbm"`
	SyncWord        uint8  `yaml:"sync_word"`
}

var (
	configFile string
	rootCmd    = &cobra.Command{
		Use:   "lora-gateway",
		Short: "AU915 LoRaWAN packet-forwarder gateway",
		Long:  "Dual-radio AU915 LoRaWAN gateway: register-level SX127x driver, channel management, and the Semtech UDP packet-forwarder protocol.",
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the gateway service",
		RunE:  runGateway,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("lora-gateway v0.1.0")
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/lora-gateway/gateway.yaml", "Configuration file path")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return &cfg, nil
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.Network.ServerHost == "" {
		return fmt.Errorf("network.server_host is required")
	}
	if cfg.Network.ServerPort == 0 {
		return fmt.Errorf("network.server_port is required")
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "/var/lib/lora-gateway/gateway.db"
	}
	if cfg.Gateway.LinkInterface == "" {
		cfg.Gateway.LinkInterface = "eth0"
	}
	if cfg.Diagnostics.ListenAddr == "" {
		cfg.Diagnostics.ListenAddr = ":8081"
	}

	store, err := config.OpenSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open config store: %w", err)
	}
	defer store.Close()

	blob, err := store.Load()
	if err != nil {
		return fmt.Errorf("failed to load persisted config: %w", err)
	}

	eui, err := resolveEUI(cfg.Gateway.EUI, blob.GatewayEUI, cfg.Gateway.LinkInterface)
	if err != nil {
		return fmt.Errorf("failed to resolve gateway EUI: %w", err)
	}
	blob.GatewayEUI = eui
	if err := store.Save(blob); err != nil {
		log.Printf("warning: failed to persist gateway config: %v", err)
	}

	clk := clock.NewSystem()

	rxRadio, txRadio, err := buildRadios(cfg, clk)
	if err != nil {
		return fmt.Errorf("failed to initialize radios: %w", err)
	}

	mgr := channelmgr.NewManager(rxRadio, txRadio, clk, log.Default())

	gw := gateway.New(gateway.Config{DropNonCRCOk: !cfg.Gateway.ForwardBadCRC}, clk, mgr, log.Default())
	mgr.SetSink(gw)

	serverAddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", cfg.Network.ServerHost, cfg.Network.ServerPort))
	if err != nil {
		return fmt.Errorf("failed to resolve network server address: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, serverAddr)
	if err != nil {
		return fmt.Errorf("failed to open udp socket: %w", err)
	}
	defer conn.Close()

	engineCfg := protocol.DefaultConfig()
	engineCfg.ServerAddr = serverAddr
	engineCfg.GatewayEUI = eui
	if cfg.Network.KeepaliveSeconds > 0 {
		engineCfg.KeepaliveInterval = secondsToDuration(cfg.Network.KeepaliveSeconds)
	}
	if cfg.Network.StatIntervalSeconds > 0 {
		engineCfg.StatInterval = secondsToDuration(cfg.Network.StatIntervalSeconds)
	}

	eng := protocol.NewEngine(engineCfg, conn, clk, mgr, gw, log.Default())
	gw.SetForwarder(eng)

	linkMgr := link.NewNetInterfaceMonitor(cfg.Gateway.LinkInterface)
	linkMgr.OnStatusChange(func(connected bool) {
		log.Printf("link %s connected=%v", cfg.Gateway.LinkInterface, connected)
	})

	diagSrv := diag.NewServer(cfg.Diagnostics.ListenAddr, func() (gwtype.GatewayStats, gwtype.ForwarderStatus) {
		return gw.Snapshot(), eng.Status()
	}, log.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	log.Printf("starting lora-gateway, eui=%x", eui)
	if err := gw.Start(); err != nil {
		return fmt.Errorf("failed to start gateway core: %w", err)
	}
	eng.Start()
	diagSrv.Start()

	linkTicker := time.NewTicker(5 * time.Second)
	defer linkTicker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-linkTicker.C:
				linkMgr.Poll()
			}
		}
	}()

	sig := <-sigChan
	log.Printf("received signal %v, shutting down...", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := diagSrv.Stop(shutdownCtx); err != nil {
		log.Printf("error stopping diagnostics server: %v", err)
	}
	eng.Stop()
	gw.Stop()

	log.Println("shutdown complete")
	return nil
}

// resolveEUI prefers an explicit config override, falls back to a
// previously persisted EUI, and otherwise derives one from the named
// link interface's MAC address.
func resolveEUI(override string, persisted [8]byte, ifaceName string) ([8]byte, error) {
	if override != "" {
		raw, err := hex.DecodeString(override)
		if err != nil || len(raw) != 8 {
			return [8]byte{}, fmt.Errorf("gateway.eui must be 16 hex characters")
		}
		var eui [8]byte
		copy(eui[:], raw)
		return eui, nil
	}
	if persisted != ([8]byte{}) {
		return persisted, nil
	}
	iface, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return [8]byte{}, fmt.Errorf("lookup interface %s: %w", ifaceName, err)
	}
	return gateway.DeriveEUI(iface.HardwareAddr)
}

func buildRadios(cfg *Config, clk clock.Source) (rx, tx *radio.Radio, err error) {
	rxSpi, rxReset, rxDio0, err := radio.OpenPeriph(radio.PeriphConfig{
		SpiBusPath: cfg.Radios.RX.SpiBus,
		SpiClockHz: cfg.Radios.RX.SpiClockHz,
		ResetPin:   cfg.Radios.RX.ResetPin,
		DIO0Pin:    cfg.Radios.RX.DIO0Pin,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("open rx radio spi/gpio: %w", err)
	}
	rx, err = radio.New("rx", rxSpi, rxReset, rxDio0, clk, log.Default())
	if err != nil {
		return nil, nil, fmt.Errorf("init rx radio: %w", err)
	}
	if err := rx.Configure(radioConfigFromSpec(cfg.Radios.RX)); err != nil {
		return nil, nil, fmt.Errorf("configure rx radio: %w", err)
	}

	txSpi, txReset, txDio0, err := radio.OpenPeriph(radio.PeriphConfig{
		SpiBusPath: cfg.Radios.TX.SpiBus,
		SpiClockHz: cfg.Radios.TX.SpiClockHz,
		ResetPin:   cfg.Radios.TX.ResetPin,
		DIO0Pin:    cfg.Radios.TX.DIO0Pin,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("open tx radio spi/gpio: %w", err)
	}
	tx, err = radio.New("tx", txSpi, txReset, txDio0, clk, log.Default())
	if err != nil {
		return nil, nil, fmt.Errorf("init tx radio: %w", err)
	}
	if err := tx.Configure(radioConfigFromSpec(cfg.Radios.TX)); err != nil {
		return nil, nil, fmt.Errorf("configure tx radio: %w", err)
	}

	return rx, tx, nil
}

func radioConfigFromSpec(spec RadioSpec) gwtype.RadioConfig {
	rc := gwtype.DefaultRadioConfig()
	if spec.FrequencyHz != 0 {
		rc.FrequencyHz = spec.FrequencyHz
	}
	if spec.SpreadingFactor != 0 {
		rc.SpreadingFactor = spec.SpreadingFactor
	}
	if bw, ok := gwtype.ParseBandwidthKHz(int(spec.BandwidthHz / 1000)); ok {
		rc.Bandwidth = bw
	}
	if cr, ok := gwtype.ParseCodingRateDenominator(spec.CodingRateDenom); ok {
		rc.CodingRate = cr
	}
	if spec.TxPowerDbm != 0 {
		rc.TxPowerDbm = spec.TxPowerDbm
	}
	if spec.SyncWord != 0 {
		rc.SyncWord = spec.SyncWord
	}
	return rc
}

func secondsToDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}
