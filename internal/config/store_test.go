package config

import (
	"path/filepath"
	"testing"

	"github.com/agsys/lora-gateway/internal/gwtype"
)

func TestSQLiteStoreLoadEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.db")
	store, err := OpenSQLiteStore(path)
	if err != nil {
		t.Fatalf("OpenSQLiteStore: %v", err)
	}
	defer store.Close()

	blob, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if blob.Version != 0 {
		t.Errorf("Version = %d, want 0 for an empty store", blob.Version)
	}
}

func TestSQLiteStoreSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.db")
	store, err := OpenSQLiteStore(path)
	if err != nil {
		t.Fatalf("OpenSQLiteStore: %v", err)
	}
	defer store.Close()

	want := Blob{
		Version:    2,
		GatewayEUI: [8]byte{1, 2, 3, 4, 5, 6, 7, 8},
		LoRa: LoRaConfig{
			SubBand:     3,
			DefaultRxSF: 7,
			RxBandwidth: gwtype.BW125,
			TxPowerDbm:  20,
			SyncWord:    0x34,
			Channels: []ChannelConfig{
				{FrequencyHz: 915200000, SFMin: 7, SFMax: 10, Bandwidth: gwtype.BW125, Enabled: true},
			},
		},
		Link:   LinkConfig{Interface: "eth0"},
		Server: ServerConfig{Host: "10.0.0.5", Port: 1700, KeepaliveMs: 10000, StatIntervalMs: 30000},
	}
	if err := store.Save(want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Version != want.Version || got.GatewayEUI != want.GatewayEUI {
		t.Errorf("Load() = %+v, want %+v", got, want)
	}
	if got.LoRa.SubBand != want.LoRa.SubBand || len(got.LoRa.Channels) != 1 {
		t.Errorf("LoRa config mismatch: got %+v", got.LoRa)
	}
	if got.Server.Host != want.Server.Host || got.Server.Port != want.Server.Port {
		t.Errorf("Server config mismatch: got %+v", got.Server)
	}
}

func TestSQLiteStoreSaveUpserts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.db")
	store, err := OpenSQLiteStore(path)
	if err != nil {
		t.Fatalf("OpenSQLiteStore: %v", err)
	}
	defer store.Close()

	if err := store.Save(Blob{Version: 1}); err != nil {
		t.Fatalf("Save #1: %v", err)
	}
	if err := store.Save(Blob{Version: 2}); err != nil {
		t.Fatalf("Save #2: %v", err)
	}

	got, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Version != 2 {
		t.Errorf("Version = %d, want 2 (the second save should overwrite the first)", got.Version)
	}
}
