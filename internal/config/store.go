// Package config implements the durable configuration external
// collaborator named in the spec: a versioned blob containing the
// gateway EUI, per-channel LoRa configuration, link configuration, and
// server configuration, read on init and written on explicit command.
package config

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/agsys/lora-gateway/internal/gwtype"
)

// ChannelConfig is one AU915 uplink channel's enable/range state.
type ChannelConfig struct {
	FrequencyHz uint32          `json:"frequency_hz"`
	SFMin       uint8           `json:"sf_min"`
	SFMax       uint8           `json:"sf_max"`
	Bandwidth   gwtype.Bandwidth `json:"bandwidth"`
	Enabled     bool            `json:"enabled"`
}

// LoRaConfig is the radio-facing part of the durable blob.
type LoRaConfig struct {
	SubBand     int             `json:"sub_band"`
	Channels    []ChannelConfig `json:"channels"`
	DefaultRxSF uint8           `json:"default_rx_sf"`
	RxBandwidth gwtype.Bandwidth `json:"rx_bandwidth"`
	TxPowerDbm  int8            `json:"tx_power_dbm"`
	SyncWord    byte            `json:"sync_word"`
}

// LinkConfig names the network interface the link manager should watch.
type LinkConfig struct {
	Interface string `json:"interface"`
}

// ServerConfig is the network-server endpoint and timer configuration.
type ServerConfig struct {
	Host           string `json:"host"`
	Port           int    `json:"port"`
	KeepaliveMs    int    `json:"keepalive_ms"`
	StatIntervalMs int    `json:"stat_interval_ms"`
}

// Blob is the versioned configuration document persisted by the Store.
type Blob struct {
	Version      int          `json:"version"`
	GatewayEUI   [8]byte      `json:"gateway_eui"`
	LoRa         LoRaConfig   `json:"lora"`
	Link         LinkConfig   `json:"link"`
	Server       ServerConfig `json:"server"`
}

// Store is the durable-configuration interface the gateway core depends
// on; it never sees the storage engine behind it.
type Store interface {
	Load() (Blob, error)
	Save(Blob) error
}

// SQLiteStore is the default Store, built on database/sql +
// mattn/go-sqlite3 with the database in WAL mode.
type SQLiteStore struct {
	conn *sql.DB
}

// OpenSQLiteStore opens or creates the database at path and ensures the
// config table exists.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("config: open database: %w", err)
	}
	s := &SQLiteStore{conn: conn}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("config: migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error { return s.conn.Close() }

func (s *SQLiteStore) migrate() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS gateway_config (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		version INTEGER NOT NULL,
		data TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);`
	_, err := s.conn.Exec(schema)
	return err
}

// Load reads the single persisted blob. A missing row is not an error;
// it returns the zero Blob so the caller can fall back to defaults and
// a synthesized EUI.
func (s *SQLiteStore) Load() (Blob, error) {
	var data string
	err := s.conn.QueryRow(`SELECT data FROM gateway_config WHERE id = 1`).Scan(&data)
	if err == sql.ErrNoRows {
		return Blob{}, nil
	}
	if err != nil {
		return Blob{}, fmt.Errorf("config: load: %w", err)
	}
	var blob Blob
	if err := json.Unmarshal([]byte(data), &blob); err != nil {
		return Blob{}, fmt.Errorf("config: decode: %w", err)
	}
	return blob, nil
}

// Save upserts the blob as the single persisted row.
func (s *SQLiteStore) Save(blob Blob) error {
	data, err := json.Marshal(blob)
	if err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	_, err = s.conn.Exec(`
		INSERT INTO gateway_config (id, version, data, updated_at)
		VALUES (1, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET version = excluded.version, data = excluded.data, updated_at = excluded.updated_at`,
		blob.Version, string(data))
	if err != nil {
		return fmt.Errorf("config: save: %w", err)
	}
	return nil
}
