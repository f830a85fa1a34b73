package gateway

import (
	"fmt"
	"net"
)

// DeriveEUI synthesizes an 8-byte gateway EUI from a 6-byte device MAC
// address when none is persisted: MAC[0..3] || 0xFF 0xFE || MAC[3..6].
func DeriveEUI(mac net.HardwareAddr) ([8]byte, error) {
	var eui [8]byte
	if len(mac) != 6 {
		return eui, fmt.Errorf("gateway: MAC address must be 6 bytes, got %d", len(mac))
	}
	copy(eui[0:3], mac[0:3])
	eui[3] = 0xFF
	eui[4] = 0xFE
	copy(eui[5:8], mac[3:6])
	return eui, nil
}
