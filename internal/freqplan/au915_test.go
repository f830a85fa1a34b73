package freqplan

import "testing"

func TestUplinkChannelHz(t *testing.T) {
	cases := []struct {
		n    int
		want uint32
	}{
		{0, 915200000},
		{1, 915400000},
		{63, 915200000 + 63*200000},
	}
	for _, c := range cases {
		if got := UplinkChannelHz(c.n); got != c.want {
			t.Errorf("UplinkChannelHz(%d) = %d, want %d", c.n, got, c.want)
		}
	}
}

func TestDownlinkChannelHz(t *testing.T) {
	cases := []struct {
		n    int
		want uint32
	}{
		{0, 923300000},
		{7, 923300000 + 7*600000},
	}
	for _, c := range cases {
		if got := DownlinkChannelHz(c.n); got != c.want {
			t.Errorf("DownlinkChannelHz(%d) = %d, want %d", c.n, got, c.want)
		}
	}
}

func TestSubBand(t *testing.T) {
	cases := []struct {
		ch   int
		want int
	}{
		{0, 0}, {7, 0}, {8, 1}, {63, 7},
	}
	for _, c := range cases {
		if got := SubBand(c.ch); got != c.want {
			t.Errorf("SubBand(%d) = %d, want %d", c.ch, got, c.want)
		}
	}
}

// TestRX1DownlinkChannelDivergesFromModulo asserts the literal n/8 formula,
// which is not equivalent to n%8 for every uplink channel.
func TestRX1DownlinkChannelDivergesFromModulo(t *testing.T) {
	cases := []struct {
		uplink int
		want   int
	}{
		{0, 0},
		{7, 0},
		{8, 1},
		{17, 2}, // 17/8 = 2, whereas 17%8 = 1
		{63, 7},
		{100, 7}, // capped
	}
	for _, c := range cases {
		if got := RX1DownlinkChannel(c.uplink); got != c.want {
			t.Errorf("RX1DownlinkChannel(%d) = %d, want %d", c.uplink, got, c.want)
		}
	}
	if got, mod := RX1DownlinkChannel(17), 17%8; got == mod {
		t.Errorf("RX1DownlinkChannel(17) = %d matched n%%8 (%d); expected literal n/8 divergence", got, mod)
	}
}
