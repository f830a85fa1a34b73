package radio

import (
	"fmt"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

// periphPin adapts a periph.io gpio.PinIO to the Pin interface.
type periphPin struct {
	gpio.PinIO
	stop chan struct{}
}

func (p *periphPin) Out(l Level) error {
	if l == High {
		return p.PinIO.Out(gpio.High)
	}
	return p.PinIO.Out(gpio.Low)
}

func (p *periphPin) In(pull Pull) error {
	var pp gpio.Pull
	switch pull {
	case PullFloat:
		pp = gpio.Float
	case PullDown:
		pp = gpio.PullDown
	case PullUp:
		pp = gpio.PullUp
	default:
		pp = gpio.PullNoChange
	}
	return p.PinIO.In(pp, gpio.NoEdge)
}

func (p *periphPin) Read() Level {
	return p.PinIO.Read() == gpio.High
}

func (p *periphPin) Watch(edge Edge, handler func()) error {
	var pe gpio.Edge
	switch edge {
	case RisingEdge:
		pe = gpio.RisingEdge
	case FallingEdge:
		pe = gpio.FallingEdge
	case BothEdges:
		pe = gpio.BothEdges
	default:
		pe = gpio.NoEdge
	}
	if err := p.PinIO.In(gpio.PullDown, pe); err != nil {
		return err
	}
	p.stop = make(chan struct{})
	go func() {
		for {
			if p.PinIO.WaitForEdge(-1) {
				select {
				case <-p.stop:
					return
				default:
					handler()
				}
			} else {
				select {
				case <-p.stop:
					return
				default:
				}
			}
		}
	}()
	return nil
}

func (p *periphPin) Unwatch() error {
	if p.stop != nil {
		close(p.stop)
		p.stop = nil
	}
	return p.PinIO.In(gpio.PullDown, gpio.NoEdge)
}

// PeriphConfig locates one transceiver's SPI device and GPIO lines on a
// Linux host using periph.io.
type PeriphConfig struct {
	SpiBusPath string // e.g. "/dev/spidev0.0"
	SpiClockHz int     // defaults to 4 MHz, the register-I/O bus speed named in the spec
	ResetPin   string  // periph.io pin name, e.g. "GPIO22"
	DIO0Pin    string  // periph.io pin name, e.g. "GPIO4"
}

// OpenPeriph initializes the periph.io host once per process and returns
// the SPI connection and pins for one radio. Call it once per transceiver
// with a distinct SpiBusPath/chip-select.
func OpenPeriph(c PeriphConfig) (SPI, Pin, Pin, error) {
	if _, err := host.Init(); err != nil {
		return nil, nil, nil, fmt.Errorf("radio: periph host init: %w", err)
	}
	if c.SpiClockHz == 0 {
		c.SpiClockHz = 4000000
	}
	port, err := spireg.Open(c.SpiBusPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("radio: open spi %s: %w", c.SpiBusPath, err)
	}
	conn, err := port.Connect(physic.Frequency(c.SpiClockHz)*physic.Hertz, spi.Mode0, 8)
	if err != nil {
		port.Close()
		return nil, nil, nil, fmt.Errorf("radio: spi connect: %w", err)
	}

	var resetPin, dio0Pin Pin
	if c.ResetPin != "" {
		rp := gpioreg.ByName(c.ResetPin)
		if rp == nil {
			return nil, nil, nil, fmt.Errorf("radio: reset pin %s not found", c.ResetPin)
		}
		resetPin = &periphPin{PinIO: rp}
	}
	if c.DIO0Pin != "" {
		dp := gpioreg.ByName(c.DIO0Pin)
		if dp == nil {
			return nil, nil, nil, fmt.Errorf("radio: dio0 pin %s not found", c.DIO0Pin)
		}
		dio0Pin = &periphPin{PinIO: dp}
	}
	return spiConn{conn}, resetPin, dio0Pin, nil
}

// spiConn adapts periph.io's spi.Conn (which exposes Tx with a fixed
// signature already matching ours) to the SPI interface by value.
type spiConn struct {
	conn spi.Conn
}

func (s spiConn) Tx(w, r []byte) error { return s.conn.Tx(w, r) }
