package radio

// SPI is a generic SPI device connection: a single full-duplex transaction
// under one chip-select assertion. len(r) must be >= len(w); implementations
// write w and read the same number of bytes back into r.
type SPI interface {
	Tx(w, r []byte) error
}

// Level is the logical level of a GPIO pin.
type Level bool

const (
	Low  Level = false
	High Level = true
)

// Pull is the pin's internal pull resistor state.
type Pull uint8

const (
	PullNoChange Pull = iota
	PullFloat
	PullDown
	PullUp
)

// Edge is the signal edge a Pin.Watch callback fires on.
type Edge uint8

const (
	NoEdge Edge = iota
	RisingEdge
	FallingEdge
	BothEdges
)

// Pin is a generic GPIO pin: reset line, chip-select, or DIO0 interrupt line.
type Pin interface {
	Out(l Level) error
	In(pull Pull) error
	Read() Level
	// Watch arms handler to run on every occurrence of edge until Unwatch.
	// handler must not block; it runs on the implementation's own goroutine.
	Watch(edge Edge, handler func()) error
	Unwatch() error
}
