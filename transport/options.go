package transport

import (
	"fmt"
	"strings"
	"time"

	goserial "github.com/deepakkamesh/go-serial/serial"
	"go.bug.st/serial"
)

// Backend selects the serial library used to open the port.
type Backend string

const (
	// BackendBugst opens ports with go.bug.st/serial.
	BackendBugst Backend = "bugst"

	// BackendGoSerial opens ports with go-serial, for termios setups go.bug.st rejects.
	BackendGoSerial Backend = "goserial"
)

// PortOptions describes the serial connection parameters.
type PortOptions struct {
	Backend     Backend       `yaml:"backend"`
	BaudRate    int           `yaml:"baud_rate"`
	DataBits    int           `yaml:"data_bits"`
	StopBits    int           `yaml:"stop_bits"`
	Parity      string        `yaml:"parity"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

// DefaultPortOptions returns the RPLIDAR A-series link settings, 115200 8N1.
func DefaultPortOptions() PortOptions {
	return PortOptions{
		Backend:     BackendBugst,
		BaudRate:    115200,
		DataBits:    8,
		StopBits:    1,
		Parity:      "N",
		ReadTimeout: 50 * time.Millisecond,
	}
}

// Normalize validates the options and applies defaults for any unset values.
func (o PortOptions) Normalize() (PortOptions, error) {
	def := DefaultPortOptions()
	opts := o

	if opts.Backend == "" {
		opts.Backend = def.Backend
	}
	if opts.Backend != BackendBugst && opts.Backend != BackendGoSerial {
		return opts, fmt.Errorf("unsupported backend %q: expected %s or %s", opts.Backend, BackendBugst, BackendGoSerial)
	}

	if opts.BaudRate <= 0 {
		opts.BaudRate = def.BaudRate
	}

	if opts.DataBits == 0 {
		opts.DataBits = def.DataBits
	}
	if opts.DataBits < 5 || opts.DataBits > 8 {
		return opts, fmt.Errorf("invalid data bits %d: must be between 5 and 8", opts.DataBits)
	}

	if opts.StopBits == 0 {
		opts.StopBits = def.StopBits
	}
	if opts.StopBits != 1 && opts.StopBits != 2 {
		return opts, fmt.Errorf("invalid stop bits %d: supported values are 1 or 2", opts.StopBits)
	}

	switch strings.TrimSpace(strings.ToUpper(opts.Parity)) {
	case "", "N", "NONE":
		opts.Parity = "N"
	case "E", "EVEN":
		opts.Parity = "E"
	case "O", "ODD":
		opts.Parity = "O"
	default:
		return opts, fmt.Errorf("unsupported parity %q: expected N, E, or O", opts.Parity)
	}

	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = def.ReadTimeout
	}
	return opts, nil
}

// SerialMode converts normalized options into a go.bug.st/serial mode.
func (o PortOptions) SerialMode() *serial.Mode {
	mode := &serial.Mode{
		BaudRate: o.BaudRate,
		DataBits: o.DataBits,
		StopBits: serial.OneStopBit,
		Parity:   serial.NoParity,
	}
	if o.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	}
	switch o.Parity {
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	}
	return mode
}

// OpenOptions converts normalized options into go-serial open options for name.
func (o PortOptions) OpenOptions(name string) goserial.OpenOptions {
	opts := goserial.OpenOptions{
		PortName:   name,
		BaudRate:   uint(o.BaudRate),
		DataBits:   uint(o.DataBits),
		StopBits:   uint(o.StopBits),
		ParityMode: goserial.PARITY_NONE,
		// VTIME is in tenths of a second; reads return early once anything arrives.
		InterCharacterTimeout: uint(o.ReadTimeout.Round(100 * time.Millisecond).Milliseconds()),
		MinimumReadSize:       0,
	}
	if opts.InterCharacterTimeout == 0 {
		opts.InterCharacterTimeout = 100
	}
	switch o.Parity {
	case "E":
		opts.ParityMode = goserial.PARITY_EVEN
	case "O":
		opts.ParityMode = goserial.PARITY_ODD
	}
	return opts
}
