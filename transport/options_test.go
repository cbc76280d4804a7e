package transport

import (
	"testing"
	"time"

	goserial "github.com/deepakkamesh/go-serial/serial"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
)

func TestPortOptionsNormalizeDefaults(t *testing.T) {
	got, err := PortOptions{}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, DefaultPortOptions(), got)
}

func TestPortOptionsNormalizeExplicitValues(t *testing.T) {
	opts := PortOptions{
		Backend:     BackendGoSerial,
		BaudRate:    256000,
		DataBits:    7,
		StopBits:    2,
		Parity:      " even ",
		ReadTimeout: time.Second,
	}
	got, err := opts.Normalize()
	require.NoError(t, err)
	assert.Equal(t, BackendGoSerial, got.Backend)
	assert.Equal(t, 256000, got.BaudRate)
	assert.Equal(t, 7, got.DataBits)
	assert.Equal(t, 2, got.StopBits)
	assert.Equal(t, "E", got.Parity)
	assert.Equal(t, time.Second, got.ReadTimeout)
}

func TestPortOptionsNormalizeInvalid(t *testing.T) {
	tests := []struct {
		name string
		opts PortOptions
	}{
		{"backend", PortOptions{Backend: "usb"}},
		{"data bits", PortOptions{DataBits: 9}},
		{"stop bits", PortOptions{StopBits: 3}},
		{"parity", PortOptions{Parity: "M"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.opts.Normalize()
			assert.Error(t, err)
		})
	}
}

func TestPortOptionsSerialMode(t *testing.T) {
	mode := DefaultPortOptions().SerialMode()
	assert.Equal(t, &serial.Mode{
		BaudRate: 115200,
		DataBits: 8,
		StopBits: serial.OneStopBit,
		Parity:   serial.NoParity,
	}, mode)

	opts, err := PortOptions{StopBits: 2, Parity: "O"}.Normalize()
	require.NoError(t, err)
	mode = opts.SerialMode()
	assert.Equal(t, serial.TwoStopBits, mode.StopBits)
	assert.Equal(t, serial.OddParity, mode.Parity)
}

func TestPortOptionsOpenOptions(t *testing.T) {
	got := DefaultPortOptions().OpenOptions("/dev/ttyUSB0")
	assert.Equal(t, "/dev/ttyUSB0", got.PortName)
	assert.Equal(t, uint(115200), got.BaudRate)
	assert.Equal(t, uint(8), got.DataBits)
	assert.Equal(t, uint(1), got.StopBits)
	assert.Equal(t, goserial.PARITY_NONE, got.ParityMode)
	assert.Equal(t, uint(100), got.InterCharacterTimeout, "rounded up to one tenth")
	assert.Equal(t, uint(0), got.MinimumReadSize)

	opts := DefaultPortOptions()
	opts.Parity = "E"
	opts.ReadTimeout = 740 * time.Millisecond
	got = opts.OpenOptions("COM3")
	assert.Equal(t, goserial.PARITY_EVEN, got.ParityMode)
	assert.Equal(t, uint(700), got.InterCharacterTimeout)
}
