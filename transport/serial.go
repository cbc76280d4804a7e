// Package transport provides the serial byte channel to the lidar.
package transport

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	goserial "github.com/deepakkamesh/go-serial/serial"
	"github.com/golang/glog"
	"go.bug.st/serial"

	"rplidar/rplidar"
)

var (
	// ErrClosed is returned by reads and writes on a port that is not open.
	ErrClosed = errors.New("serial port closed")

	// ErrAlreadyOpen is returned by Open on an open port.
	ErrAlreadyOpen = errors.New("serial port already open")

	// ErrNoDTR is returned by SetMotor when the port cannot drive DTR.
	ErrNoDTR = errors.New("serial port has no DTR control")
)

// dtrPort is implemented by both serial backends.
type dtrPort interface {
	SetDTR(dtr bool) error
}

// Opener opens the named port.
type Opener func(name string, opts PortOptions) (io.ReadWriteCloser, error)

// OpenBugst opens name with go.bug.st/serial.
func OpenBugst(name string, opts PortOptions) (io.ReadWriteCloser, error) {
	port, err := serial.Open(name, opts.SerialMode())
	if err != nil {
		return nil, err
	}
	if err := port.SetReadTimeout(opts.ReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout: %w", err)
	}
	return port, nil
}

// OpenGoSerial opens name with go-serial.
func OpenGoSerial(name string, opts PortOptions) (io.ReadWriteCloser, error) {
	port, err := goserial.Open(opts.OpenOptions(name))
	if err != nil {
		return nil, err
	}
	return idlePort{port}, nil
}

// idlePort adapts a go-serial port opened with MinimumReadSize 0. When VTIME expires
// with nothing received, read(2) returns 0 and os.File reports io.EOF; that is an idle
// line, not the end of the stream.
type idlePort struct {
	io.ReadWriteCloser
}

func (p idlePort) Read(b []byte) (int, error) {
	n, err := p.ReadWriteCloser.Read(b)
	if n == 0 && err == io.EOF {
		return 0, nil
	}
	return n, err
}

func (p idlePort) SetDTR(dtr bool) error {
	d, ok := p.ReadWriteCloser.(dtrPort)
	if !ok {
		return ErrNoDTR
	}
	return d.SetDTR(dtr)
}

// DetectPort returns the last serial port the system reports.
func DetectPort() (string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return "", err
	}
	if len(ports) == 0 {
		return "", fmt.Errorf("no serial ports found")
	}
	glog.Infof("Serial ports: %v", ports)
	return ports[len(ports)-1], nil
}

// Serial is a lidar transport over a serial port. A pump goroutine drains the port
// into an in-memory buffer so reads never block.
type Serial struct {
	name   string
	opts   PortOptions
	opener Opener

	mu   sync.Mutex
	port io.ReadWriteCloser
	buf  bytes.Buffer
	err  error // terminal read error of the current port.
	done chan struct{}
}

// NewSerial returns a transport for the named port. An empty name is auto-detected.
func NewSerial(name string, opts PortOptions) (*Serial, error) {
	opts, err := opts.Normalize()
	if err != nil {
		return nil, err
	}
	opener := OpenBugst
	if opts.Backend == BackendGoSerial {
		opener = OpenGoSerial
	}
	if name == "" {
		if name, err = DetectPort(); err != nil {
			return nil, err
		}
	}
	return NewSerialWithOpener(name, opts, opener), nil
}

// NewSerialWithOpener returns a transport that opens its port with opener.
func NewSerialWithOpener(name string, opts PortOptions, opener Opener) *Serial {
	return &Serial{
		name:   name,
		opts:   opts,
		opener: opener,
	}
}

// Name returns the port path.
func (s *Serial) Name() string {
	return s.name
}

// Open opens the port and starts the pump.
func (s *Serial) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port != nil {
		return ErrAlreadyOpen
	}

	port, err := s.opener(s.name, s.opts)
	if err != nil {
		return fmt.Errorf("error opening %s: %w", s.name, err)
	}
	glog.Infof("Connected to port: %v", s.name)

	s.port = port
	s.err = nil
	s.buf.Reset()
	s.done = make(chan struct{})
	go s.pump(port, s.done)
	return nil
}

// Close closes the port, waits for the pump and drops unread bytes.
func (s *Serial) Close() error {
	s.mu.Lock()
	port, done := s.port, s.done
	s.port = nil
	s.mu.Unlock()
	if port == nil {
		return nil
	}

	err := port.Close()
	<-done

	s.mu.Lock()
	s.buf.Reset()
	s.err = nil
	s.mu.Unlock()
	return err
}

// Write sends p to the device.
func (s *Serial) Write(p []byte) (int, error) {
	s.mu.Lock()
	port := s.port
	s.mu.Unlock()
	if port == nil {
		return 0, ErrClosed
	}
	return port.Write(p)
}

// SetMotor switches the scan motor. The A-series USB adapter runs the motor while
// DTR is deasserted.
func (s *Serial) SetMotor(on bool) error {
	s.mu.Lock()
	port := s.port
	s.mu.Unlock()
	if port == nil {
		return ErrClosed
	}
	p, ok := port.(dtrPort)
	if !ok {
		return ErrNoDTR
	}
	glog.V(1).Infof("Motor on=%v", on)
	return p.SetDTR(!on)
}

// ReadByte returns the next buffered byte, rplidar.ErrNoData if there is none, or the
// error that stopped the pump once the buffer is empty.
func (s *Serial) ReadByte() (byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buf.Len() > 0 {
		return s.buf.ReadByte()
	}
	if s.err != nil {
		return 0, s.err
	}
	if s.port == nil {
		return 0, ErrClosed
	}
	return 0, rplidar.ErrNoData
}

// Buffered returns the number of bytes ReadByte can return without waiting.
func (s *Serial) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Len()
}

// pump copies port input into the buffer until a read fails.
func (s *Serial) pump(port io.Reader, done chan struct{}) {
	defer close(done)
	chunk := make([]byte, 256)
	for {
		n, err := port.Read(chunk)

		s.mu.Lock()
		if n > 0 {
			s.buf.Write(chunk[:n])
		}
		if err != nil {
			if s.port != nil {
				s.err = err
				glog.Errorf("Failed to read serial %v: %v", s.name, err)
			}
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
	}
}
