package rplidar

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

const (
	// DefaultTopic is the topic revolutions are published on.
	DefaultTopic = "RpLidar"

	// DefaultCommandTimeout bounds every command/response exchange.
	DefaultCommandTimeout = 500 * time.Millisecond

	// DefaultPollInterval is the pause between transport polls.
	DefaultPollInterval = 2 * time.Millisecond

	// DefaultOpenAttempts is the number of GetInfo tries during Open.
	DefaultOpenAttempts = 5

	// DefaultResetDelay lets the device reboot after a Reset command.
	DefaultResetDelay = 500 * time.Millisecond

	// DefaultStopDelay lets in-flight samples drain after a Stop command.
	DefaultStopDelay = 100 * time.Millisecond
)

type options struct {
	topic          string
	commandTimeout time.Duration
	pollInterval   time.Duration
	openAttempts   int
	resetDelay     time.Duration
	stopDelay      time.Duration
	forceScan      bool
	metrics        *Metrics
}

// Option configures a Lidar.
type Option func(*options)

// WithTopic sets the publish topic.
func WithTopic(topic string) Option {
	return func(o *options) { o.topic = topic }
}

// WithCommandTimeout sets the deadline of command/response exchanges.
func WithCommandTimeout(d time.Duration) Option {
	return func(o *options) { o.commandTimeout = d }
}

// WithPollInterval sets the pause between transport polls.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) { o.pollInterval = d }
}

// WithOpenAttempts sets how many handshakes Open tries.
func WithOpenAttempts(n int) Option {
	return func(o *options) { o.openAttempts = n }
}

// WithResetDelay sets the pause after a Reset command.
func WithResetDelay(d time.Duration) Option {
	return func(o *options) { o.resetDelay = d }
}

// WithStopDelay sets the pause after a Stop command.
func WithStopDelay(d time.Duration) Option {
	return func(o *options) { o.stopDelay = d }
}

// WithForceScan starts scanning with ForceScan instead of Scan.
func WithForceScan(force bool) Option {
	return func(o *options) { o.forceScan = force }
}

// WithMetrics sets the collectors updated by the driver.
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// stream is one scan session.
type stream struct {
	asm    *Assembler
	cancel context.CancelFunc
	done   chan struct{}
	err    error // set before done is closed.
}

// Lidar is the RPLIDAR driver. Command exchanges and the scan stream never read the
// transport at the same time.
type Lidar struct {
	transport Transport
	pub       Publisher
	opts      options

	mu     sync.Mutex
	open   bool
	stream *stream
}

// NewLidar returns a driver for the device behind t. Revolutions go to pub.
func NewLidar(t Transport, pub Publisher, opts ...Option) *Lidar {
	o := options{
		topic:          DefaultTopic,
		commandTimeout: DefaultCommandTimeout,
		pollInterval:   DefaultPollInterval,
		openAttempts:   DefaultOpenAttempts,
		resetDelay:     DefaultResetDelay,
		stopDelay:      DefaultStopDelay,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics = NewMetrics(nil)
	}
	return &Lidar{
		transport: t,
		pub:       pub,
		opts:      o,
	}
}

// Open opens the transport and retries GetInfo, resetting the device between attempts,
// until it reports a model or hardware revision.
func (l *Lidar) Open(ctx context.Context) (DeviceInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	glog.Infof("Opening lidar")
	if l.open {
		l.detach()
		if err := l.closeTransport(); err != nil {
			glog.Warningf("Error closing transport: %v", err)
		}
	}
	if err := l.openTransport(); err != nil {
		return DeviceInfo{}, err
	}

	for attempt := 1; attempt <= l.opts.openAttempts; attempt++ {
		info, err := l.deviceInfo(ctx)
		if err == nil && info.Ready() {
			glog.Infof("Lidar %v", info)
			return info, nil
		}
		if ctx.Err() != nil {
			l.closeTransport()
			return DeviceInfo{}, ctx.Err()
		}
		if err == nil {
			err = errors.New("model and hardware are zero")
		}
		glog.Warningf("Unable to get device info (attempt %d/%d): %v", attempt, l.opts.openAttempts, err)
		if attempt == l.opts.openAttempts {
			break
		}

		glog.Warningf("Resetting lidar")
		if err := l.reset(ctx); err != nil {
			return DeviceInfo{}, err
		}
		if err := l.openTransport(); err != nil {
			return DeviceInfo{}, err
		}
	}

	glog.Errorf("Open lidar failed after %d tries", l.opts.openAttempts)
	if err := l.closeTransport(); err != nil {
		glog.Warningf("Error closing transport: %v", err)
	}
	return DeviceInfo{}, fmt.Errorf("%d attempts: %w", l.opts.openAttempts, ErrOpenFailed)
}

// GetDeviceInfo queries model, firmware, hardware and serial number.
func (l *Lidar) GetDeviceInfo(ctx context.Context) (DeviceInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.idle(); err != nil {
		return DeviceInfo{}, err
	}
	return l.deviceInfo(ctx)
}

// GetHealth queries the device self-test state.
func (l *Lidar) GetHealth(ctx context.Context) (Health, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.idle(); err != nil {
		return Health{}, err
	}

	resp, err := l.sendAndAwait(ctx, GetHealth, nil, HealthResponseSize, l.opts.commandTimeout)
	if err != nil {
		return Health{}, err
	}
	h, err := DecodeHealth(resp)
	if err != nil {
		glog.Errorf("Bad health response %X: %v", resp, err)
		return h, err
	}
	glog.Infof("Lidar Health %v", h.Status)
	return h, nil
}

// StartScan requests scanning and starts consuming the sample stream in a new goroutine.
// The stream runs until Stop, Reset, Close or cancellation of ctx.
func (l *Lidar) StartScan(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.idle(); err != nil {
		return err
	}

	l.motor(true)

	cmd := Scan
	if l.opts.forceScan {
		cmd = ForceScan
	}
	resp, err := l.sendAndAwait(ctx, cmd, nil, ScanResponseSize, l.opts.commandTimeout)
	if err != nil {
		l.motor(false)
		return fmt.Errorf("failed to start scan: %w", err)
	}
	desc, err := DecodeDescriptor(resp)
	if err != nil {
		l.motor(false)
		return fmt.Errorf("failed to start scan: %w", err)
	}
	if !desc.Valid() {
		glog.Warningf("Unexpected scan response descriptor %X", resp)
	}
	glog.Infof("Scan started: type 0x%X mode %d", desc.DataType, desc.SendMode)

	sctx, cancel := context.WithCancel(ctx)
	s := &stream{
		asm:    NewAssembler(l.pub, l.opts.topic, l.opts.metrics),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	l.stream = s
	l.opts.metrics.Streaming.Set(1)
	go l.consume(sctx, s)
	return nil
}

// Stop ends scanning, drains the stream and closes the transport.
func (l *Lidar) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.open {
		return nil
	}

	glog.Infof("Stopping scan")
	l.detach()
	_, werr := l.transport.Write(EncodeRequest(Stop, nil))
	time.Sleep(l.opts.stopDelay)
	l.flush()
	l.motor(false)
	return errors.Join(werr, l.closeTransport())
}

// Reset reboots the device and closes the transport.
func (l *Lidar) Reset() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.open {
		return nil
	}
	return l.reset(context.Background())
}

// Close stops consuming the stream and closes the transport without sending commands.
func (l *Lidar) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.open {
		return nil
	}
	l.detach()
	return l.closeTransport()
}

// Done is closed when the current scan stream ends. With no stream it is already closed.
func (l *Lidar) Done() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stream == nil {
		c := make(chan struct{})
		close(c)
		return c
	}
	return l.stream.done
}

// Err returns the error that ended the scan stream, if any.
func (l *Lidar) Err() error {
	l.mu.Lock()
	s := l.stream
	l.mu.Unlock()
	if s == nil {
		return nil
	}
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Revolutions returns the number of revolutions published by the current stream.
func (l *Lidar) Revolutions() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stream == nil {
		return 0
	}
	return l.stream.asm.Revolutions()
}

// consume feeds transport bytes to the assembler until ctx ends or the transport fails.
func (l *Lidar) consume(ctx context.Context, s *stream) {
	defer close(s.done)
	defer l.opts.metrics.Streaming.Set(0)

	tick := time.NewTicker(l.opts.pollInterval)
	defer tick.Stop()

	for ctx.Err() == nil {
		b, err := l.transport.ReadByte()
		if err == nil {
			s.asm.Feed(ctx, b)
			continue
		}
		if !errors.Is(err, ErrNoData) {
			s.err = fmt.Errorf("scan stream: %w", err)
			glog.Errorf("Scan stream ended: %v", err)
			return
		}
		select {
		case <-ctx.Done():
		case <-tick.C:
		}
	}
}

// idle checks the preconditions of a command exchange. Callers hold mu.
func (l *Lidar) idle() error {
	if !l.open {
		return ErrNotOpen
	}
	if l.streaming() {
		return ErrScanActive
	}
	return nil
}

func (l *Lidar) streaming() bool {
	if l.stream == nil {
		return false
	}
	select {
	case <-l.stream.done:
		return false
	default:
		return true
	}
}

// detach stops the scan goroutine and waits for it. Callers hold mu.
func (l *Lidar) detach() {
	if l.stream == nil {
		return
	}
	l.stream.cancel()
	<-l.stream.done
}

func (l *Lidar) deviceInfo(ctx context.Context) (DeviceInfo, error) {
	resp, err := l.sendAndAwait(ctx, GetInfo, nil, InfoResponseSize, l.opts.commandTimeout)
	if err != nil {
		return DeviceInfo{}, err
	}
	return DecodeInfo(resp)
}

// reset detaches the stream, sends Reset, closes the transport and waits for the
// device to reboot. Callers hold mu.
func (l *Lidar) reset(ctx context.Context) error {
	l.detach()
	l.opts.metrics.DeviceResets.Inc()
	if _, err := l.transport.Write(EncodeRequest(Reset, nil)); err != nil {
		glog.Warningf("Error sending reset command: %v", err)
	}
	if err := l.closeTransport(); err != nil {
		glog.Warningf("Error closing transport: %v", err)
	}
	return sleep(ctx, l.opts.resetDelay)
}

// motor switches the scan motor when the transport supports it.
func (l *Lidar) motor(on bool) {
	mc, ok := l.transport.(MotorController)
	if !ok {
		return
	}
	if err := mc.SetMotor(on); err != nil {
		glog.Warningf("Failed to switch motor (on=%v): %v", on, err)
	}
}

func (l *Lidar) openTransport() error {
	if err := l.transport.Open(); err != nil {
		glog.Errorf("Failed to open transport: %v", err)
		return fmt.Errorf("%w: %v", ErrTransportOpenFailed, err)
	}
	l.open = true
	return nil
}

func (l *Lidar) closeTransport() error {
	l.open = false
	return l.transport.Close()
}

// flush discards every byte the transport has buffered.
func (l *Lidar) flush() {
	for l.transport.Buffered() > 0 {
		if _, err := l.transport.ReadByte(); err != nil {
			return
		}
	}
}

// sendAndAwait flushes stale input, sends cmd and collects exactly n reply bytes
// before timeout elapses.
func (l *Lidar) sendAndAwait(ctx context.Context, cmd Command, payload []byte, n int, timeout time.Duration) ([]byte, error) {
	l.flush()

	req := EncodeRequest(cmd, payload)
	glog.V(2).Infof("Request %v: %X", cmd, req)
	if _, err := l.transport.Write(req); err != nil {
		return nil, fmt.Errorf("failed to send %v: %w", cmd, err)
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(l.opts.pollInterval)
	defer tick.Stop()

	out := make([]byte, 0, n)
	for {
		for len(out) < n {
			b, err := l.transport.ReadByte()
			if errors.Is(err, ErrNoData) {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("failed to read %v response: %w", cmd, err)
			}
			out = append(out, b)
		}
		if len(out) == n {
			glog.V(2).Infof("Response %v: %X", cmd, out)
			return out, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			l.opts.metrics.CommandTimeouts.Inc()
			return nil, fmt.Errorf("%v: got %d of %d bytes in %v: %w", cmd, len(out), n, timeout, ErrTimedOut)
		case <-tick.C:
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
