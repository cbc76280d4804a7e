package rplidar_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rplidar/mocks"
	"rplidar/publish"
	"rplidar/rplidar"
	"rplidar/sim"
)

// scriptedPort answers each request with the next queued reply for its command.
type scriptedPort struct {
	mu      sync.Mutex
	in      bytes.Buffer
	written [][]byte
	replies map[rplidar.Command][][]byte
	readErr error // returned once in is drained.
	motor   []bool
}

func newScriptedPort() *scriptedPort {
	return &scriptedPort{replies: map[rplidar.Command][][]byte{}}
}

func (p *scriptedPort) queue(cmd rplidar.Command, reply []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replies[cmd] = append(p.replies[cmd], reply)
}

func (p *scriptedPort) Open() error  { return nil }
func (p *scriptedPort) Close() error { return nil }

func (p *scriptedPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.written = append(p.written, append([]byte(nil), b...))
	cmd := rplidar.Command(b[1])
	if q := p.replies[cmd]; len(q) > 0 {
		p.in.Write(q[0])
		p.replies[cmd] = q[1:]
	}
	return len(b), nil
}

func (p *scriptedPort) ReadByte() (byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.in.Len() > 0 {
		return p.in.ReadByte()
	}
	if p.readErr != nil {
		return 0, p.readErr
	}
	return 0, rplidar.ErrNoData
}

func (p *scriptedPort) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.in.Len()
}

func (p *scriptedPort) SetMotor(on bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.motor = append(p.motor, on)
	return nil
}

func (p *scriptedPort) stale(b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.in.Write(b)
}

func infoReply(model, hardware byte) []byte {
	payload := make([]byte, 20)
	payload[0], payload[3] = model, hardware
	return append(sim.Descriptor(20, 0, 0x04), payload...)
}

func healthReply(status byte, code uint16) []byte {
	return append(sim.Descriptor(3, 0, 0x06), status, byte(code), byte(code>>8))
}

var fast = []rplidar.Option{
	rplidar.WithCommandTimeout(50 * time.Millisecond),
	rplidar.WithPollInterval(time.Millisecond),
	rplidar.WithResetDelay(time.Millisecond),
	rplidar.WithStopDelay(time.Millisecond),
}

func openScripted(t *testing.T, opts ...rplidar.Option) (*rplidar.Lidar, *scriptedPort, *rplidar.Metrics) {
	port := newScriptedPort()
	port.queue(rplidar.GetInfo, infoReply(0x18, 7))
	m := rplidar.NewMetrics(nil)
	lidar := rplidar.NewLidar(port, publish.Discard, append(append(fast, rplidar.WithMetrics(m)), opts...)...)
	_, err := lidar.Open(context.Background())
	require.NoError(t, err)
	return lidar, port, m
}

func TestOpenRetriesUntilReady(t *testing.T) {
	dev := sim.NewDevice(sim.Config{Model: 0x18, Hardware: 7, UnreadyInfos: 4})
	m := rplidar.NewMetrics(nil)
	lidar := rplidar.NewLidar(dev, publish.Discard, append(fast, rplidar.WithMetrics(m))...)

	info, err := lidar.Open(context.Background())
	require.NoError(t, err)

	assert.Equal(t, byte(0x18), info.Model)
	assert.Equal(t, 4, dev.Resets())
	assert.Equal(t, 5, dev.Opens())
	assert.Equal(t, 4.0, testutil.ToFloat64(m.DeviceResets))
}

func TestOpenFailsWhenDeviceNeverAnswers(t *testing.T) {
	dev := sim.NewDevice(sim.Config{Model: 0x18, Silent: true})
	m := rplidar.NewMetrics(nil)
	lidar := rplidar.NewLidar(dev, publish.Discard, append(fast,
		rplidar.WithMetrics(m),
		rplidar.WithCommandTimeout(10*time.Millisecond))...)

	_, err := lidar.Open(context.Background())
	assert.ErrorIs(t, err, rplidar.ErrOpenFailed)
	assert.Equal(t, 4, dev.Resets())
	assert.Equal(t, 5.0, testutil.ToFloat64(m.CommandTimeouts))

	// A failed open leaves the port closed.
	_, err = dev.ReadByte()
	assert.ErrorIs(t, err, sim.ErrClosed)
	_, err = lidar.GetHealth(context.Background())
	assert.ErrorIs(t, err, rplidar.ErrNotOpen)
}

func TestOpenTransportFailure(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	port := mocks.NewMockTransport(mockCtrl)
	port.EXPECT().Open().Return(errors.New("no such device")).Times(1)

	lidar := rplidar.NewLidar(port, publish.Discard, fast...)
	_, err := lidar.Open(context.Background())
	assert.ErrorIs(t, err, rplidar.ErrTransportOpenFailed)
}

func TestGetDeviceInfoSendsRequest(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	port := mocks.NewMockTransport(mockCtrl)

	reply := bytes.NewBuffer(infoReply(0x18, 7))
	port.EXPECT().Open().Return(nil).Times(1)
	port.EXPECT().Buffered().Return(0).AnyTimes()
	port.EXPECT().Write([]byte{0xA5, 0x50}).Return(2, nil).Times(1)
	port.EXPECT().ReadByte().DoAndReturn(func() (byte, error) {
		if reply.Len() == 0 {
			return 0, rplidar.ErrNoData
		}
		return reply.ReadByte()
	}).Times(rplidar.InfoResponseSize)

	lidar := rplidar.NewLidar(port, publish.Discard, fast...)
	info, err := lidar.Open(context.Background())
	require.NoError(t, err)
	assert.Equal(t, byte(7), info.Hardware)
}

func TestNotOpen(t *testing.T) {
	lidar := rplidar.NewLidar(newScriptedPort(), publish.Discard, fast...)

	_, err := lidar.GetHealth(context.Background())
	assert.ErrorIs(t, err, rplidar.ErrNotOpen)
	assert.ErrorIs(t, lidar.StartScan(context.Background()), rplidar.ErrNotOpen)
	assert.NoError(t, lidar.Stop())
}

func TestGetHealth(t *testing.T) {
	lidar, port, _ := openScripted(t)
	port.queue(rplidar.GetHealth, healthReply(1, 0x8001))

	h, err := lidar.GetHealth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, rplidar.HealthPoor, h.Status)
	assert.Equal(t, int16(-32767), h.ErrorCode)
}

func TestGetHealthFlushesStaleInput(t *testing.T) {
	lidar, port, _ := openScripted(t)
	port.stale([]byte{0xA5, 0x5A, 0x03, 0x00, 0x00, 0x00, 0x06, 0x02, 0x00})
	port.queue(rplidar.GetHealth, healthReply(0, 0))

	h, err := lidar.GetHealth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, rplidar.HealthGood, h.Status)
}

func TestGetHealthTimesOutOnShortReply(t *testing.T) {
	lidar, port, m := openScripted(t)
	port.queue(rplidar.GetHealth, healthReply(0, 0)[:6])

	start := time.Now()
	_, err := lidar.GetHealth(context.Background())
	assert.ErrorIs(t, err, rplidar.ErrTimedOut)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CommandTimeouts))
}

func TestGetHealthProtocolViolation(t *testing.T) {
	lidar, port, _ := openScripted(t)
	port.queue(rplidar.GetHealth, healthReply(4, 0))

	_, err := lidar.GetHealth(context.Background())
	assert.ErrorIs(t, err, rplidar.ErrProtocolViolation)
}

func TestGetHealthHonorsContext(t *testing.T) {
	lidar, _, _ := openScripted(t, rplidar.WithCommandTimeout(time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := lidar.GetHealth(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStartScanPublishesRevolutions(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	pub := mocks.NewMockPublisher(mockCtrl)

	revs := make(chan *rplidar.Revolution, 16)
	pub.EXPECT().Publish(gomock.Any(), "scan", gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, payload []byte) error {
			rev, err := rplidar.UnmarshalRevolution(payload)
			if err != nil {
				return err
			}
			select {
			case revs <- rev:
			default:
			}
			return nil
		}).MinTimes(2)

	cfg := sim.DefaultConfig()
	cfg.RevolutionPeriod = 0
	dev := sim.NewDevice(cfg)
	lidar := rplidar.NewLidar(dev, pub, append(fast, rplidar.WithTopic("scan"))...)

	_, err := lidar.Open(context.Background())
	require.NoError(t, err)
	require.NoError(t, lidar.StartScan(context.Background()))
	assert.True(t, dev.Motor())

	// The first revolution only holds the opening sample; wait for a full one.
	var rev *rplidar.Revolution
	for i := 0; i < 2; i++ {
		select {
		case rev = <-revs:
		case <-time.After(2 * time.Second):
			t.Fatal("no revolution published")
		}
	}
	assert.Equal(t, 360, rev.Count())
	assert.InDelta(t, 2000, rev[0].Distance, 0.5)
	assert.InDelta(t, 1500, rev[90].Distance, 0.5)
	assert.Equal(t, int32(47), rev[90].Quality)

	_, err = lidar.GetHealth(context.Background())
	assert.ErrorIs(t, err, rplidar.ErrScanActive)
	assert.ErrorIs(t, lidar.StartScan(context.Background()), rplidar.ErrScanActive)

	require.NoError(t, lidar.Stop())
	<-lidar.Done()
	assert.NoError(t, lidar.Err())
	assert.False(t, dev.Scanning())
	assert.False(t, dev.Motor())
	assert.GreaterOrEqual(t, lidar.Revolutions(), uint64(2))

	reqs := dev.Requests()
	assert.Equal(t, rplidar.Stop, reqs[len(reqs)-1])
}

func TestStartScanForceScan(t *testing.T) {
	dev := sim.NewDevice(sim.DefaultConfig())
	lidar := rplidar.NewLidar(dev, publish.Discard, append(fast, rplidar.WithForceScan(true))...)

	_, err := lidar.Open(context.Background())
	require.NoError(t, err)
	require.NoError(t, lidar.StartScan(context.Background()))
	require.NoError(t, lidar.Reset())

	assert.Contains(t, dev.Requests(), rplidar.ForceScan)
	assert.NotContains(t, dev.Requests(), rplidar.Scan)
	assert.Equal(t, 1, dev.Resets())
}

func TestStartScanTimesOut(t *testing.T) {
	lidar, port, _ := openScripted(t)

	err := lidar.StartScan(context.Background())
	assert.ErrorIs(t, err, rplidar.ErrTimedOut)
	assert.Equal(t, []bool{true, false}, port.motor, "motor stops when the scan is not acknowledged")
}

func TestStreamEndsOnTransportError(t *testing.T) {
	lidar, port, _ := openScripted(t)
	port.queue(rplidar.Scan, sim.Descriptor(5, 1, 0x81))
	port.readErr = io.ErrUnexpectedEOF

	require.NoError(t, lidar.StartScan(context.Background()))

	select {
	case <-lidar.Done():
	case <-time.After(time.Second):
		t.Fatal("stream did not end")
	}
	assert.ErrorIs(t, lidar.Err(), io.ErrUnexpectedEOF)

	// The stream is gone, so queries work again.
	port.queue(rplidar.GetHealth, healthReply(0, 0))
	port.readErr = nil
	_, err := lidar.GetHealth(context.Background())
	assert.NoError(t, err)
}

func TestCloseWithoutStream(t *testing.T) {
	lidar, port, _ := openScripted(t)

	require.NoError(t, lidar.Close())
	select {
	case <-lidar.Done():
	default:
		t.Fatal("Done should be closed without a stream")
	}
	assert.Len(t, port.written, 1, "close sends no command")
}
