package rplidar

import (
	"context"
	"sync/atomic"

	"github.com/golang/glog"
)

// Assembler turns the scan byte stream into revolutions. It keeps its own sync state
// and must be fed by a single goroutine.
type Assembler struct {
	pub     Publisher
	topic   string
	metrics *Metrics

	node    [SampleSize]byte
	pos     int
	newScan bool
	rev     Revolution

	revs atomic.Uint64
}

// NewAssembler returns an Assembler that publishes every completed revolution on topic.
func NewAssembler(pub Publisher, topic string, m *Metrics) *Assembler {
	if m == nil {
		m = NewMetrics(nil)
	}
	return &Assembler{
		pub:     pub,
		topic:   topic,
		metrics: m,
		newScan: true,
	}
}

// Revolutions returns the number of revolutions handed to the publisher.
func (a *Assembler) Revolutions() uint64 {
	return a.revs.Load()
}

// Write feeds a chunk of stream bytes. It never fails.
func (a *Assembler) Write(p []byte) (int, error) {
	ctx := context.Background()
	for _, b := range p {
		a.Feed(ctx, b)
	}
	return len(p), nil
}

// Feed consumes one byte of the stream.
func (a *Assembler) Feed(ctx context.Context, b byte) {
	a.metrics.BytesReceived.Inc()

	switch a.pos {
	case 0:
		// Quality byte: start flag and its inverse must differ.
		if s := b & 0x03; s != 0x01 && s != 0x02 {
			a.metrics.BytesDiscarded.Inc()
			return
		}
	case 1:
		// Angle low byte: check bit is always 1.
		if b&0x01 != 0x01 {
			a.metrics.BytesDiscarded.Add(2)
			a.pos = 0
			return
		}
	}

	a.node[a.pos] = b
	a.pos++
	if a.pos < SampleSize {
		return
	}
	a.pos = 0

	sample, err := DecodeSample(a.node[:])
	if err != nil {
		// Unreachable with a full node buffer.
		glog.Errorf("Failed to decode sample %X: %v", a.node, err)
		return
	}
	a.add(ctx, sample)
}

func (a *Assembler) add(ctx context.Context, s RawSample) {
	a.metrics.SamplesDecoded.Inc()

	if a.newScan {
		a.rev = Revolution{}
		a.newScan = false
	}

	if p, ok := s.Point(); ok {
		a.rev[int(p.Angle)] = p
	} else {
		a.metrics.SamplesDropped.Inc()
	}

	if s.StartFlag() {
		a.newScan = true
		a.publish(ctx)
	}
}

func (a *Assembler) publish(ctx context.Context) {
	points := a.rev.Count()
	n := a.revs.Add(1)
	glog.V(3).Infof("Revolution %d: %d points", n, points)

	a.metrics.RevolutionPoints.Set(float64(points))
	if err := a.pub.Publish(ctx, a.topic, MarshalRevolution(&a.rev)); err != nil {
		a.metrics.PublishErrors.Inc()
		glog.Warningf("Failed to publish revolution %d: %v", n, err)
		return
	}
	a.metrics.RevolutionsPublished.Inc()
}
