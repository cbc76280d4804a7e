package publish

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/akio/rosgo/ros"

	"rplidar/rosmsg/sensor_msgs"
	"rplidar/rosmsg/std_msgs"
	"rplidar/rplidar"
)

// DEG2RAD converts degrees to radians.
const DEG2RAD float32 = math.Pi / 180

// ROSOptions describes the LaserScan messages sent by ROS.
type ROSOptions struct {
	FrameID  string  `yaml:"frame_id"`
	RangeMin float32 `yaml:"range_min"` // meters.
	RangeMax float32 `yaml:"range_max"` // meters.
	ScanTime float32 `yaml:"scan_time"` // seconds per revolution.
}

// rosSink is the part of ros.Publisher used here.
type rosSink interface {
	Publish(msg ros.Message)
}

// ROS republishes revolutions as sensor_msgs/LaserScan.
type ROS struct {
	sink rosSink
	opts ROSOptions

	mu  sync.Mutex
	seq uint32
}

// NewROS advertises topic on node.
func NewROS(node ros.Node, topic string, opts ROSOptions) *ROS {
	return newROS(node.NewPublisher(topic, sensor_msgs.MsgLaserScan), opts)
}

func newROS(sink rosSink, opts ROSOptions) *ROS {
	return &ROS{sink: sink, opts: opts}
}

// Publish decodes the revolution payload and sends it as a LaserScan. The rplidar
// topic is ignored in favor of the advertised ROS topic.
func (r *ROS) Publish(ctx context.Context, _ string, payload []byte) error {
	rev, err := rplidar.UnmarshalRevolution(payload)
	if err != nil {
		return err
	}

	r.mu.Lock()
	seq := r.seq
	r.seq++
	r.mu.Unlock()

	r.sink.Publish(LaserScan(rev, seq, time.Now(), r.opts))
	return nil
}

// LaserScan converts a revolution. Empty slots get a zero range, which is below
// range_min and therefore discarded by consumers.
func LaserScan(rev *rplidar.Revolution, seq uint32, stamp time.Time, opts ROSOptions) *sensor_msgs.LaserScan {
	ranges := make([]float32, len(rev))
	intensities := make([]float32, len(rev))
	for i, p := range rev {
		if p.Empty() {
			continue
		}
		// Convert from mm to m.
		ranges[i] = p.Distance / 1000
		intensities[i] = float32(p.Quality)
	}

	return &sensor_msgs.LaserScan{
		Header: std_msgs.Header{
			Seq:     seq,
			Stamp:   ros.NewTime(uint32(stamp.Unix()), uint32(stamp.Nanosecond())),
			FrameId: opts.FrameID,
		},
		AngleMin:       0,
		AngleMax:       DEG2RAD * float32(len(rev)-1),
		AngleIncrement: DEG2RAD,
		TimeIncrement:  opts.ScanTime / float32(len(rev)),
		ScanTime:       opts.ScanTime,
		RangeMin:       opts.RangeMin,
		RangeMax:       opts.RangeMax,
		Ranges:         ranges,
		Intensities:    intensities,
	}
}
