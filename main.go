// Command rplidar streams RPLIDAR revolutions to redis and ROS.
//
//	rplidar [-config bridge.yaml] [-sim] [device]
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/akio/rosgo/ros"
	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"rplidar/config"
	"rplidar/publish"
	"rplidar/rplidar"
	"rplidar/sim"
	"rplidar/transport"
)

var (
	configFile = flag.String("config", "", "path to the YAML configuration")
	device     = flag.String("device", "", "serial device, overrides serial.device")
	simulate   = flag.Bool("sim", false, "use a simulated lidar instead of a serial port")
)

func main() {
	flag.Parse()
	defer glog.Flush()

	if err := run(); err != nil {
		glog.Errorf("%v", err)
		glog.Flush()
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Default()
	if *configFile != "" {
		var err error
		if cfg, err = config.Load(*configFile); err != nil {
			return err
		}
	}
	if *device != "" {
		cfg.Serial.Device = *device
	} else if flag.NArg() > 0 {
		cfg.Serial.Device = flag.Arg(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var t rplidar.Transport
	if *simulate {
		t = sim.NewDevice(sim.DefaultConfig())
	} else {
		s, err := transport.NewSerial(cfg.Serial.Device, cfg.Serial.PortOptions)
		if err != nil {
			return fmt.Errorf("failed to set up serial port: %w", err)
		}
		t = s
	}

	pubs, cleanup, err := publishers(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	m := rplidar.NewMetrics(prometheus.DefaultRegisterer)
	if cfg.Metrics.Enabled {
		serveMetrics(cfg.Metrics.Addr)
	}

	lidar := rplidar.NewLidar(t, pubs, append(cfg.DriverOptions(), rplidar.WithMetrics(m))...)
	if _, err := lidar.Open(ctx); err != nil {
		return err
	}
	defer lidar.Close()

	if _, err := lidar.GetHealth(ctx); err != nil {
		glog.Warningf("Health query failed: %v", err)
	}

	if err := lidar.StartScan(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		glog.Infof("Signal received, stopping")
		return lidar.Stop()
	case <-lidar.Done():
		return lidar.Err()
	}
}

// publishers builds the enabled sinks. cleanup releases them.
func publishers(ctx context.Context, cfg *config.Config) (publish.Multi, func(), error) {
	var (
		pubs    publish.Multi
		closers []func()
		cleanup = func() {
			for _, c := range closers {
				c()
			}
		}
	)

	if cfg.Redis.Enabled {
		r, err := publish.NewRedis(ctx, &redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, cfg.Redis.Channel)
		if err != nil {
			return nil, cleanup, err
		}
		pubs = append(pubs, r)
		closers = append(closers, func() { r.Close() })
	}

	if cfg.ROS.Enabled {
		node, err := ros.NewNode(cfg.ROS.NodeName, os.Args)
		if err != nil {
			cleanup()
			return nil, func() {}, fmt.Errorf("failed to start ros node: %w", err)
		}
		node.Logger().SetSeverity(ros.LogLevelInfo)
		go node.Spin()
		pubs = append(pubs, publish.NewROS(node, cfg.ROS.Topic, cfg.ROS.ROSOptions))
		closers = append(closers, node.Shutdown)
	}

	if len(pubs) == 0 {
		glog.Warningf("No publisher enabled, revolutions are dropped")
		pubs = append(pubs, publish.Discard)
	}
	return pubs, cleanup, nil
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	go func() {
		glog.Infof("Metrics server listening on %s", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			glog.Errorf("Metrics server: %v", err)
		}
	}()
}
