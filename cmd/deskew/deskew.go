// Command deskew receives IMU, pose and lidar streams, removes motion
// distortion from every sweep and republishes the result.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.bug.st/serial"

	"github.com/lericson/oblam-deskew/internal/db"
	"github.com/lericson/oblam-deskew/internal/frames"
	"github.com/lericson/oblam-deskew/internal/ingest"
	"github.com/lericson/oblam-deskew/internal/monitor"
	"github.com/lericson/oblam-deskew/internal/monitoring"
	"github.com/lericson/oblam-deskew/internal/network"
	"github.com/lericson/oblam-deskew/internal/pipeline"
	"github.com/lericson/oblam-deskew/internal/serialmux"
	"github.com/lericson/oblam-deskew/internal/timeutil"
	"github.com/lericson/oblam-deskew/internal/version"
	"github.com/lericson/oblam-deskew/internal/visualiser"
)

var (
	configPath  = flag.String("config", "", "Path to deskew JSON config (defaults are used when empty)")
	listenAddr  = flag.String("listen", ":9870", "UDP address for inertial, pose and sweep input (empty disables)")
	forwardAddr = flag.String("forward", "", "UDP address to forward output sweeps to")
	grpcListen  = flag.String("grpc-listen", "", "Address for the gRPC output stream (e.g. localhost:50051)")
	httpListen  = flag.String("http-listen", ":8082", "Address for the status HTTP server (empty disables)")
	dbPath      = flag.String("db-path", "", "SQLite file for run and sweep reports (empty disables)")

	serialPort    = flag.String("serial-port", "", "Serial device of a line-oriented IMU (e.g. /dev/ttyUSB0)")
	serialBaud    = flag.Int("serial-baud", serialmux.DefaultBaudRate, "Serial baud rate")
	serialFraming = flag.String("serial-framing", serialmux.DefaultFraming, "Serial data bits, parity and stop bits (e.g. 8N1, 7E2)")

	pcapFile     = flag.String("pcap", "", "Replay UDP input from a PCAP file instead of listening")
	pcapPort     = flag.Int("pcap-port", 9870, "UDP destination port to replay from the PCAP file (0 for all)")
	pcapSpeed    = flag.Float64("pcap-speed", 1, "PCAP replay speed multiplier (0 for as fast as possible)")
	captureIface = flag.String("capture-iface", "", "Capture UDP input from a network interface (requires the pcap build tag)")

	synthetic         = flag.Bool("synthetic", false, "Feed a simulated constant yaw-rate scenario")
	syntheticDuration = flag.Duration("synthetic-duration", time.Minute, "Length of the simulated run")

	strict   = flag.Bool("strict", false, "Stop on the first out-of-order input sample")
	logFile  = flag.String("log-file", "", "Write logs to a rotating file instead of stderr")
	debug    = flag.Bool("debug", false, "Enable per-sweep and per-sample debug output")
	plotDir  = flag.String("plot-dir", "", "Write motion and timing PNG plots here on shutdown")
	showVers = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVers {
		fmt.Println(version.Current())
		return
	}
	if *logFile != "" {
		log.SetOutput(rotatingLog(*logFile))
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if *debug {
		pipeline.SetLogWriters(log.Writer(), log.Writer(), log.Writer())
		frames.SetDebugLogger(log.Writer())
	} else {
		pipeline.SetLogWriters(log.Writer(), nil, nil)
	}

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()
	ctx, cancel := context.WithCancel(sigCtx)
	defer cancel()

	var violations func(error)
	if *strict {
		violations = func(err error) {
			log.Printf("strict mode: stopping on ordering violation: %v", err)
			cancel()
		}
	}
	buffers := ingest.NewBuffers(bufferConfig(cfg, violations))

	assembler := frames.NewAssembler(frames.AssemblerConfig{
		SweepCallback: buffers.AddSweep,
		Timeout:       cfg.GetAssemblyTimeout(),
	})
	defer assembler.Close()

	listener := network.NewListener(network.ListenerConfig{
		Address: *listenAddr,
		Stats:   network.NewPacketStats(),
		Ingest:  buffers,
		Chunks:  assembler,
	})

	// Sinks
	var sinks pipeline.MultiSink
	if *forwardAddr != "" {
		fwd, err := network.NewForwarder(network.ForwarderConfig{Address: *forwardAddr})
		if err != nil {
			log.Fatalf("failed to create forwarder: %v", err)
		}
		defer fwd.Close()
		go fwd.Start(ctx)
		sinks = append(sinks, fwd)
	}
	if *grpcListen != "" {
		vcfg := visualiser.DefaultConfig()
		vcfg.ListenAddr = *grpcListen
		pub := visualiser.NewPublisher(vcfg)
		if err := pub.Start(); err != nil {
			log.Fatalf("failed to start gRPC publisher: %v", err)
		}
		defer pub.Stop()
		sinks = append(sinks, pub)
	}

	// Recorders
	plotter := monitor.NewMotionPlotter(0)
	recorders := pipeline.MultiRecorder{plotter}
	var store *db.DB
	if *dbPath != "" {
		store, err = db.Open(*dbPath)
		if err != nil {
			log.Fatalf("failed to open database: %v", err)
		}
		defer store.Close()
		run, err := store.StartRun(ctx, sourceName(), version.Version, cfg)
		if err != nil {
			log.Fatalf("failed to start run: %v", err)
		}
		log.Printf("recording run %s to %s", run.ID, *dbPath)
		defer func() {
			if err := run.Finish(context.Background()); err != nil {
				log.Printf("failed to finish run: %v", err)
			}
		}()
		recorders = append(recorders, run)
	}

	wcfg := workerConfig(cfg)
	wcfg.Sink = sinks
	wcfg.Recorder = recorders
	worker := pipeline.NewWorker(buffers, wcfg)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		assembler.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := worker.Run(ctx); err != nil {
			log.Printf("worker stopped: %v", err)
		}
	}()

	// Inputs
	switch {
	case *pcapFile != "":
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := network.ReplayPCAP(ctx, network.PCAPConfig{
				Path:    *pcapFile,
				UDPPort: *pcapPort,
				Speed:   *pcapSpeed,
			}, listener)
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("PCAP replay failed: %v", err)
			}
			log.Printf("PCAP replay finished")
		}()
	case *captureIface != "":
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := network.CaptureInterface(ctx, *captureIface, *pcapPort, listener); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("capture failed: %v", err)
				cancel()
			}
		}()
	case *synthetic:
		scn := syntheticScenario(cfg)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := scn.Play(ctx, buffers, *syntheticDuration, timeutil.RealClock{}); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("synthetic scenario failed: %v", err)
			}
			log.Printf("synthetic scenario finished")
		}()
	case *listenAddr != "":
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := listener.Start(ctx); err != nil {
				log.Printf("listener failed: %v", err)
				cancel()
			}
		}()
	}

	var imu *serialmux.SerialMux[serial.Port]
	if *serialPort != "" {
		imu, err = serialmux.NewRealSerialMux(*serialPort, serialmux.PortOptions{BaudRate: *serialBaud, Framing: *serialFraming})
		if err != nil {
			log.Fatalf("failed to open IMU serial port: %v", err)
		}
		defer imu.Close()

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := imu.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("failed to monitor serial port: %v", err)
			}
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			n := serialmux.FeedInertial(ctx, imu, buffers)
			log.Printf("serial IMU feed stopped after %d samples", n)
		}()
	}

	if *httpListen != "" {
		webCfg := monitor.WebServerConfig{
			Address: *httpListen,
			Reports: worker,
			Queues:  buffers,
			Plotter: plotter,
			Reset: func() {
				assembler.Reset()
				worker.Reset()
			},
		}
		if store != nil {
			webCfg.Runs = store
			webCfg.Attach = append(webCfg.Attach, store.AttachAdminRoutes)
		}
		if imu != nil {
			webCfg.Attach = append(webCfg.Attach, func(mux *http.ServeMux) error {
				imu.AttachAdminRoutes(mux)
				return nil
			})
		}
		ws, err := monitor.NewWebServer(webCfg)
		if err != nil {
			log.Fatalf("failed to create HTTP server: %v", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ws.Start(ctx); err != nil {
				log.Printf("HTTP server failed: %v", err)
				cancel()
			}
		}()
	}

	<-ctx.Done()
	log.Printf("shutting down")
	wg.Wait()

	if *plotDir != "" {
		n, err := plotter.GeneratePlots(*plotDir)
		if err != nil {
			log.Printf("failed to write plots: %v", err)
		} else {
			log.Printf("wrote %d plots to %s", n, *plotDir)
		}
	}
	monitoring.Logf("processed %d sweeps", worker.Processed())
}
