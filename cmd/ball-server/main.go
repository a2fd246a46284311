package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/ironsheep/ball-detect/internal/backend"
	"github.com/ironsheep/ball-detect/internal/config"
	"github.com/ironsheep/ball-detect/internal/detection"
	"github.com/ironsheep/ball-detect/internal/monitoring"
	"github.com/ironsheep/ball-detect/internal/server"
)

// Version information - set by ldflags during build
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func usage() {
	fmt.Println("ball-server - ball detection server for the robot")
	fmt.Println()
	fmt.Println("Usage: ball-server [--config path.yaml]")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --config, -c     YAML configuration file")
	fmt.Println("  --version, -v    Print version information")
	fmt.Println("  --help, -h       Print this help message")
	fmt.Println()
	fmt.Println("Environment variables:")
	fmt.Println("  BALL_SERVER_ADDR=host:port        Listen address (default 127.0.0.1:65432)")
	fmt.Println("  BALL_DETECTOR=hough|color|http|vision")
	fmt.Println("  BALL_DETECTOR_URL=url             Model service for the http detector")
	fmt.Println("  BALL_LOG_LEVEL=debug              Enable debug logging")
}

func main() {
	var configPath string
	args := os.Args[1:]
	for i := 0; i < len(args); i++ {
		switch arg := args[i]; {
		case arg == "--version" || arg == "-v" || arg == "version":
			fmt.Printf("ball-server %s\n", Version)
			fmt.Printf("  Build time: %s\n", BuildTime)
			fmt.Printf("  Git commit: %s\n", GitCommit)
			return
		case arg == "--help" || arg == "-h" || arg == "help":
			usage()
			return
		case arg == "--config" || arg == "-c":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a path")
				os.Exit(2)
			}
			i++
			configPath = args[i]
		case strings.HasPrefix(arg, "--config="):
			configPath = strings.TrimPrefix(arg, "--config=")
		default:
			fmt.Fprintf(os.Stderr, "unknown argument %q\n\n", arg)
			usage()
			os.Exit(2)
		}
	}

	log.SetOutput(os.Stderr)
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}
	monitoring.SetDebug(cfg.Debug())
	if cfg.Debug() {
		log.Printf("Ball server v%s (built %s, commit %s)", Version, BuildTime, GitCommit)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	det, closeDetector, err := cfg.Detector.BuildDetector(ctx)
	if err != nil {
		log.Fatalf("Detector error: %v", err)
	}
	defer closeDetector()
	log.Printf("Using %s detector", cfg.Detector.Kind)

	srv := server.New(backend.New(det, cfg.BackendOptions()), cfg.Server)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx)
	})
	if remote, ok := det.(*detection.HTTPDetector); ok && remote.HealthURL != "" {
		g.Go(func() error {
			return remote.WatchHealth(gctx, cfg.Detector.HTTP.HealthInterval, func(err error) {
				if err != nil {
					log.Printf("Model service unhealthy: %v", err)
					return
				}
				log.Printf("Model service healthy again")
			})
		})
	}
	if err := g.Wait(); err != nil {
		log.Fatalf("Server error: %v", err)
	}
	log.Printf("Server stopped")
}
