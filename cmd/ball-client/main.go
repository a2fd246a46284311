package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"strings"
	"time"

	"github.com/ironsheep/ball-detect/internal/client"
	"github.com/ironsheep/ball-detect/internal/config"
	"github.com/ironsheep/ball-detect/internal/imaging"
	"github.com/ironsheep/ball-detect/internal/pose"
	"github.com/ironsheep/ball-detect/internal/protocol"
)

// Version information - set by ldflags during build
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func usage() {
	fmt.Println("ball-client - submit frames to a ball detection server")
	fmt.Println()
	fmt.Println("Usage: ball-client [--config path.yaml] [--ref] image...")
	fmt.Println()
	fmt.Println("Each image is decoded, written as a temporary frame and sent to the")
	fmt.Println("server. With --ref the arguments are sent as frame references as-is.")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --config, -c     YAML configuration file (server address, camera)")
	fmt.Println("  --ref            Send arguments as references without copying")
	fmt.Println("  --version, -v    Print version information")
	fmt.Println("  --help, -h       Print this help message")
}

func main() {
	var (
		configPath string
		asRef      bool
		inputs     []string
	)
	args := os.Args[1:]
	for i := 0; i < len(args); i++ {
		switch arg := args[i]; {
		case arg == "--version" || arg == "-v":
			fmt.Printf("ball-client %s\n", Version)
			fmt.Printf("  Build time: %s\n", BuildTime)
			fmt.Printf("  Git commit: %s\n", GitCommit)
			return
		case arg == "--help" || arg == "-h":
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
		case arg == "--ref":
			asRef = true
		default:
			inputs = append(inputs, arg)
		}
	}
	if len(inputs) == 0 {
		usage()
		os.Exit(2)
	}

	log.SetOutput(os.Stderr)
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}

	ctx := context.Background()
	c, err := client.Dial(ctx, cfg.Server.Addr, client.Options{})
	if err != nil {
		log.Fatalf("Connect error: %v", err)
	}
	defer c.Close()

	failed := false
	for _, in := range inputs {
		start := time.Now()
		circle, err := detect(ctx, c, in, asRef)
		if err != nil {
			failed = true
			var remote *protocol.RemoteError
			if errors.As(err, &remote) && remote.FrameUnreadable() {
				fmt.Printf("%s: unreadable\n", in)
				continue
			}
			fmt.Printf("%s: error: %v\n", in, err)
			continue
		}
		elapsed := time.Since(start).Round(time.Millisecond)

		if !circle.Detected {
			fmt.Printf("%s: no ball (%v)\n", in, elapsed)
			continue
		}
		fmt.Printf("%s: ball at (%d, %d) r=%d (%v)\n", in, circle.CX, circle.CY, circle.Radius, elapsed)

		p, err := pose.Estimate(circle, cfg.PoseOptions())
		if err != nil {
			fmt.Printf("  pose: %v\n", err)
			continue
		}
		fmt.Printf("  pose: %s\n", p)
		fmt.Printf("  distance %.0f, bearing %.1f°\n", p.Distance(), p.Bearing()*180/math.Pi)
	}
	if failed {
		os.Exit(1)
	}
}

func detect(ctx context.Context, c *client.Client, in string, asRef bool) (protocol.DetectedCircle, error) {
	if asRef {
		return c.Detect(ctx, in)
	}
	img, err := imaging.LoadFrame(in)
	if err != nil {
		return protocol.DetectedCircle{}, err
	}
	return c.DetectImage(ctx, img)
}
