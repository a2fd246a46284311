// Package config loads the ball server configuration from YAML and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ironsheep/ball-detect/internal/backend"
	"github.com/ironsheep/ball-detect/internal/detection"
	"github.com/ironsheep/ball-detect/internal/imaging"
	"github.com/ironsheep/ball-detect/internal/pose"
	"github.com/ironsheep/ball-detect/internal/server"
)

// Detector kinds.
const (
	DetectorHough  = "hough"
	DetectorColor  = "color"
	DetectorHTTP   = "http"
	DetectorVision = "vision"
)

// Config is the complete server configuration.
type Config struct {
	Server     server.Config            `yaml:"server"`
	Acceptance backend.AcceptancePolicy `yaml:"acceptance"`
	Detector   DetectorConfig           `yaml:"detector"`
	Camera     CameraConfig             `yaml:"camera"`
	LogLevel   string                   `yaml:"log_level"` // info, debug
}

// DetectorConfig selects and tunes the detection backend.
type DetectorConfig struct {
	Kind string `yaml:"kind"` // hough, color, http, vision

	// InputSize caps the longer side of the image fed to the detector.
	InputSize  int                 `yaml:"input_size"`
	Preprocess imaging.Adjustments `yaml:"preprocess"`

	Hough  HoughConfig  `yaml:"hough"`
	Color  ColorConfig  `yaml:"color"`
	HTTP   HTTPConfig   `yaml:"http"`
	Vision VisionConfig `yaml:"vision"`
}

// HoughConfig tunes the circle transform.
type HoughConfig struct {
	MinRadius int     `yaml:"min_radius"`
	MaxRadius int     `yaml:"max_radius"`
	EdgeLow   int     `yaml:"edge_low"`
	EdgeHigh  int     `yaml:"edge_high"`
	MinVotes  float64 `yaml:"min_votes"`
}

// ColorConfig tunes HSV segmentation.
type ColorConfig struct {
	Range       imaging.HSVRange `yaml:"range"`
	BlurRadius  float64          `yaml:"blur_radius"`
	MorphRadius float64          `yaml:"morph_radius"`
	TopCrop     float64          `yaml:"top_crop"`
	MinArea     int              `yaml:"min_area"`
}

// HTTPConfig points at a remote model service.
type HTTPConfig struct {
	URL       string        `yaml:"url"`
	HealthURL string        `yaml:"health_url"`
	Timeout   time.Duration `yaml:"timeout"`

	// HealthInterval is the period of the background health check.
	HealthInterval time.Duration `yaml:"health_interval"`
}

// VisionConfig configures Cloud Vision object localization.
type VisionConfig struct {
	Labels []string `yaml:"labels"`
}

// CameraConfig is the calibration used for pose estimation.
type CameraConfig struct {
	Intrinsics pose.Intrinsics `yaml:"intrinsics"`
	BallRadius float64         `yaml:"ball_radius"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	mask := imaging.DefaultMaskOptions()
	circles := detection.DefaultCircleOptions()
	return &Config{
		Server:     server.DefaultConfig(),
		Acceptance: backend.DefaultPolicy(),
		Detector: DetectorConfig{
			Kind: DetectorHough,
			Hough: HoughConfig{
				MinRadius: 10,
				MaxRadius: 100,
				EdgeLow:   circles.EdgeLow,
				EdgeHigh:  circles.EdgeHigh,
				MinVotes:  circles.MinVotes,
			},
			Color: ColorConfig{
				Range: imaging.HSVRange{
					Low:  imaging.HSV{H: 29, S: 86, V: 6},
					High: imaging.HSV{H: 64, S: 255, V: 255},
				},
				BlurRadius:  mask.BlurRadius,
				MorphRadius: mask.MorphRadius,
				TopCrop:     mask.TopCrop,
				MinArea:     50,
			},
			HTTP: HTTPConfig{
				Timeout:        10 * time.Second,
				HealthInterval: detection.DefaultHealthInterval,
			},
			Vision: VisionConfig{
				Labels: detection.DefaultVisionLabels,
			},
		},
		Camera: CameraConfig{
			Intrinsics: pose.DefaultIntrinsics(),
			BallRadius: pose.DefaultBallRadius,
		},
		LogLevel: "info",
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// path is not empty), then environment overrides. The result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyEnv overrides fields from BALL_* environment variables.
func (c *Config) applyEnv() {
	c.Server.Addr = getEnv("BALL_SERVER_ADDR", c.Server.Addr)
	c.Detector.Kind = getEnv("BALL_DETECTOR", c.Detector.Kind)
	c.Detector.HTTP.URL = getEnv("BALL_DETECTOR_URL", c.Detector.HTTP.URL)
	c.LogLevel = getEnv("BALL_LOG_LEVEL", c.LogLevel)

	c.Detector.Kind = strings.ToLower(strings.TrimSpace(c.Detector.Kind))
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// Validate checks the configuration for values the server cannot run with.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if cfg.Server.IdleTimeout < 0 || cfg.Server.InferenceTimeout < 0 {
		errs = append(errs, errors.New("server timeouts must not be negative"))
	}
	if err := cfg.Acceptance.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("acceptance: %w", err))
	}
	if cfg.Detector.InputSize < 0 {
		errs = append(errs, errors.New("detector.input_size must not be negative"))
	}

	d := cfg.Detector
	switch d.Kind {
	case DetectorHough:
		if d.Hough.MinRadius < 1 || d.Hough.MaxRadius < d.Hough.MinRadius {
			errs = append(errs, fmt.Errorf("detector.hough radius range [%d,%d] is invalid", d.Hough.MinRadius, d.Hough.MaxRadius))
		}
	case DetectorColor:
		if err := d.Color.Range.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("detector.color.range: %w", err))
		}
		if d.Color.TopCrop < 0 || d.Color.TopCrop >= 1 {
			errs = append(errs, fmt.Errorf("detector.color.top_crop %g outside [0,1)", d.Color.TopCrop))
		}
	case DetectorHTTP:
		if d.HTTP.URL == "" {
			errs = append(errs, errors.New("detector.http.url is required for the http detector"))
		}
	case DetectorVision:
	default:
		errs = append(errs, fmt.Errorf("unknown detector kind %q", d.Kind))
	}

	if err := cfg.Camera.Intrinsics.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("camera: %w", err))
	}
	if cfg.Camera.BallRadius <= 0 {
		errs = append(errs, errors.New("camera.ball_radius must be positive"))
	}

	switch strings.ToLower(cfg.LogLevel) {
	case "", "info", "debug":
	default:
		errs = append(errs, fmt.Errorf("unknown log_level %q", cfg.LogLevel))
	}

	return errors.Join(errs...)
}

// Debug reports whether debug logging is requested.
func (c *Config) Debug() bool {
	return strings.EqualFold(c.LogLevel, "debug")
}

// PoseOptions returns the pose estimation settings.
func (c *Config) PoseOptions() pose.Options {
	in := c.Camera.Intrinsics
	return pose.Options{Intrinsics: &in, BallRadius: c.Camera.BallRadius}
}

// BackendOptions returns the backend settings.
func (c *Config) BackendOptions() backend.Options {
	return backend.Options{
		Policy:     c.Acceptance,
		Preprocess: c.Detector.Preprocess,
		InputSize:  c.Detector.InputSize,
	}
}
