package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete emojispace daemon configuration
type Config struct {
	InstanceID       string           `yaml:"instance_id"`
	ShutdownTimeoutS int              `yaml:"shutdown_timeout_s"` // Graceful shutdown timeout in seconds (default: 5)
	Camera           CameraConfig     `yaml:"camera"`
	Placement        PlacementConfig  `yaml:"placement"`
	Classifier       ClassifierConfig `yaml:"classifier"`
	Render           RenderConfig     `yaml:"render"`
	Recording        RecordingConfig  `yaml:"recording"`
	Images           ImagesConfig     `yaml:"images"`
	MQTT             MQTTConfig       `yaml:"mqtt"`
	Health           HealthConfig     `yaml:"health"`
}

// CameraConfig contains settings for the simulated tracking camera
type CameraConfig struct {
	Width        int     `yaml:"width"`          // viewport width in pixels
	Height       int     `yaml:"height"`         // viewport height in pixels
	FPS          int     `yaml:"fps"`            // frame rate of the camera feed
	FocalLength  float32 `yaml:"focal_length"`   // pinhole focal length in pixels
	FeatureGrid  int     `yaml:"feature_grid"`   // feature points per side of the floor grid
	FeatureSpanM float32 `yaml:"feature_span_m"` // size of the floor grid in meters
	OrbitPeriodS float64 `yaml:"orbit_period_s"` // seconds for a full camera sweep (0 = static)
}

// PlacementConfig controls how touches become anchors
type PlacementConfig struct {
	VisionDistance float32 `yaml:"vision_distance"` // distance in front of the camera for vision anchors
	HitRadiusPx    float32 `yaml:"hit_radius_px"`   // max screen distance for a feature-point hit
}

// ClassifierConfig selects and tunes the classification backend
type ClassifierConfig struct {
	Backend       string   `yaml:"backend"`        // color, python
	Command       string   `yaml:"command"`        // model process entry point (python backend)
	Args          []string `yaml:"args"`           // extra arguments for the model process
	ModelPath     string   `yaml:"model_path"`     // model file passed to the process
	InputSize     int      `yaml:"input_size"`     // square input size expected by the model
	Crop          string   `yaml:"crop"`           // center, full
	TopK          int      `yaml:"top_k"`          // raw results considered per request
	MinConfidence float64  `yaml:"min_confidence"` // results must be strictly above this
	Workers       int      `yaml:"workers"`        // concurrent classification requests
	QueueSize     int      `yaml:"queue_size"`     // pending requests before dropping
	TimeoutMS     int      `yaml:"timeout_ms"`     // per-request timeout
}

// RenderConfig controls node materialization on the render surface
type RenderConfig struct {
	ImageScale    float64 `yaml:"image_scale"`     // sprite size = image size * scale
	LabelMaxWidth float64 `yaml:"label_max_width"` // wrap width for vision labels
	LabelFontSize float64 `yaml:"label_font_size"` // vision label font size
	TextFontSize  float64 `yaml:"text_font_size"`  // text annotation font size
}

// RecordingConfig controls session capture
type RecordingConfig struct {
	OutputDir   string `yaml:"output_dir"`
	Format      string `yaml:"format"`       // png, jpeg
	JPEGQuality int    `yaml:"jpeg_quality"` // 1-100
}

// ImagesConfig controls where set_image may load pictures from
type ImagesConfig struct {
	Dir string `yaml:"dir"` // set_image paths are resolved inside this directory
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Broker string          `yaml:"broker"` // empty disables the emitter and control plane
	Topics MQTTTopics      `yaml:"topics"`
	QoS    map[string]byte `yaml:"qos"`
}

// MQTTTopics contains topic templates
type MQTTTopics struct {
	Control     string `yaml:"control"`
	Annotations string `yaml:"annotations"`
	Health      string `yaml:"health"`
}

// HealthConfig contains the HTTP health server settings
type HealthConfig struct {
	Port string `yaml:"port"` // empty disables the server
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes and validates YAML configuration bytes
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// ShutdownTimeout returns the graceful shutdown timeout (default 5s)
func (c *Config) ShutdownTimeout() time.Duration {
	if c.ShutdownTimeoutS <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}

// RequestTimeout returns the per-request classification timeout
func (c *ClassifierConfig) RequestTimeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}
