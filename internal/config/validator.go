package config

import (
	"fmt"
	"regexp"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Classifier backends
const (
	BackendColor  = "color"
	BackendPython = "python"
)

// Validate checks if the configuration is valid and fills defaults
func Validate(cfg *Config) error {
	// Validate instance_id
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}

	if err := validateCamera(&cfg.Camera); err != nil {
		return fmt.Errorf("camera: %w", err)
	}

	// Placement defaults
	if cfg.Placement.VisionDistance == 0 {
		cfg.Placement.VisionDistance = 0.4
	}
	if cfg.Placement.VisionDistance < 0 {
		return fmt.Errorf("placement.vision_distance must be > 0")
	}
	if cfg.Placement.HitRadiusPx <= 0 {
		cfg.Placement.HitRadiusPx = 24
	}

	if err := validateClassifier(&cfg.Classifier); err != nil {
		return fmt.Errorf("classifier: %w", err)
	}

	// Render defaults
	if cfg.Render.ImageScale <= 0 {
		cfg.Render.ImageScale = 0.02
	}
	if cfg.Render.LabelMaxWidth <= 0 {
		cfg.Render.LabelMaxWidth = 240
	}
	if cfg.Render.LabelFontSize <= 0 {
		cfg.Render.LabelFontSize = 12
	}
	if cfg.Render.TextFontSize <= 0 {
		cfg.Render.TextFontSize = 32
	}

	// Recording defaults
	if cfg.Recording.OutputDir == "" {
		cfg.Recording.OutputDir = "recordings"
	}
	if cfg.Recording.Format == "" {
		cfg.Recording.Format = "jpeg"
	}
	if cfg.Recording.Format != "png" && cfg.Recording.Format != "jpeg" {
		return fmt.Errorf("recording.format must be png or jpeg, got %q", cfg.Recording.Format)
	}
	if cfg.Recording.JPEGQuality <= 0 {
		cfg.Recording.JPEGQuality = 90
	}
	if cfg.Recording.JPEGQuality > 100 {
		return fmt.Errorf("recording.jpeg_quality must be 1-100")
	}

	if cfg.Images.Dir == "" {
		cfg.Images.Dir = "images"
	}

	// Set default topics if not provided
	if cfg.MQTT.Topics.Control == "" {
		cfg.MQTT.Topics.Control = fmt.Sprintf("emojispace/control/%s", cfg.InstanceID)
	}
	if cfg.MQTT.Topics.Annotations == "" {
		cfg.MQTT.Topics.Annotations = fmt.Sprintf("emojispace/annotations/%s", cfg.InstanceID)
	}
	if cfg.MQTT.Topics.Health == "" {
		cfg.MQTT.Topics.Health = fmt.Sprintf("emojispace/health/%s", cfg.InstanceID)
	}

	// Set default QoS if not provided
	if cfg.MQTT.QoS == nil {
		cfg.MQTT.QoS = map[string]byte{
			"control":          1,
			"anchor_added":     1,
			"anchor_removed":   1,
			"content_assigned": 1,
			"session_reset":    1,
			"health":           0,
		}
	}

	return nil
}

func validateCamera(c *CameraConfig) error {
	if c.Width == 0 {
		c.Width = 1280
	}
	if c.Height == 0 {
		c.Height = 720
	}
	if c.Width < 0 || c.Height < 0 {
		return fmt.Errorf("width and height must be > 0")
	}
	if c.FPS == 0 {
		c.FPS = 30
	}
	if c.FPS < 0 || c.FPS > 120 {
		return fmt.Errorf("fps must be 1-120, got %d", c.FPS)
	}
	if c.FocalLength <= 0 {
		c.FocalLength = float32(c.Width) * 0.8
	}
	if c.FeatureGrid <= 0 {
		c.FeatureGrid = 16
	}
	if c.FeatureSpanM <= 0 {
		c.FeatureSpanM = 4
	}
	if c.OrbitPeriodS < 0 {
		return fmt.Errorf("orbit_period_s must be >= 0")
	}
	return nil
}

func validateClassifier(c *ClassifierConfig) error {
	if c.Backend == "" {
		c.Backend = BackendColor
	}

	switch c.Backend {
	case BackendColor:
	case BackendPython:
		if c.Command == "" {
			return fmt.Errorf("command is required for the python backend")
		}
		if c.ModelPath == "" {
			return fmt.Errorf("model_path is required for the python backend")
		}
	default:
		return fmt.Errorf("unknown backend %q (must be color or python)", c.Backend)
	}

	if c.Crop == "" {
		c.Crop = "center"
	}
	if c.Crop != "center" && c.Crop != "full" {
		return fmt.Errorf("crop must be center or full, got %q", c.Crop)
	}
	if c.InputSize <= 0 {
		c.InputSize = 224
	}
	if c.TopK <= 0 {
		c.TopK = 5
	}
	if c.MinConfidence == 0 {
		c.MinConfidence = 0.3
	}
	if c.MinConfidence < 0 || c.MinConfidence >= 1 {
		return fmt.Errorf("min_confidence must be in [0,1), got %v", c.MinConfidence)
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 16
	}
	if c.TimeoutMS <= 0 {
		c.TimeoutMS = 5000
	}
	return nil
}
