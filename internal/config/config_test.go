package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte("instance_id: lab-1\n"))
	require.NoError(t, err)

	assert.Equal(t, 1280, cfg.Camera.Width)
	assert.Equal(t, 720, cfg.Camera.Height)
	assert.Equal(t, 30, cfg.Camera.FPS)
	assert.InDelta(t, 0.4, cfg.Placement.VisionDistance, 1e-6)
	assert.Equal(t, BackendColor, cfg.Classifier.Backend)
	assert.Equal(t, 5, cfg.Classifier.TopK)
	assert.Equal(t, "center", cfg.Classifier.Crop)
	assert.Equal(t, "images", cfg.Images.Dir)
	assert.Equal(t, byte(1), cfg.MQTT.QoS["anchor_removed"])
	assert.InDelta(t, 0.3, cfg.Classifier.MinConfidence, 1e-9)
	assert.Equal(t, 0.02, cfg.Render.ImageScale)
	assert.Equal(t, 240.0, cfg.Render.LabelMaxWidth)
	assert.Equal(t, "jpeg", cfg.Recording.Format)
	assert.Equal(t, "emojispace/control/lab-1", cfg.MQTT.Topics.Control)
	assert.Equal(t, "emojispace/annotations/lab-1", cfg.MQTT.Topics.Annotations)
	assert.Equal(t, byte(1), cfg.MQTT.QoS["control"])
	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout())
	assert.Equal(t, 5*time.Second, cfg.Classifier.RequestTimeout())
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{name: "missing instance id", yaml: "camera: {fps: 30}\n"},
		{name: "bad instance id", yaml: "instance_id: Lab_1\n"},
		{name: "fps out of range", yaml: "instance_id: a\ncamera: {fps: 500}\n"},
		{name: "unknown backend", yaml: "instance_id: a\nclassifier: {backend: onnx}\n"},
		{name: "python without command", yaml: "instance_id: a\nclassifier: {backend: python, model_path: m.onnx}\n"},
		{name: "python without model", yaml: "instance_id: a\nclassifier: {backend: python, command: run.sh}\n"},
		{name: "confidence too high", yaml: "instance_id: a\nclassifier: {min_confidence: 1.5}\n"},
		{name: "unknown crop", yaml: "instance_id: a\nclassifier: {crop: fill}\n"},
		{name: "bad recording format", yaml: "instance_id: a\nrecording: {format: gif}\n"},
		{name: "not yaml", yaml: "instance_id: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "emojispace.yaml")
	content := `
instance_id: kitchen
shutdown_timeout_s: 9
classifier:
  backend: python
  command: models/run_classifier.sh
  model_path: models/mobilenet.onnx
  workers: 4
mqtt:
  broker: localhost:1883
  topics:
    control: custom/control
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "kitchen", cfg.InstanceID)
	assert.Equal(t, 9*time.Second, cfg.ShutdownTimeout())
	assert.Equal(t, BackendPython, cfg.Classifier.Backend)
	assert.Equal(t, 4, cfg.Classifier.Workers)
	assert.Equal(t, "custom/control", cfg.MQTT.Topics.Control)
	assert.Equal(t, "emojispace/health/kitchen", cfg.MQTT.Topics.Health)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
