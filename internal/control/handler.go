// Package control receives user actions over MQTT: the same drawing
// controls a touch screen would offer, as JSON commands.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/serkansokmen/emojispace/internal/config"
)

// Command represents a control plane command
type Command struct {
	Command string                 `json:"command"`
	Params  map[string]interface{} `json:"params,omitempty"`
}

// Response represents a command response
type Response struct {
	CommandAck string                 `json:"command_ack"`
	Status     string                 `json:"status"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Timestamp  string                 `json:"timestamp"`
}

// TouchParams is the decoded payload of a touch command.
type TouchParams struct {
	X             float64
	Y             float64
	EditorFocused bool
}

// CommandCallbacks contains callback functions for commands
type CommandCallbacks struct {
	OnGetStatus       func() map[string]interface{}
	OnSetMode         func(mode string) error
	OnSetText         func(text string) error
	OnSetImage        func(path string) (map[string]interface{}, error)
	OnTouch           func(TouchParams) (map[string]interface{}, error)
	OnToggleRecording func() (map[string]interface{}, error)
	OnResetSession    func() (map[string]interface{}, error)
	OnRemoveAnchor    func(anchorID string) (map[string]interface{}, error)
}

// Handler handles control plane commands
type Handler struct {
	cfg       *config.Config
	client    mqtt.Client
	commands  chan Command
	callbacks CommandCallbacks

	done     chan struct{}
	stopOnce sync.Once
}

// NewHandler creates a new control plane handler
func NewHandler(cfg *config.Config, client mqtt.Client, callbacks CommandCallbacks) *Handler {
	return &Handler{
		cfg:       cfg,
		client:    client,
		commands:  make(chan Command, 10),
		callbacks: callbacks,
		done:      make(chan struct{}),
	}
}

// Start starts listening for control commands
func (h *Handler) Start(ctx context.Context) error {
	topic := h.cfg.MQTT.Topics.Control
	qos := h.cfg.MQTT.QoS["control"]

	slog.Info("subscribing to control plane", "topic", topic, "qos", qos)

	token := h.client.Subscribe(topic, qos, h.messageHandler)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("control plane subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control plane subscription failed: %w", err)
	}

	slog.Info("control plane handler started")

	go h.processCommands(ctx)

	return nil
}

// Stop stops the control plane handler
func (h *Handler) Stop() error {
	topic := h.cfg.MQTT.Topics.Control

	if h.client != nil && h.client.IsConnected() {
		token := h.client.Unsubscribe(topic)
		token.WaitTimeout(2 * time.Second)
	}

	h.stopOnce.Do(func() { close(h.done) })

	slog.Info("control plane handler stopped")
	return nil
}

// ResponseTopic is where command acknowledgements are published.
func (h *Handler) ResponseTopic() string {
	return h.cfg.MQTT.Topics.Control + "/responses"
}

// messageHandler is called when a control message is received
func (h *Handler) messageHandler(client mqtt.Client, msg mqtt.Message) {
	var cmd Command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		slog.Error("failed to parse control command", "error", err)
		h.sendResponse(Response{
			CommandAck: "unknown",
			Status:     "error",
			Error:      "invalid JSON",
		})
		return
	}

	slog.Info("control command received", "command", cmd.Command)

	select {
	case <-h.done:
	case h.commands <- cmd:
	default:
		slog.Warn("command queue full, dropping command", "command", cmd.Command)
	}
}

// processCommands processes commands from the queue
func (h *Handler) processCommands(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case cmd := <-h.commands:
			h.sendResponse(h.handleCommand(cmd))
		}
	}
}

// handleCommand executes a command and builds its acknowledgement
func (h *Handler) handleCommand(cmd Command) Response {
	resp := Response{CommandAck: cmd.Command}

	fail := func(msg string) Response {
		resp.Status = "error"
		resp.Error = msg
		return resp
	}
	ok := func(data map[string]interface{}) Response {
		resp.Status = "success"
		resp.Data = data
		return resp
	}

	switch cmd.Command {
	case "get_status":
		if h.callbacks.OnGetStatus == nil {
			return fail("get_status not implemented")
		}
		return ok(h.callbacks.OnGetStatus())

	case "set_mode":
		if h.callbacks.OnSetMode == nil {
			return fail("set_mode not implemented")
		}
		mode, valid := cmd.Params["mode"].(string)
		if !valid {
			return fail("missing or invalid 'mode' parameter (expected string: text/image/vision)")
		}
		if err := h.callbacks.OnSetMode(mode); err != nil {
			return fail(err.Error())
		}
		return ok(map[string]interface{}{"mode": mode})

	case "set_text":
		if h.callbacks.OnSetText == nil {
			return fail("set_text not implemented")
		}
		text, valid := cmd.Params["text"].(string)
		if !valid {
			return fail("missing or invalid 'text' parameter (expected string)")
		}
		if err := h.callbacks.OnSetText(text); err != nil {
			return fail(err.Error())
		}
		return ok(map[string]interface{}{"text": text})

	case "set_image":
		if h.callbacks.OnSetImage == nil {
			return fail("set_image not implemented")
		}
		path, valid := cmd.Params["path"].(string)
		if !valid || path == "" {
			return fail("missing or invalid 'path' parameter (expected string)")
		}
		data, err := h.callbacks.OnSetImage(path)
		if err != nil {
			return fail(err.Error())
		}
		return ok(data)

	case "touch":
		if h.callbacks.OnTouch == nil {
			return fail("touch not implemented")
		}
		x, okX := cmd.Params["x"].(float64)
		y, okY := cmd.Params["y"].(float64)
		if !okX || !okY {
			return fail("missing or invalid 'x'/'y' parameters (expected numbers)")
		}
		focused, _ := cmd.Params["editor_focused"].(bool)
		data, err := h.callbacks.OnTouch(TouchParams{X: x, Y: y, EditorFocused: focused})
		if err != nil {
			return fail(err.Error())
		}
		return ok(data)

	case "toggle_recording":
		if h.callbacks.OnToggleRecording == nil {
			return fail("toggle_recording not implemented")
		}
		data, err := h.callbacks.OnToggleRecording()
		if err != nil {
			return fail(err.Error())
		}
		return ok(data)

	case "reset_session":
		if h.callbacks.OnResetSession == nil {
			return fail("reset_session not implemented")
		}
		data, err := h.callbacks.OnResetSession()
		if err != nil {
			return fail(err.Error())
		}
		return ok(data)

	case "remove_anchor":
		if h.callbacks.OnRemoveAnchor == nil {
			return fail("remove_anchor not implemented")
		}
		id, valid := cmd.Params["anchor_id"].(string)
		if !valid || id == "" {
			return fail("missing or invalid 'anchor_id' parameter (expected string)")
		}
		data, err := h.callbacks.OnRemoveAnchor(id)
		if err != nil {
			return fail(err.Error())
		}
		return ok(data)

	default:
		return fail(fmt.Sprintf("unknown command: %s", cmd.Command))
	}
}

// sendResponse publishes an acknowledgement on the response topic
func (h *Handler) sendResponse(resp Response) {
	resp.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)

	if h.client == nil {
		slog.Debug("no mqtt client, response dropped", "command_ack", resp.CommandAck, "status", resp.Status)
		return
	}

	payload, err := json.Marshal(resp)
	if err != nil {
		slog.Error("failed to marshal response", "error", err)
		return
	}

	qos := h.cfg.MQTT.QoS["control"]

	token := h.client.Publish(h.ResponseTopic(), qos, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		slog.Error("response publish timeout")
		return
	}
	if err := token.Error(); err != nil {
		slog.Error("failed to publish response", "error", err)
		return
	}

	slog.Debug("response sent", "command_ack", resp.CommandAck, "status", resp.Status)
}
