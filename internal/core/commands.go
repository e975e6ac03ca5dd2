package core

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"

	"github.com/serkansokmen/emojispace/internal/anchor"
	"github.com/serkansokmen/emojispace/internal/control"
	"github.com/serkansokmen/emojispace/internal/types"
)

// ErrImageOutsideDir is returned for set_image names that do not stay
// inside the image directory.
var ErrImageOutsideDir = errors.New("core: image path outside image directory")

// commandCallbacks maps control plane commands onto the engine
func (s *Service) commandCallbacks() control.CommandCallbacks {
	return control.CommandCallbacks{
		OnGetStatus:       s.GetStatus,
		OnSetMode:         s.setMode,
		OnSetText:         s.setText,
		OnSetImage:        s.setImage,
		OnTouch:           s.touch,
		OnToggleRecording: s.toggleRecording,
		OnResetSession:    s.resetSession,
		OnRemoveAnchor:    s.removeAnchor,
	}
}

// commandContext bounds a single command by the run context
func (s *Service) commandContext() (context.Context, context.CancelFunc) {
	s.mu.RLock()
	parent := s.runCtx
	s.mu.RUnlock()
	if parent == nil {
		parent = context.Background()
	}
	return context.WithTimeout(parent, commandTimeout)
}

func (s *Service) setMode(name string) error {
	mode, err := types.ParseDrawingMode(name)
	if err != nil {
		return err
	}
	ctx, cancel := s.commandContext()
	defer cancel()
	return s.engine.SetMode(ctx, mode)
}

func (s *Service) setText(text string) error {
	ctx, cancel := s.commandContext()
	defer cancel()
	return s.engine.SetPendingText(ctx, text)
}

// setImage decodes a PNG or JPEG file from the image directory and makes
// it the pending image
func (s *Service) setImage(name string) (map[string]interface{}, error) {
	path, err := s.imagePath(name)
	if err != nil {
		return nil, err
	}
	img, err := loadImage(path)
	if err != nil {
		return nil, err
	}

	ctx, cancel := s.commandContext()
	defer cancel()
	if err := s.engine.SetPendingImage(ctx, img); err != nil {
		return nil, err
	}

	b := img.Bounds()
	return map[string]interface{}{
		"path":   name,
		"width":  b.Dx(),
		"height": b.Dy(),
	}, nil
}

// imagePath resolves name inside the configured image directory. Absolute
// names and names climbing out of the directory are refused.
func (s *Service) imagePath(name string) (string, error) {
	if !filepath.IsLocal(name) {
		return "", fmt.Errorf("%w: %q", ErrImageOutsideDir, name)
	}
	return filepath.Join(s.cfg.Images.Dir, name), nil
}

func loadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	img, format, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	if format != "png" && format != "jpeg" {
		return nil, fmt.Errorf("unsupported image format: %s", format)
	}
	return img, nil
}

func (s *Service) touch(p control.TouchParams) (map[string]interface{}, error) {
	ctx, cancel := s.commandContext()
	defer cancel()

	out, err := s.engine.Touch(ctx, anchor.Touch{
		Point:         types.Point{X: float32(p.X), Y: float32(p.Y)},
		EditorFocused: p.EditorFocused,
	})
	if err != nil {
		return nil, err
	}

	data := map[string]interface{}{
		"placed":           out.Placed(),
		"dismissed_editor": out.DismissedEditor,
		"classifying":      out.Classifying,
	}
	if out.Anchor != nil {
		data["anchor_id"] = out.Anchor.ID
		data["position"] = out.Anchor.Transform.Position()
	}
	if !out.Content.IsZero() {
		data["content"] = out.Content.Summary()
	}
	return data, nil
}

func (s *Service) toggleRecording() (map[string]interface{}, error) {
	ctx, cancel := s.commandContext()
	defer cancel()

	artifact, err := s.engine.ToggleRecording(ctx)
	if err != nil {
		return nil, err
	}
	if artifact == nil {
		return map[string]interface{}{"recording": true}, nil
	}
	return map[string]interface{}{
		"recording": false,
		"artifact":  artifact,
	}, nil
}

func (s *Service) resetSession() (map[string]interface{}, error) {
	ctx, cancel := s.commandContext()
	defer cancel()

	gen, err := s.engine.ResetSession(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"generation": gen}, nil
}

func (s *Service) removeAnchor(id string) (map[string]interface{}, error) {
	ctx, cancel := s.commandContext()
	defer cancel()

	a, err := s.engine.RemoveAnchor(ctx, types.AnchorID(id))
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"anchor_id": a.ID,
		"position":  a.Transform.Position(),
	}, nil
}
