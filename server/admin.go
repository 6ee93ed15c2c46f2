package server

import (
	"encoding/json"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/papercomputeco/chatrelay/pkg/upstream"
)

type settingsRequest struct {
	URL   string `json:"api_url" validate:"required,url"`
	Key   string `json:"api_key" validate:"required"`
	Model string `json:"model" validate:"required"`
}

func (r settingsRequest) settings() upstream.Settings {
	return upstream.Settings{URL: r.URL, Key: r.Key, Model: r.Model}
}

type configResponse struct {
	Success bool              `json:"success"`
	Config  upstream.Settings `json:"config"`
}

func (s *Server) parseSettings(c *fiber.Ctx) (*settingsRequest, error) {
	var req settingsRequest
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return nil, fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	req.URL = strings.TrimSpace(req.URL)
	req.Key = strings.TrimSpace(req.Key)
	req.Model = strings.TrimSpace(req.Model)

	if err := s.validate.Struct(&req); err != nil {
		return nil, fiber.NewError(fiber.StatusBadRequest, validationMessage(err))
	}

	return &req, nil
}

// handleGetConfig returns the effective upstream settings with the key masked.
func (s *Server) handleGetConfig(c *fiber.Ctx) error {
	settings, err := s.resolver.Resolve(c.UserContext())
	if err != nil {
		s.logger.Error("failed to resolve upstream settings", zap.Error(err))
		return fiber.NewError(fiber.StatusInternalServerError, "failed to read configuration")
	}

	return c.JSON(configResponse{Success: true, Config: settings.Masked()})
}

// handleSaveConfig tests the submitted settings and saves them only when
// the upstream answers.
func (s *Server) handleSaveConfig(c *fiber.Ctx) error {
	req, err := s.parseSettings(c)
	if err != nil {
		return err
	}

	ctx := c.UserContext()
	diag := s.client.TestConnection(ctx, req.URL, req.Key, req.Model)
	if !diag.Success {
		return c.JSON(diag)
	}

	if err := s.resolver.Save(ctx, req.settings()); err != nil {
		s.logger.Error("failed to save upstream settings", zap.Error(err))
		return fiber.NewError(fiber.StatusInternalServerError, "failed to save configuration")
	}

	s.logger.Info("upstream settings saved",
		zap.String("url", req.URL),
		zap.String("model", req.Model),
	)

	return c.JSON(statusResponse{Success: true, Message: "configuration saved"})
}

// handleTestAPI probes the submitted settings without saving them.
func (s *Server) handleTestAPI(c *fiber.Ctx) error {
	req, err := s.parseSettings(c)
	if err != nil {
		return err
	}

	return c.JSON(s.client.TestConnection(c.UserContext(), req.URL, req.Key, req.Model))
}
