package handlers

import (
	"context"
	"time"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/pharmatrace/backend/internal/common"
	"github.com/pharmatrace/backend/internal/storage/models"
	"github.com/pharmatrace/backend/pkg/logger"
)

// WebSocketHandler streams batch progress to a client until the batch completes.
type WebSocketHandler struct {
	jobs         JobReader
	pollInterval time.Duration
}

func NewWebSocketHandler(jobs JobReader, pollInterval time.Duration) *WebSocketHandler {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &WebSocketHandler{
		jobs:         jobs,
		pollInterval: pollInterval,
	}
}

func (h *WebSocketHandler) HandleBatchProgress(c *websocket.Conn) {
	batchID := c.Params("batch_id")
	logger.Info("WebSocket connection established", zap.String("batch_id", batchID))

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		c.Close()
		logger.Info("WebSocket connection closed", zap.String("batch_id", batchID))
	}()

	// The client never sends anything meaningful; reading detects disconnects.
	go func() {
		defer cancel()
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := h.stream(ctx, c, batchID); err != nil {
		logger.Debug("Batch progress stream ended", zap.String("batch_id", batchID), zap.Error(err))
	}
}

func (h *WebSocketHandler) stream(ctx context.Context, c *websocket.Conn, batchID string) error {
	ticker := time.NewTicker(h.pollInterval)
	defer ticker.Stop()

	lastProcessed := -1
	for {
		job, err := h.jobs.Get(ctx, batchID)
		if err != nil {
			h.sendError(c, common.Message(err))
			return err
		}

		if job.ProcessedFiles != lastProcessed || job.Status == models.BatchStatusCompleted {
			lastProcessed = job.ProcessedFiles
			if err := h.sendProgress(c, job); err != nil {
				return err
			}
		}
		if job.Status == models.BatchStatusCompleted {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (h *WebSocketHandler) sendProgress(c *websocket.Conn, job *models.BatchJob) error {
	msgType := "progress"
	if job.Status == models.BatchStatusCompleted {
		msgType = "complete"
	}

	msg := statusPayload(job)
	msg["type"] = msgType
	return c.WriteJSON(msg)
}

func (h *WebSocketHandler) sendError(c *websocket.Conn, errorMsg string) {
	msg := map[string]interface{}{
		"type":  "error",
		"error": errorMsg,
	}

	c.WriteJSON(msg)
}
