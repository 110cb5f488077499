package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/cirql/backend/internal/places"
	"github.com/MarcoPoloResearchLab/cirql/backend/internal/presence"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const streamCloseTimeout = 5 * time.Second

type heartbeatPayload struct {
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// handlePlaceStream serves presence snapshots, membership events and
// heartbeats for one place over server-sent events. The stream holds the
// user's presence connection: heartbeats extend its lease and the end of the
// stream closes it, committing the staged offline record.
func (h *httpHandler) handlePlaceStream(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	placeID, err := places.NewPlaceID(c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	ctx := c.Request.Context()
	if _, err := h.places.GetPlace(ctx, placeID); err != nil {
		h.writeError(c, err)
		return
	}

	conn, err := h.presence.Connect(ctx, userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), streamCloseTimeout)
		defer cancel()
		if err := conn.Close(closeCtx); err != nil {
			h.logger.Warn("presence connection close failed", zap.String("user_id", userID), zap.Error(err))
		}
	}()

	events, cleanup := h.realtime.Subscribe(ctx, placeID.String())
	defer cleanup()

	snapshots := make(chan []presence.Online, 1)
	unsubscribe := h.presence.SubscribeByPlace(placeID.String(), func(snapshot []presence.Online) {
		offerLatest(snapshots, snapshot)
	})
	defer unsubscribe()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	h.logger.Debug("place stream opened",
		zap.String("place_id", placeID.String()),
		zap.String("user_id", userID),
		zap.String("connection_id", conn.ID()))

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case <-conn.Done():
			return false
		case snapshot := <-snapshots:
			c.SSEvent(realtimeEventPresence, newPresencePayloads(snapshot))
			return true
		case message, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent(message.EventType, memberEventPayload{
				PlaceID:   message.PlaceID,
				UserID:    message.UserID,
				Timestamp: message.Timestamp,
			})
			return true
		case now := <-heartbeat.C:
			if err := conn.Refresh(ctx); err != nil {
				if errors.Is(err, presence.ErrDisconnected) {
					return false
				}
				h.logger.Warn("presence lease refresh failed", zap.String("user_id", userID), zap.Error(err))
			}
			c.SSEvent(realtimeEventHeartbeat, heartbeatPayload{Source: realtimeSourceBackend, Timestamp: now.UTC()})
			return true
		}
	})
}

// offerLatest replaces any undelivered snapshot with the newer one.
func offerLatest(ch chan []presence.Online, snapshot []presence.Online) {
	for {
		select {
		case ch <- snapshot:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
