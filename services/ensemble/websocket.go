// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ensemble

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianEnsemble/services/ensemble/telemetry"
)

const (
	streamBuffer    = 256
	streamPingEvery = 30 * time.Second
	streamWriteWait = 10 * time.Second
	streamPongWait  = 2 * streamPingEvery
	maxReplay       = 1000
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024,
}

// HandleEvents handles GET /v1/ensemble/events, streaming telemetry events
// as JSON text frames.
//
// Query parameters:
//
//	types   comma-separated event types; empty streams all
//	replay  number of retained events to send before live events
//
// A client that cannot keep up loses events rather than slowing
// publishers; the dropped count is logged on disconnect.
func (h *Handlers) HandleEvents(c *gin.Context) {
	logger := requestLogger(c, h.logger, "HandleEvents")

	types := parseEventTypes(c.Query("types"))
	replay, _ := strconv.Atoi(c.Query("replay"))
	replay = min(max(replay, 0), maxReplay)

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Error("failed to upgrade the websocket", slog.String("error", err.Error()))
		return
	}
	defer ws.Close()

	streamClients.Inc()
	defer streamClients.Dec()

	events := h.svc.Events()
	ch := make(chan telemetry.Event, streamBuffer)
	var dropped atomic.Int64
	subID := events.Subscribe(func(ev telemetry.Event) {
		select {
		case ch <- ev:
		default:
			dropped.Add(1)
		}
	}, types...)
	defer events.Unsubscribe(subID)

	logger.Info("event stream connected", slog.Int("types", len(types)), slog.Int("replay", replay))
	defer func() {
		logger.Info("event stream disconnected", slog.Int64("dropped", dropped.Load()))
	}()

	if replay > 0 {
		var backlog []telemetry.Event
		for _, ev := range events.Recent(0) {
			if matchesType(ev.Type, types) {
				backlog = append(backlog, ev)
			}
		}
		if len(backlog) > replay {
			backlog = backlog[len(backlog)-replay:]
		}
		for _, ev := range backlog {
			if err := writeEvent(ws, ev); err != nil {
				return
			}
		}
	}

	// Reads only service control frames; a read error means the peer left.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		ws.SetReadLimit(4096)
		_ = ws.SetReadDeadline(time.Now().Add(streamPongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(streamPongWait))
		})
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingEvery)
	defer ping.Stop()

	for {
		select {
		case ev := <-ch:
			if err := writeEvent(ws, ev); err != nil {
				logger.Debug("event stream write failed", slog.String("error", err.Error()))
				return
			}
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}

func writeEvent(ws *websocket.Conn, ev telemetry.Event) error {
	if err := ws.SetWriteDeadline(time.Now().Add(streamWriteWait)); err != nil {
		return err
	}
	return ws.WriteJSON(ev)
}

func parseEventTypes(raw string) []telemetry.EventType {
	if raw == "" {
		return nil
	}
	var out []telemetry.EventType
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, telemetry.EventType(part))
		}
	}
	return out
}

func matchesType(t telemetry.EventType, types []telemetry.EventType) bool {
	if len(types) == 0 {
		return true
	}
	for _, want := range types {
		if want == t {
			return true
		}
	}
	return false
}
