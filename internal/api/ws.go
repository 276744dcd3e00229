// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package api

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tombee/discovery/internal/broker"
	"github.com/tombee/discovery/internal/httputil"
	"github.com/tombee/discovery/internal/log"
	"github.com/tombee/discovery/internal/store"
)

const wsWriteTimeout = 10 * time.Second

// ProgressHandler serves the per-execution websocket event stream.
type ProgressHandler struct {
	store  *store.Store
	broker *broker.Broker
	logger *slog.Logger

	upgrader websocket.Upgrader
}

// safeConn serializes writes to a websocket connection. gorilla/websocket
// permits at most one concurrent writer.
type safeConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// Send implements broker.Subscriber.
func (c *safeConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// HandleSocket handles GET /ws/{execution_id}. The connection stays open
// until the client disconnects; client-to-server frames are drained and
// ignored.
func (h *ProgressHandler) HandleSocket(w http.ResponseWriter, r *http.Request) {
	executionID := r.PathValue("execution_id")
	if _, err := h.store.GetExecution(r.Context(), executionID); err != nil {
		httputil.WriteErr(w, err)
		return
	}

	upgrader := h.upgrader
	if upgrader.CheckOrigin == nil {
		upgrader.CheckOrigin = func(*http.Request) bool { return true }
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.logger.Warn("Websocket upgrade failed", log.Error(err),
			slog.String(log.ExecutionIDKey, executionID))
		return
	}

	sub := &safeConn{conn: conn}
	h.broker.Subscribe(executionID, sub)
	h.logger.Debug("Websocket subscriber attached",
		slog.String(log.ExecutionIDKey, executionID))

	defer func() {
		h.broker.Unsubscribe(executionID, sub)
		conn.Close()
		h.logger.Debug("Websocket subscriber detached",
			slog.String(log.ExecutionIDKey, executionID))
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
