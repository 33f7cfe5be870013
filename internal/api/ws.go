package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"swap-engine/internal/auth"
	"swap-engine/internal/orchestrator"
	"swap-engine/internal/swap"
)

const wsWriteTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsMessage 是服务端推送的消息：state 为状态快照，result 为事件处理结果。
type wsMessage struct {
	Type  string              `json:"type"`
	State *orchestrator.State `json:"state,omitempty"`
	Error *errorBody          `json:"error,omitempty"`
}

type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) send(msg wsMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteJSON(msg)
}

// handleWebSocket 推送状态快照，同时接收与 /events 相同格式的事件。
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		http.Error(w, "编排器未初始化", http.StatusServiceUnavailable)
		return
	}
	canTrade := s.auth.Mode() == auth.ModeDisabled || auth.SubjectFromContext(r.Context()).HasPermission(auth.PermissionTrade)

	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket 升级失败", slog.Any("error", err))
		return
	}
	conn := &wsConn{conn: raw}
	defer raw.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	updates, unsubscribe := s.engine.Subscribe()
	defer unsubscribe()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case state, ok := <-updates:
				if !ok {
					return
				}
				if err := conn.send(wsMessage{Type: "state", State: &state}); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	for {
		var req eventRequest
		if err := raw.ReadJSON(&req); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				if conn.send(wsMessage{Type: "result", Error: toErrorBody(swap.UserInputError("消息不是合法的 JSON"))}) != nil {
					return
				}
				continue
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		if err := conn.send(s.dispatchFromSocket(ctx, req, canTrade)); err != nil {
			return
		}
	}
}

func (s *Server) dispatchFromSocket(ctx context.Context, req eventRequest, canTrade bool) wsMessage {
	if !canTrade {
		return wsMessage{Type: "result", Error: &errorBody{Code: swap.CodeState, Message: "当前令牌没有交易权限"}}
	}
	ev, err := req.toEvent(s.engine.State().Tokens)
	if err != nil {
		return wsMessage{Type: "result", Error: toErrorBody(err)}
	}
	dctx, cancel := context.WithTimeout(ctx, s.dispatchTimeout)
	defer cancel()
	if err := s.engine.Dispatch(dctx, ev); err != nil {
		return wsMessage{Type: "result", Error: toErrorBody(err)}
	}
	return wsMessage{Type: "result"}
}
