package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-chatrelay/internal/conversation"
	"github.com/npezzotti/go-chatrelay/internal/history"
	"github.com/npezzotti/go-chatrelay/internal/server"
	"github.com/npezzotti/go-chatrelay/internal/types"
	"go.uber.org/zap"
)

const notifyTokenHeader = "X-Notify-Token"

type UnreadCountResponse struct {
	RoomId      int64 `json:"room_id"`
	UnreadCount int   `json:"unread_count"`
}

type ConvertRequest struct {
	Name        string         `json:"name"`
	AddUserIds  []types.FlexId `json:"add_user_ids"`
	CopyHistory bool           `json:"copy_messages"`
}

type NotifyRequest struct {
	UserId types.FlexId `json:"user_id"`
	server.Notification
}

func (a *App) writeJson(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log.Warn("json encode", zap.Error(err))
	}
}

func (a *App) writeError(w http.ResponseWriter, err error) {
	errResp := errorFromErr(err)
	if errResp.StatusCode >= http.StatusInternalServerError {
		a.log.Error("request failed", zap.Error(err))
	}
	a.writeJson(w, errResp.StatusCode, errResp)
}

func parseId(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid id %q", types.ErrInvalidPayload, raw)
	}
	return id, nil
}

func (a *App) healthz(w http.ResponseWriter, r *http.Request) {
	if err := a.repo.Ping(r.Context()); err != nil {
		a.writeError(w, err)
		return
	}

	a.writeJson(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *App) serveRoomWs(w http.ResponseWriter, r *http.Request) {
	roomId, err := parseId(chi.URLParam(r, "roomID"))
	if err != nil {
		a.writeError(w, err)
		return
	}

	a.serveWs(w, r, server.Target{RoomId: roomId})
}

func (a *App) serveDirectWs(w http.ResponseWriter, r *http.Request) {
	peerId, err := parseId(chi.URLParam(r, "userID"))
	if err != nil {
		a.writeError(w, err)
		return
	}

	a.serveWs(w, r, server.Target{PeerId: peerId})
}

func (a *App) serveNotificationsWs(w http.ResponseWriter, r *http.Request) {
	a.serveWs(w, r, server.Target{})
}

// serveWs resolves the target before upgrading so that unknown rooms and
// non-members are refused with a plain HTTP status.
func (a *App) serveWs(w http.ResponseWriter, r *http.Request, target server.Target) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		a.writeError(w, types.ErrUnauthenticated)
		return
	}

	room, err := a.gw.ResolveTarget(r.Context(), user, target)
	if err != nil {
		a.writeError(w, err)
		return
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Info("websocket upgrade failed", zap.Error(err))
		return
	}

	// the request context ends when this handler returns, the session does not
	if _, err := a.gw.Attach(context.WithoutCancel(r.Context()), conn, user, room); err != nil {
		a.log.Warn("attach session", zap.Int64("user_id", user.Id), zap.Error(err))
		code := websocket.CloseInternalServerErr
		if errors.Is(err, server.ErrShuttingDown) {
			code = websocket.CloseGoingAway
		}
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""))
		conn.Close()
	}
}

// requireParticipant returns the room id from the path once the caller is
// known to belong to it. Unknown rooms and foreign rooms look the same.
func (a *App) requireParticipant(r *http.Request) (int64, error) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		return 0, types.ErrUnauthenticated
	}

	roomId, err := parseId(chi.URLParam(r, "roomID"))
	if err != nil {
		return 0, err
	}

	member, err := a.repo.IsParticipant(r.Context(), roomId, user.Id)
	if err != nil {
		return 0, err
	}
	if !member {
		return 0, types.ErrNotFound
	}

	return roomId, nil
}

func (a *App) getMessages(w http.ResponseWriter, r *http.Request) {
	roomId, err := a.requireParticipant(r)
	if err != nil {
		a.writeError(w, err)
		return
	}

	q := r.URL.Query()
	var before int64
	if raw := q.Get("before"); raw != "" {
		if before, err = parseId(raw); err != nil {
			a.writeError(w, err)
			return
		}
	}

	limit := 0
	if raw := q.Get("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil || limit <= 0 {
			a.writeError(w, fmt.Errorf("%w: invalid limit %q", types.ErrInvalidPayload, raw))
			return
		}
	}

	page, err := history.ReadBefore(r.Context(), a.repo, roomId, before, limit)
	if err != nil {
		a.writeError(w, err)
		return
	}

	a.writeJson(w, http.StatusOK, page)
}

func (a *App) getUnreadCount(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFromContext(r.Context())
	roomId, err := a.requireParticipant(r)
	if err != nil {
		a.writeError(w, err)
		return
	}

	count, err := a.receipts.UnreadCount(r.Context(), roomId, user.Id)
	if err != nil {
		a.writeError(w, err)
		return
	}

	a.writeJson(w, http.StatusOK, UnreadCountResponse{RoomId: roomId, UnreadCount: count})
}

func (a *App) convertToGroup(w http.ResponseWriter, r *http.Request) {
	user, _ := UserFromContext(r.Context())
	roomId, err := a.requireParticipant(r)
	if err != nil {
		a.writeError(w, err)
		return
	}

	var req ConvertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, fmt.Errorf("%w: malformed body", types.ErrInvalidPayload))
		return
	}

	add := make([]int64, 0, len(req.AddUserIds))
	for _, id := range req.AddUserIds {
		if id <= 0 {
			a.writeError(w, fmt.Errorf("%w: invalid user id %d", types.ErrInvalidPayload, id))
			return
		}
		add = append(add, int64(id))
	}

	group, err := a.gw.ConvertToGroup(r.Context(), conversation.ConvertParams{
		DirectRoomId: roomId,
		RequestedBy:  user.Id,
		Name:         req.Name,
		AddUserIds:   add,
		CopyHistory:  req.CopyHistory,
	})
	if err != nil {
		a.writeError(w, err)
		return
	}

	a.writeJson(w, http.StatusCreated, group)
}

func (a *App) getPresence(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query()["user_id"]
	if len(raw) == 0 {
		a.writeError(w, fmt.Errorf("%w: user_id is required", types.ErrInvalidPayload))
		return
	}

	ids := make([]int64, 0, len(raw))
	for _, s := range raw {
		id, err := parseId(s)
		if err != nil {
			a.writeError(w, err)
			return
		}
		ids = append(ids, id)
	}

	records, err := a.presence.GetMany(r.Context(), ids)
	if err != nil {
		a.writeError(w, err)
		return
	}

	a.writeJson(w, http.StatusOK, records)
}

// notify lets trusted subsystems push into a user's notification stream.
// It is disabled unless a notify token is configured.
func (a *App) notify(w http.ResponseWriter, r *http.Request) {
	if a.notifyToken == "" {
		a.writeError(w, types.ErrNotFound)
		return
	}

	got := r.Header.Get(notifyTokenHeader)
	if subtle.ConstantTimeCompare([]byte(got), []byte(a.notifyToken)) != 1 {
		errResp := NewForbiddenError()
		a.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req NotifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, fmt.Errorf("%w: malformed body", types.ErrInvalidPayload))
		return
	}
	if req.UserId <= 0 || req.NotificationType == "" {
		a.writeError(w, fmt.Errorf("%w: user_id and notification_type are required", types.ErrInvalidPayload))
		return
	}

	if err := a.gw.Notify(r.Context(), int64(req.UserId), req.Notification); err != nil {
		a.writeError(w, err)
		return
	}

	a.writeJson(w, http.StatusAccepted, nil)
}
