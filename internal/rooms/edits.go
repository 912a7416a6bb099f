package rooms

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"codeblocks/internal/metrics"
	"codeblocks/internal/models"
	"codeblocks/internal/store"
)

const msgJoinFirst = "Join the room before editing"

// ErrNotParticipant is returned for edits from a connection that has not
// joined the room.
var ErrNotParticipant = errors.New("connection has not joined the room")

// IsSolved compares code against the solution ignoring surrounding whitespace.
func IsSolved(code, solution string) bool {
	return strings.TrimSpace(code) == strings.TrimSpace(solution)
}

// SubmitEdit persists code as the room's current text (last write wins) and
// broadcasts it with the solved flag to everyone in the room. Only
// connections that joined the room may edit it.
func (m *Manager) SubmitEdit(ctx context.Context, roomID, connID, code string) (bool, error) {
	if !m.tracker.Has(connID, roomID) {
		m.log.Debug("edit from non-participant", zap.String("room", roomID), zap.String("conn", connID))
		m.notify.SendTo(connID, models.ErrorFrame(msgJoinFirst))
		return false, fmt.Errorf("edit room %s: %w", roomID, ErrNotParticipant)
	}

	_, err := store.Call(ctx, m.timeout, true, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, m.store.SetCode(ctx, roomID, code)
	})
	if err != nil {
		return false, m.editFailed(roomID, connID, "set_code", err)
	}

	room, err := store.Call(ctx, m.timeout, true, func(ctx context.Context) (*models.Room, error) {
		return m.store.Get(ctx, roomID)
	})
	if err != nil {
		return false, m.editFailed(roomID, connID, "get", err)
	}

	solved := IsSolved(code, room.Solution)
	metrics.Edits.WithLabelValues(strconv.FormatBool(solved)).Inc()
	if solved {
		m.log.Info("room solved", zap.String("room", roomID), zap.String("conn", connID))
	}
	m.notify.Broadcast(roomID, models.CodeUpdateFrame(models.CodeUpdate{
		Code:     code,
		IsSolved: solved,
		Sender:   connID,
	}))
	return solved, nil
}

func (m *Manager) editFailed(roomID, connID, op string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		m.notify.SendTo(connID, models.ErrorFrame(msgRoomNotFound))
		return err
	}
	m.storeFailed(op, roomID, connID, err)
	return err
}
