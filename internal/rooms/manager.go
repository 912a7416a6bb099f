package rooms

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"codeblocks/internal/metrics"
	"codeblocks/internal/models"
	"codeblocks/internal/presence"
	"codeblocks/internal/session"
	"codeblocks/internal/store"
)

const (
	msgRoomNotFound = "Room not found"
	msgServerError  = "Server error, please try again"
)

// Manager runs role election, room lifecycle and edit fanout. It keeps no
// per-room state: roles are re-derived from the store on every event.
type Manager struct {
	store   store.RoomStore
	tracker *presence.Tracker
	notify  session.Notifier
	log     *zap.Logger
	timeout time.Duration
}

func NewManager(st store.RoomStore, tracker *presence.Tracker, notify session.Notifier, log *zap.Logger, timeout time.Duration) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		store:   st,
		tracker: tracker,
		notify:  notify,
		log:     log,
		timeout: timeout,
	}
}

func (m *Manager) Tracker() *presence.Tracker { return m.tracker }

// Join elects the connection mentor if the room is free, otherwise counts it
// as a student, then announces the role and the new presence.
func (m *Manager) Join(ctx context.Context, roomID, connID string) (models.Role, error) {
	if m.tracker.Has(connID, roomID) {
		role, handled, err := m.rejoin(ctx, roomID, connID)
		if handled || err != nil {
			return role, err
		}
	}

	_, err := store.Call(ctx, m.timeout, true, func(ctx context.Context) (*models.Room, error) {
		return m.store.Get(ctx, roomID)
	})
	if err != nil {
		return "", m.joinFailed(roomID, connID, "get", err)
	}

	type claim struct {
		assigned bool
		room     *models.Room
	}
	c, err := store.Call(ctx, m.timeout, true, func(ctx context.Context) (claim, error) {
		ok, room, err := m.store.TryAssignMentor(ctx, roomID, connID)
		return claim{assigned: ok, room: room}, err
	})
	if err != nil {
		return "", m.joinFailed(roomID, connID, "assign_mentor", err)
	}

	role := models.RoleMentor
	count := c.room.StudentCount
	if !c.assigned {
		role = models.RoleStudent
		count, err = store.Call(ctx, m.timeout, false, func(ctx context.Context) (int, error) {
			return m.store.IncrementStudentCount(ctx, roomID, 1)
		})
		if err != nil {
			return "", m.joinFailed(roomID, connID, "increment_students", err)
		}
	}

	m.tracker.RecordJoin(connID, roomID)
	m.notify.Subscribe(roomID, connID)
	metrics.Joins.WithLabelValues(string(role)).Inc()
	m.log.Info("joined room",
		zap.String("room", roomID),
		zap.String("conn", connID),
		zap.String("role", string(role)),
		zap.Int("students", count))

	m.notify.SendTo(connID, models.RoleFrame(role))
	m.notify.SendTo(connID, snapshotFrame(c.room))
	m.notify.Broadcast(roomID, models.RoomUpdateFrame(count))
	return role, nil
}

// rejoin re-announces the current role of a connection that is already in
// the room without touching the counters. It reports handled=false when the
// room has no mentor: the membership predates a reset, so it is dropped and
// the caller runs a full election.
func (m *Manager) rejoin(ctx context.Context, roomID, connID string) (models.Role, bool, error) {
	room, err := store.Call(ctx, m.timeout, true, func(ctx context.Context) (*models.Room, error) {
		return m.store.Get(ctx, roomID)
	})
	if err != nil {
		return "", true, m.joinFailed(roomID, connID, "get", err)
	}
	if !room.HasMentor() {
		m.log.Debug("stale membership in unoccupied room",
			zap.String("room", roomID), zap.String("conn", connID))
		m.tracker.Leave(connID, roomID)
		return "", false, nil
	}
	role := models.RoleStudent
	if room.IsMentor(connID) {
		role = models.RoleMentor
	}
	m.notify.Subscribe(roomID, connID)
	m.notify.SendTo(connID, models.RoleFrame(role))
	m.notify.SendTo(connID, snapshotFrame(room))
	m.notify.SendTo(connID, models.RoomUpdateFrame(room.StudentCount))
	return role, true, nil
}

func (m *Manager) joinFailed(roomID, connID, op string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		m.log.Info("join for unknown room", zap.String("room", roomID), zap.String("conn", connID))
		m.notify.SendTo(connID, models.WSFrame{Type: models.EventRoomNotFound, Data: models.Message{Message: msgRoomNotFound}})
		m.notify.SendTo(connID, models.WSFrame{Type: models.EventRedirectToLobby})
		return err
	}
	m.storeFailed(op, roomID, connID, err)
	return err
}

func (m *Manager) storeFailed(op, roomID, connID string, err error) {
	metrics.StoreErrors.WithLabelValues(op).Inc()
	m.log.Error("room store failure",
		zap.String("op", op),
		zap.String("room", roomID),
		zap.String("conn", connID),
		zap.Error(err))
	if connID != "" {
		m.notify.SendTo(connID, models.ErrorFrame(msgServerError))
	}
}

// Leave applies the departure of one connection from one room and drops
// that membership. A mentor departure resets the room; a student departure
// decrements the count. Connections that are not tracked in the room are
// ignored, so duplicate disconnects and leaves after a reset are no-ops.
func (m *Manager) Leave(ctx context.Context, roomID, connID string) error {
	if !m.tracker.Leave(connID, roomID) {
		return nil
	}
	m.notify.Unsubscribe(roomID, connID)

	room, err := store.Call(ctx, m.timeout, true, func(ctx context.Context) (*models.Room, error) {
		return m.store.Get(ctx, roomID)
	})
	if errors.Is(err, store.ErrNotFound) {
		m.log.Info("left room that no longer exists", zap.String("room", roomID), zap.String("conn", connID))
		return nil
	}
	if err != nil {
		m.storeFailed("get", roomID, "", err)
		return err
	}

	if room.IsMentor(connID) {
		_, err := m.resetAfterMentor(ctx, roomID, connID, "disconnect")
		return err
	}

	count, err := store.Call(ctx, m.timeout, false, func(ctx context.Context) (int, error) {
		return m.store.IncrementStudentCount(ctx, roomID, -1)
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		m.storeFailed("decrement_students", roomID, "", err)
		return err
	}
	m.log.Info("student left room", zap.String("room", roomID), zap.String("conn", connID), zap.Int("students", count))
	m.notify.Broadcast(roomID, models.RoomUpdateFrame(count))
	return nil
}

// resetAfterMentor clears the room if mentorID still holds it. Every local
// membership of the room is dropped with it, so the remaining connections
// must join again to be counted.
func (m *Manager) resetAfterMentor(ctx context.Context, roomID, mentorID, trigger string) (bool, error) {
	ok, err := store.Call(ctx, m.timeout, false, func(ctx context.Context) (bool, error) {
		return m.store.ClearMentorAndReset(ctx, roomID, mentorID)
	})
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		m.storeFailed("clear_mentor", roomID, "", err)
		return false, err
	}
	if !ok {
		m.log.Info("mentor already replaced, skipping reset",
			zap.String("room", roomID), zap.String("mentor", mentorID))
		return false, nil
	}
	dropped := m.tracker.DropRoom(roomID)
	metrics.MentorResets.WithLabelValues(trigger).Inc()
	m.log.Info("mentor left, room reset",
		zap.String("room", roomID),
		zap.String("mentor", mentorID),
		zap.String("trigger", trigger),
		zap.Int("dropped", len(dropped)))
	m.notify.Broadcast(roomID, models.MentorLeftFrame())
	for _, connID := range dropped {
		m.notify.Unsubscribe(roomID, connID)
	}
	return true, nil
}

// Disconnect runs Leave for every room of the connection independently.
// Each Leave drops its own membership whatever the outcome.
func (m *Manager) Disconnect(ctx context.Context, connID string) error {
	var errs []error
	for _, roomID := range m.tracker.RoomsOf(connID) {
		if err := m.Leave(ctx, roomID, connID); err != nil {
			errs = append(errs, fmt.Errorf("room %s: %w", roomID, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		m.log.Warn("disconnect cleanup incomplete", zap.String("conn", connID), zap.Error(err))
		return err
	}
	return nil
}

// OrphanedRooms lists occupied rooms whose mentor is not a live connection.
// Only meaningful when this process owns every connection.
func (m *Manager) OrphanedRooms(ctx context.Context, isLive func(connID string) bool) ([]models.Room, error) {
	occupied, err := store.Call(ctx, m.timeout, true, func(ctx context.Context) ([]models.Room, error) {
		return m.store.ListOccupied(ctx)
	})
	if err != nil {
		metrics.StoreErrors.WithLabelValues("list_occupied").Inc()
		return nil, err
	}
	orphans := make([]models.Room, 0, len(occupied))
	for _, room := range occupied {
		if !isLive(room.MentorID) {
			orphans = append(orphans, room)
		}
	}
	return orphans, nil
}

// ReclaimRoom resets roomID if mentorID still holds it. It must run on the
// room's event queue so it cannot interleave with that mentor's Leave.
func (m *Manager) ReclaimRoom(ctx context.Context, roomID, mentorID string) (bool, error) {
	return m.resetAfterMentor(ctx, roomID, mentorID, "janitor")
}

func snapshotFrame(room *models.Room) models.WSFrame {
	return models.CodeUpdateFrame(models.CodeUpdate{
		Code:     room.Code,
		IsSolved: IsSolved(room.Code, room.Solution),
	})
}
