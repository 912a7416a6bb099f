package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"codeblocks/internal/metrics"
	"codeblocks/internal/models"
	"codeblocks/internal/presence"
	"codeblocks/internal/session"
)

var (
	ErrClosed   = errors.New("dispatcher closed")
	ErrBadFrame = errors.New("malformed event")
)

// Coordinator is the room logic the dispatcher drives.
type Coordinator interface {
	Join(ctx context.Context, roomID, connID string) (models.Role, error)
	Leave(ctx context.Context, roomID, connID string) error
	SubmitEdit(ctx context.Context, roomID, connID, code string) (bool, error)
	OrphanedRooms(ctx context.Context, isLive func(connID string) bool) ([]models.Room, error)
	ReclaimRoom(ctx context.Context, roomID, mentorID string) (bool, error)
}

type roomQueue struct {
	jobs []func()
}

// Dispatcher validates inbound frames and runs the resulting room events on a
// per-room serial queue. Events for one room apply in arrival order; rooms
// never wait on each other.
type Dispatcher struct {
	coord   Coordinator
	tracker *presence.Tracker
	notify  session.Notifier
	log     *zap.Logger
	base    context.Context

	mu      sync.Mutex
	queues  map[string]*roomQueue
	joining map[string]map[string]int
	closed  bool
	wg      sync.WaitGroup
}

func New(coord Coordinator, tracker *presence.Tracker, notify session.Notifier, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		coord:   coord,
		tracker: tracker,
		notify:  notify,
		log:     log,
		base:    context.Background(),
		queues:  make(map[string]*roomQueue),
		joining: make(map[string]map[string]int),
	}
}

// Dispatch validates frame and queues it on its room. It returns once the
// event is queued, not once it has run.
func (d *Dispatcher) Dispatch(ctx context.Context, connID string, frame models.InboundFrame) error {
	// queued jobs may outlive the request that produced them
	ctx = context.WithoutCancel(ctx)

	switch frame.Type {
	case models.EventJoinRoom:
		var in models.JoinRoom
		if err := decode(frame.Data, &in); err != nil {
			return d.reject(connID, "bad_payload", "Invalid join_room payload", err)
		}
		roomID := strings.TrimSpace(in.Room)
		if roomID == "" {
			return d.reject(connID, "missing_room", "Room id is required", nil)
		}
		d.markJoining(connID, roomID, 1)
		err := d.enqueue(roomID, func() {
			defer d.markJoining(connID, roomID, -1)
			if _, err := d.coord.Join(ctx, roomID, connID); err != nil {
				d.log.Debug("join failed", zap.String("room", roomID), zap.String("conn", connID), zap.Error(err))
			}
		})
		if err != nil {
			d.markJoining(connID, roomID, -1)
		}
		return err

	case models.EventCodeChange:
		var in models.CodeChange
		if err := decode(frame.Data, &in); err != nil {
			return d.reject(connID, "bad_payload", "Invalid code_change payload", err)
		}
		roomID := strings.TrimSpace(in.Room)
		if roomID == "" {
			return d.reject(connID, "missing_room", "Room id is required", nil)
		}
		if in.Sender != "" && in.Sender != connID {
			d.log.Debug("ignoring client supplied sender", zap.String("conn", connID), zap.String("sender", in.Sender))
		}
		code := in.Code
		return d.enqueue(roomID, func() {
			if _, err := d.coord.SubmitEdit(ctx, roomID, connID, code); err != nil {
				d.log.Debug("edit failed", zap.String("room", roomID), zap.String("conn", connID), zap.Error(err))
			}
		})

	case models.EventDisconnect:
		d.Disconnect(connID)
		return nil

	default:
		return d.reject(connID, "unknown_type", "Unknown event type", fmt.Errorf("type %q", frame.Type))
	}
}

// Disconnect queues a leave on every room the connection joined or is still
// joining. Each leave drops only its own membership, so rooms joined after
// the call are kept. The returned channel yields the combined error once
// cleanup is finished.
func (d *Dispatcher) Disconnect(connID string) <-chan error {
	done := make(chan error, 1)
	roomIDs := d.candidateRooms(connID)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, roomID := range roomIDs {
		roomID := roomID
		wg.Add(1)
		err := d.enqueue(roomID, func() {
			defer wg.Done()
			defer d.tracker.Leave(connID, roomID)
			if err := d.coord.Leave(d.base, roomID, connID); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("room %s: %w", roomID, err))
				mu.Unlock()
			}
		})
		if err != nil {
			d.tracker.Leave(connID, roomID)
			wg.Done()
			mu.Lock()
			errs = append(errs, fmt.Errorf("room %s: %w", roomID, err))
			mu.Unlock()
		}
	}

	go func() {
		wg.Wait()
		err := errors.Join(errs...)
		if err != nil {
			d.log.Warn("disconnect cleanup incomplete", zap.String("conn", connID), zap.Error(err))
		}
		done <- err
	}()
	return done
}

// ReclaimOrphans resets every room whose mentor is not live. Each reset runs
// on the room's queue so it is ordered against that mentor's own leave.
func (d *Dispatcher) ReclaimOrphans(ctx context.Context, isLive func(connID string) bool) (int, error) {
	orphans, err := d.coord.OrphanedRooms(ctx, isLive)
	if err != nil {
		return 0, err
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		reclaimed int
		errs      []error
	)
	for _, room := range orphans {
		roomID, mentorID := room.ID, room.MentorID
		wg.Add(1)
		err := d.enqueue(roomID, func() {
			defer wg.Done()
			ok, err := d.coord.ReclaimRoom(ctx, roomID, mentorID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("room %s: %w", roomID, err))
				return
			}
			if ok {
				reclaimed++
			}
		})
		if err != nil {
			wg.Done()
			mu.Lock()
			errs = append(errs, fmt.Errorf("room %s: %w", roomID, err))
			mu.Unlock()
		}
	}
	wg.Wait()
	return reclaimed, errors.Join(errs...)
}

// Close stops accepting events and waits for queued ones to finish.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
	return nil
}

// ActiveRooms is the number of rooms with a running worker.
func (d *Dispatcher) ActiveRooms() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queues)
}

func (d *Dispatcher) enqueue(roomID string, job func()) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if q, ok := d.queues[roomID]; ok {
		q.jobs = append(q.jobs, job)
		return nil
	}
	q := &roomQueue{jobs: []func(){job}}
	d.queues[roomID] = q
	metrics.ActiveRoomQueues.Inc()
	d.wg.Add(1)
	go d.drain(roomID, q)
	return nil
}

func (d *Dispatcher) drain(roomID string, q *roomQueue) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		if len(q.jobs) == 0 {
			delete(d.queues, roomID)
			metrics.ActiveRoomQueues.Dec()
			d.mu.Unlock()
			return
		}
		job := q.jobs[0]
		q.jobs[0] = nil
		q.jobs = q.jobs[1:]
		d.mu.Unlock()

		d.run(roomID, job)
	}
}

func (d *Dispatcher) run(roomID string, job func()) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("room job panicked", zap.String("room", roomID), zap.Any("panic", r))
		}
	}()
	job()
}

func (d *Dispatcher) markJoining(connID, roomID string, delta int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rooms, ok := d.joining[connID]
	if !ok {
		if delta <= 0 {
			return
		}
		rooms = make(map[string]int)
		d.joining[connID] = rooms
	}
	rooms[roomID] += delta
	if rooms[roomID] <= 0 {
		delete(rooms, roomID)
	}
	if len(rooms) == 0 {
		delete(d.joining, connID)
	}
}

func (d *Dispatcher) candidateRooms(connID string) []string {
	set := make(map[string]struct{})
	for _, id := range d.tracker.RoomsOf(connID) {
		set[id] = struct{}{}
	}
	d.mu.Lock()
	for id := range d.joining[connID] {
		set[id] = struct{}{}
	}
	d.mu.Unlock()

	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (d *Dispatcher) reject(connID, reason, msg string, cause error) error {
	metrics.Rejected.WithLabelValues(reason).Inc()
	d.notify.SendTo(connID, models.ErrorFrame(msg))
	if cause != nil {
		return fmt.Errorf("%w: %s: %w", ErrBadFrame, reason, cause)
	}
	return fmt.Errorf("%w: %s", ErrBadFrame, reason)
}

func decode(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return errors.New("empty payload")
	}
	return json.Unmarshal(raw, v)
}
