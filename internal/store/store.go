package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"codeblocks/internal/models"
)

var (
	// ErrNotFound means the room id does not resolve to a document.
	ErrNotFound = errors.New("room not found")
	// ErrUnavailable wraps transient backend failures, including timeouts.
	ErrUnavailable = errors.New("room store unavailable")
)

// RoomStore is the persisted side of the coordinator. Every mutating call is
// a single atomic step on the backend; nothing holds a room across calls.
type RoomStore interface {
	Get(ctx context.Context, id string) (*models.Room, error)
	List(ctx context.Context) ([]models.Room, error)
	ListOccupied(ctx context.Context) ([]models.Room, error)
	Create(ctx context.Context, room *models.Room) error

	// SetCode overwrites the live code unconditionally.
	SetCode(ctx context.Context, id, code string) error
	// TryAssignMentor sets mentorId only if it is empty (or already connID).
	TryAssignMentor(ctx context.Context, id, connID string) (bool, *models.Room, error)
	// IncrementStudentCount adds delta and clamps the stored value at zero.
	IncrementStudentCount(ctx context.Context, id string, delta int) (int, error)
	// ClearMentorAndReset resets the room only while mentorId == expectedMentor.
	// It returns false when the mentor has already changed.
	ClearMentorAndReset(ctx context.Context, id, expectedMentor string) (bool, error)
	// ResetAll puts every room back into the unoccupied state.
	ResetAll(ctx context.Context) (int, error)

	Ping(ctx context.Context) error
	Close() error
}

// Unavailable tags a backend error so callers can match it with errors.Is.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

// Call runs op under a bounded context. Idempotent operations get one more
// attempt when the first one fails with ErrUnavailable.
func Call[T any](ctx context.Context, timeout time.Duration, idempotent bool, op func(context.Context) (T, error)) (T, error) {
	attempts := 1
	if idempotent {
		attempts = 2
	}
	var (
		out T
		err error
	)
	for i := 0; i < attempts; i++ {
		out, err = callOnce(ctx, timeout, op)
		if err == nil || !errors.Is(err, ErrUnavailable) || ctx.Err() != nil {
			return out, err
		}
	}
	return out, err
}

func callOnce[T any](ctx context.Context, timeout time.Duration, op func(context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return op(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	out, err := op(ctx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrUnavailable) {
		err = Unavailable("timeout", err)
	}
	return out, err
}
