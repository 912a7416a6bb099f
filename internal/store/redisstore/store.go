package redisstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"codeblocks/internal/models"
	"codeblocks/internal/store"
)

const indexKey = "codeblocks"

func roomKey(id string) string { return "codeblock:" + id }

// Store keeps one hash per room plus a set of known ids. Conditional updates
// run as Lua scripts so they stay atomic across coordinator processes.
type Store struct {
	rdb *redis.Client
}

var _ store.RoomStore = (*Store)(nil)

func New(rdb *redis.Client) *Store { return &Store{rdb: rdb} }

func NewFromAddr(addr string) *Store {
	return New(redis.NewClient(&redis.Options{Addr: addr}))
}

// Client exposes the underlying connection so the fanout relay can share it.
func (s *Store) Client() *redis.Client { return s.rdb }

func (s *Store) Get(ctx context.Context, id string) (*models.Room, error) {
	fields, err := s.rdb.HGetAll(ctx, roomKey(id)).Result()
	if err != nil {
		return nil, store.Unavailable("get", err)
	}
	if len(fields) == 0 {
		return nil, store.ErrNotFound
	}
	return decodeRoom(id, fields), nil
}

func (s *Store) List(ctx context.Context) ([]models.Room, error) {
	ids, err := s.rdb.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, store.Unavailable("list", err)
	}
	sort.Strings(ids)
	out := make([]models.Room, 0, len(ids))
	for _, id := range ids {
		room, err := s.Get(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *room)
	}
	return out, nil
}

func (s *Store) ListOccupied(ctx context.Context) ([]models.Room, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, r := range all {
		if r.HasMentor() {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Store) Create(ctx context.Context, room *models.Room) error {
	if room.ID == "" {
		room.ID = uuid.New().String()
	}
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, roomKey(room.ID), map[string]interface{}{
			"title":        room.Title,
			"code":         room.Code,
			"originalCode": room.OriginalCode,
			"solution":     room.Solution,
			"mentorId":     room.MentorID,
			"studentCount": room.StudentCount,
		})
		pipe.SAdd(ctx, indexKey, room.ID)
		return nil
	})
	return store.Unavailable("create", err)
}

func (s *Store) SetCode(ctx context.Context, id, code string) error {
	n, err := setCodeScript.Run(ctx, s.rdb, []string{roomKey(id)}, code).Int()
	if err != nil {
		return store.Unavailable("set code", err)
	}
	if n < 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) TryAssignMentor(ctx context.Context, id, connID string) (bool, *models.Room, error) {
	if connID == "" {
		return false, nil, fmt.Errorf("assign mentor: empty connection id")
	}
	res, err := assignScript.Run(ctx, s.rdb, []string{roomKey(id)}, connID).Slice()
	if err != nil {
		return false, nil, store.Unavailable("assign mentor", err)
	}
	if len(res) == 0 {
		return false, nil, store.Unavailable("assign mentor", errors.New("empty script reply"))
	}
	status, _ := res[0].(int64)
	if status < 0 {
		return false, nil, store.ErrNotFound
	}
	fields := make(map[string]string, (len(res)-1)/2)
	for i := 1; i+1 < len(res); i += 2 {
		k, _ := res[i].(string)
		v, _ := res[i+1].(string)
		fields[k] = v
	}
	return status == 1, decodeRoom(id, fields), nil
}

func (s *Store) IncrementStudentCount(ctx context.Context, id string, delta int) (int, error) {
	n, err := incrScript.Run(ctx, s.rdb, []string{roomKey(id)}, delta).Int()
	if err != nil {
		return 0, store.Unavailable("increment students", err)
	}
	if n < 0 {
		return 0, store.ErrNotFound
	}
	return n, nil
}

func (s *Store) ClearMentorAndReset(ctx context.Context, id, expectedMentor string) (bool, error) {
	if expectedMentor == "" {
		return false, nil
	}
	n, err := clearScript.Run(ctx, s.rdb, []string{roomKey(id)}, expectedMentor).Int()
	if err != nil {
		return false, store.Unavailable("clear mentor", err)
	}
	if n < 0 {
		return false, store.ErrNotFound
	}
	return n == 1, nil
}

func (s *Store) ResetAll(ctx context.Context) (int, error) {
	ids, err := s.rdb.SMembers(ctx, indexKey).Result()
	if err != nil {
		return 0, store.Unavailable("reset all", err)
	}
	reset := 0
	for _, id := range ids {
		n, err := resetScript.Run(ctx, s.rdb, []string{roomKey(id)}).Int()
		if err != nil {
			return reset, store.Unavailable("reset all", err)
		}
		if n == 1 {
			reset++
		}
	}
	return reset, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return store.Unavailable("ping", s.rdb.Ping(ctx).Err())
}

func (s *Store) Close() error { return s.rdb.Close() }

func decodeRoom(id string, fields map[string]string) *models.Room {
	count, _ := strconv.Atoi(fields["studentCount"])
	return &models.Room{
		ID:           id,
		Title:        fields["title"],
		Code:         fields["code"],
		OriginalCode: fields["originalCode"],
		Solution:     fields["solution"],
		MentorID:     fields["mentorId"],
		StudentCount: count,
	}
}
