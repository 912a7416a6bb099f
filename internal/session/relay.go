package session

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"codeblocks/internal/models"
)

const relayPrefix = "codeblocks:room:"

type relayEnvelope struct {
	InstanceID string         `json:"instanceId"`
	Room       string         `json:"room"`
	Frame      models.WSFrame `json:"frame"`
}

// RedisRelay fans room broadcasts out to every coordinator process through
// Redis pub/sub. Each process delivers to its own local subscribers; frames
// it published itself are delivered directly and skipped on the way back.
type RedisRelay struct {
	*Hub
	rdb        *redis.Client
	instanceID string
	log        *zap.Logger
}

var _ Notifier = (*RedisRelay)(nil)

func NewRedisRelay(hub *Hub, rdb *redis.Client, log *zap.Logger) *RedisRelay {
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisRelay{
		Hub:        hub,
		rdb:        rdb,
		instanceID: uuid.New().String(),
		log:        log,
	}
}

func (r *RedisRelay) InstanceID() string { return r.instanceID }

func (r *RedisRelay) Broadcast(roomID string, frame models.WSFrame) {
	r.Hub.Broadcast(roomID, frame)

	data, err := json.Marshal(relayEnvelope{InstanceID: r.instanceID, Room: roomID, Frame: frame})
	if err != nil {
		r.log.Error("marshal relay frame", zap.Error(err))
		return
	}
	if err := r.rdb.Publish(context.Background(), relayPrefix+roomID, data).Err(); err != nil {
		r.log.Warn("publish relay frame", zap.String("room", roomID), zap.Error(err))
	}
}

// Run subscribes to every room channel until ctx is cancelled. ready, if not
// nil, is closed once the subscription is confirmed.
func (r *RedisRelay) Run(ctx context.Context, ready chan<- struct{}) error {
	pubsub := r.rdb.PSubscribe(ctx, relayPrefix+"*")
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	if ready != nil {
		close(ready)
	}
	r.log.Info("relay subscribed", zap.String("instance", r.instanceID))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.handle(msg)
		}
	}
}

func (r *RedisRelay) handle(msg *redis.Message) {
	var env relayEnvelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
		r.log.Warn("bad relay payload", zap.String("channel", msg.Channel), zap.Error(err))
		return
	}
	if env.InstanceID == r.instanceID {
		return
	}
	roomID := env.Room
	if roomID == "" {
		roomID = strings.TrimPrefix(msg.Channel, relayPrefix)
	}
	r.Hub.Broadcast(roomID, env.Frame)
}
