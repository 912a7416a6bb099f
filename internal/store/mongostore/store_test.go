package mongostore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"

	"codeblocks/internal/store"
)

func namespace(mt *mtest.T) string {
	return mt.Coll.Database().Name() + "." + mt.Coll.Name()
}

func blockDoc(oid primitive.ObjectID, mentor interface{}, students int) bson.D {
	return bson.D{
		{Key: "_id", Value: oid},
		{Key: "title", Value: "Async Function"},
		{Key: "code", Value: "X"},
		{Key: "originalCode", Value: "Y"},
		{Key: "solution", Value: "const x = 1;"},
		{Key: "mentorId", Value: mentor},
		{Key: "studentCount", Value: students},
	}
}

func TestMongoStore(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	oid := primitive.NewObjectID()

	mt.Run("get decodes null mentor", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCursorResponse(0, namespace(mt), mtest.FirstBatch, blockDoc(oid, nil, 2)))

		room, err := New(mt.Coll).Get(context.Background(), oid.Hex())
		require.NoError(mt, err)
		assert.Equal(mt, oid.Hex(), room.ID)
		assert.Equal(mt, "Y", room.OriginalCode)
		assert.Empty(mt, room.MentorID)
		assert.Equal(mt, 2, room.StudentCount)
	})

	mt.Run("get missing", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCursorResponse(0, namespace(mt), mtest.FirstBatch))

		_, err := New(mt.Coll).Get(context.Background(), oid.Hex())
		assert.ErrorIs(mt, err, store.ErrNotFound)
	})

	mt.Run("malformed id is not found", func(mt *mtest.T) {
		s := New(mt.Coll)
		_, err := s.Get(context.Background(), "not-an-object-id")
		assert.ErrorIs(mt, err, store.ErrNotFound)
		assert.ErrorIs(mt, s.SetCode(context.Background(), "nope", "x"), store.ErrNotFound)
	})

	mt.Run("set code on missing room", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse(
			bson.E{Key: "n", Value: 0},
			bson.E{Key: "nModified", Value: 0},
		))

		err := New(mt.Coll).SetCode(context.Background(), oid.Hex(), "x")
		assert.ErrorIs(mt, err, store.ErrNotFound)
	})

	mt.Run("assign mentor wins", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse(
			bson.E{Key: "value", Value: blockDoc(oid, "conn-1", 0)},
		))

		assigned, room, err := New(mt.Coll).TryAssignMentor(context.Background(), oid.Hex(), "conn-1")
		require.NoError(mt, err)
		assert.True(mt, assigned)
		assert.Equal(mt, "conn-1", room.MentorID)
	})

	mt.Run("assign mentor loses", func(mt *mtest.T) {
		mt.AddMockResponses(
			mtest.CreateSuccessResponse(bson.E{Key: "value", Value: nil}),
			mtest.CreateCursorResponse(0, namespace(mt), mtest.FirstBatch, blockDoc(oid, "conn-1", 0)),
		)

		assigned, room, err := New(mt.Coll).TryAssignMentor(context.Background(), oid.Hex(), "conn-2")
		require.NoError(mt, err)
		assert.False(mt, assigned)
		assert.Equal(mt, "conn-1", room.MentorID)
	})

	mt.Run("increment returns clamped count", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse(
			bson.E{Key: "value", Value: blockDoc(oid, "conn-1", 0)},
		))

		n, err := New(mt.Coll).IncrementStudentCount(context.Background(), oid.Hex(), -1)
		require.NoError(mt, err)
		assert.Equal(mt, 0, n)
	})

	mt.Run("clear mentor mismatch", func(mt *mtest.T) {
		mt.AddMockResponses(
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 0}, bson.E{Key: "nModified", Value: 0}),
			mtest.CreateCursorResponse(0, namespace(mt), mtest.FirstBatch, bson.D{{Key: "n", Value: 1}}),
		)

		ok, err := New(mt.Coll).ClearMentorAndReset(context.Background(), oid.Hex(), "stale")
		require.NoError(mt, err)
		assert.False(mt, ok)
	})

	mt.Run("clear mentor match", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse(
			bson.E{Key: "n", Value: 1},
			bson.E{Key: "nModified", Value: 1},
		))

		ok, err := New(mt.Coll).ClearMentorAndReset(context.Background(), oid.Hex(), "conn-1")
		require.NoError(mt, err)
		assert.True(mt, ok)
	})

	mt.Run("command error is unavailable", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCommandErrorResponse(mtest.CommandError{
			Code:    2,
			Name:    "BadValue",
			Message: "boom",
		}))

		err := New(mt.Coll).SetCode(context.Background(), oid.Hex(), "x")
		assert.ErrorIs(mt, err, store.ErrUnavailable)
	})
}
