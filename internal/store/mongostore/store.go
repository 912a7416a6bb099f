package mongostore

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"codeblocks/internal/models"
	"codeblocks/internal/store"
)

// document mirrors the code_blocks collection. mentorId is stored as null
// when the room is free.
type document struct {
	ID           primitive.ObjectID `bson:"_id,omitempty"`
	Title        string             `bson:"title"`
	Code         string             `bson:"code"`
	OriginalCode string             `bson:"originalCode"`
	Solution     string             `bson:"solution"`
	MentorID     *string            `bson:"mentorId"`
	StudentCount int                `bson:"studentCount"`
}

func (d *document) room() *models.Room {
	r := &models.Room{
		ID:           d.ID.Hex(),
		Title:        d.Title,
		Code:         d.Code,
		OriginalCode: d.OriginalCode,
		Solution:     d.Solution,
		StudentCount: d.StudentCount,
	}
	if d.MentorID != nil {
		r.MentorID = *d.MentorID
	}
	return r
}

// freeMentor matches a room nobody owns: missing, null or empty mentorId.
var freeMentor = bson.M{"$in": bson.A{nil, ""}}

// resetPipeline copies originalCode back into code and frees the room.
var resetPipeline = mongo.Pipeline{
	{{Key: "$set", Value: bson.D{
		{Key: "code", Value: "$originalCode"},
		{Key: "studentCount", Value: 0},
		{Key: "mentorId", Value: nil},
	}}},
}

// Store implements store.RoomStore over a MongoDB collection.
type Store struct {
	col *mongo.Collection
}

var _ store.RoomStore = (*Store)(nil)

func New(col *mongo.Collection) *Store { return &Store{col: col} }

func objectID(id string) (primitive.ObjectID, bool) {
	oid, err := primitive.ObjectIDFromHex(id)
	return oid, err == nil
}

func (s *Store) Get(ctx context.Context, id string) (*models.Room, error) {
	oid, ok := objectID(id)
	if !ok {
		return nil, store.ErrNotFound
	}
	var doc document
	if err := s.col.FindOne(ctx, bson.M{"_id": oid}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, store.Unavailable("get", err)
	}
	return doc.room(), nil
}

func (s *Store) find(ctx context.Context, filter bson.M) ([]models.Room, error) {
	cur, err := s.col.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, store.Unavailable("list", err)
	}
	defer cur.Close(ctx)

	var docs []document
	if err := cur.All(ctx, &docs); err != nil {
		return nil, store.Unavailable("list", err)
	}
	out := make([]models.Room, 0, len(docs))
	for i := range docs {
		out = append(out, *docs[i].room())
	}
	return out, nil
}

func (s *Store) List(ctx context.Context) ([]models.Room, error) {
	return s.find(ctx, bson.M{})
}

func (s *Store) ListOccupied(ctx context.Context) ([]models.Room, error) {
	return s.find(ctx, bson.M{"mentorId": bson.M{"$nin": bson.A{nil, ""}}})
}

func (s *Store) Create(ctx context.Context, room *models.Room) error {
	doc := document{
		Title:        room.Title,
		Code:         room.Code,
		OriginalCode: room.OriginalCode,
		Solution:     room.Solution,
		StudentCount: room.StudentCount,
	}
	if room.ID != "" {
		oid, ok := objectID(room.ID)
		if !ok {
			return errors.New("create: room id must be a 24 character hex string")
		}
		doc.ID = oid
	}
	if room.MentorID != "" {
		doc.MentorID = &room.MentorID
	}
	res, err := s.col.InsertOne(ctx, doc)
	if err != nil {
		return store.Unavailable("create", err)
	}
	if oid, ok := res.InsertedID.(primitive.ObjectID); ok {
		room.ID = oid.Hex()
	}
	return nil
}

func (s *Store) SetCode(ctx context.Context, id, code string) error {
	oid, ok := objectID(id)
	if !ok {
		return store.ErrNotFound
	}
	res, err := s.col.UpdateOne(ctx, bson.M{"_id": oid}, bson.M{"$set": bson.M{"code": code}})
	if err != nil {
		return store.Unavailable("set code", err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) TryAssignMentor(ctx context.Context, id, connID string) (bool, *models.Room, error) {
	oid, ok := objectID(id)
	if !ok {
		return false, nil, store.ErrNotFound
	}
	if connID == "" {
		return false, nil, errors.New("assign mentor: empty connection id")
	}
	filter := bson.M{
		"_id": oid,
		"$or": bson.A{
			bson.M{"mentorId": freeMentor},
			bson.M{"mentorId": connID},
		},
	}
	update := bson.M{"$set": bson.M{"mentorId": connID}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var doc document
	err := s.col.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if err == nil {
		return true, doc.room(), nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil, store.Unavailable("assign mentor", err)
	}
	// lost the race or the room is gone
	room, err := s.Get(ctx, id)
	if err != nil {
		return false, nil, err
	}
	return false, room, nil
}

func (s *Store) IncrementStudentCount(ctx context.Context, id string, delta int) (int, error) {
	oid, ok := objectID(id)
	if !ok {
		return 0, store.ErrNotFound
	}
	update := mongo.Pipeline{
		{{Key: "$set", Value: bson.D{
			{Key: "studentCount", Value: bson.D{{Key: "$max", Value: bson.A{
				0,
				bson.D{{Key: "$add", Value: bson.A{
					bson.D{{Key: "$ifNull", Value: bson.A{"$studentCount", 0}}},
					delta,
				}}},
			}}}},
		}}},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var doc document
	if err := s.col.FindOneAndUpdate(ctx, bson.M{"_id": oid}, update, opts).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return 0, store.ErrNotFound
		}
		return 0, store.Unavailable("increment students", err)
	}
	return doc.StudentCount, nil
}

func (s *Store) ClearMentorAndReset(ctx context.Context, id, expectedMentor string) (bool, error) {
	oid, ok := objectID(id)
	if !ok {
		return false, store.ErrNotFound
	}
	if expectedMentor == "" {
		return false, nil
	}
	res, err := s.col.UpdateOne(ctx, bson.M{"_id": oid, "mentorId": expectedMentor}, resetPipeline)
	if err != nil {
		return false, store.Unavailable("clear mentor", err)
	}
	if res.MatchedCount == 1 {
		return true, nil
	}
	n, err := s.col.CountDocuments(ctx, bson.M{"_id": oid}, options.Count().SetLimit(1))
	if err != nil {
		return false, store.Unavailable("clear mentor", err)
	}
	if n == 0 {
		return false, store.ErrNotFound
	}
	return false, nil
}

func (s *Store) ResetAll(ctx context.Context) (int, error) {
	res, err := s.col.UpdateMany(ctx, bson.M{}, resetPipeline)
	if err != nil {
		return 0, store.Unavailable("reset all", err)
	}
	return int(res.MatchedCount), nil
}

func (s *Store) Ping(ctx context.Context) error {
	return store.Unavailable("ping", s.col.Database().Client().Ping(ctx, nil))
}

func (s *Store) Close() error {
	return s.col.Database().Client().Disconnect(context.Background())
}
