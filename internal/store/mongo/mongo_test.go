package mongostore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"

	"github.com/zhouzirui/presence-relay/backend/internal/model/chat"
	"github.com/zhouzirui/presence-relay/backend/internal/store"
	mongostore "github.com/zhouzirui/presence-relay/backend/internal/store/mongo"
)

func TestCreateMessage(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("assigns object id", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse())

		s := mongostore.New(mt.DB)
		msg, err := s.CreateMessage(context.Background(), chat.Message{RoomID: "r1", Content: "hi", Kind: chat.KindText, Status: chat.StatusSent})
		if err != nil {
			t.Fatalf("CreateMessage err: %v", err)
		}
		if len(msg.ID) != 24 {
			t.Fatalf("expected hex object id, got %q", msg.ID)
		}
	})

	mt.Run("wraps write errors", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateWriteErrorsResponse(mtest.WriteError{Index: 0, Code: 121, Message: "document failed validation"}))

		s := mongostore.New(mt.DB)
		if _, err := s.CreateMessage(context.Background(), chat.Message{RoomID: "r1"}); err == nil {
			t.Fatal("expected insert error")
		}
	})
}

func TestFindMessage(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("decodes document", func(mt *mtest.T) {
		sent := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "relay.messages", mtest.FirstBatch, bson.D{
			{Key: "_id", Value: "abc"},
			{Key: "roomId", Value: "r1"},
			{Key: "content", Value: "hello"},
			{Key: "messageType", Value: "text"},
			{Key: "status", Value: "sent"},
			{Key: "sentAt", Value: sent},
		}))

		s := mongostore.New(mt.DB)
		msg, err := s.FindMessage(context.Background(), "abc")
		if err != nil {
			t.Fatalf("FindMessage err: %v", err)
		}
		if msg.ID != "abc" || msg.Content != "hello" || !msg.SentAt.Equal(sent) {
			t.Fatalf("unexpected message %+v", msg)
		}
	})

	mt.Run("maps no documents to ErrNotFound", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "relay.messages", mtest.FirstBatch))

		s := mongostore.New(mt.DB)
		if _, err := s.FindMessage(context.Background(), "missing"); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestUpdateRoomSummary(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	update := chat.SummaryUpdate{Text: "hi", SentAt: time.Now().UTC(), SenderID: "alice"}

	mt.Run("applies when older summary matched", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse(
			bson.E{Key: "n", Value: 1},
			bson.E{Key: "nModified", Value: 1},
		))

		applied, err := mongostore.New(mt.DB).UpdateRoomSummary(context.Background(), "r1", update)
		if err != nil || !applied {
			t.Fatalf("expected applied, got %v err=%v", applied, err)
		}
	})

	mt.Run("applies when summary is created", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse(
			bson.E{Key: "n", Value: 1},
			bson.E{Key: "nModified", Value: 0},
			bson.E{Key: "upserted", Value: bson.A{bson.D{{Key: "index", Value: 0}, {Key: "_id", Value: "r1"}}}},
		))

		applied, err := mongostore.New(mt.DB).UpdateRoomSummary(context.Background(), "r1", update)
		if err != nil || !applied {
			t.Fatalf("expected applied, got %v err=%v", applied, err)
		}
	})

	mt.Run("skips when a newer summary exists", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateWriteErrorsResponse(mtest.WriteError{Index: 0, Code: 11000, Message: "E11000 duplicate key error"}))

		applied, err := mongostore.New(mt.DB).UpdateRoomSummary(context.Background(), "r1", update)
		if err != nil {
			t.Fatalf("duplicate key must not surface as error: %v", err)
		}
		if applied {
			t.Fatal("expected summary update to be skipped")
		}
	})
}

func TestUpdateUser(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("empty update is skipped", func(mt *mtest.T) {
		applied, err := mongostore.New(mt.DB).UpdateUser(context.Background(), "alice", chat.UserPresence{})
		if err != nil || applied {
			t.Fatalf("expected no-op, got %v err=%v", applied, err)
		}
	})

	mt.Run("upserts presence", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse(
			bson.E{Key: "n", Value: 1},
			bson.E{Key: "nModified", Value: 1},
		))

		applied, err := mongostore.New(mt.DB).UpdateUser(context.Background(), "alice", chat.UserPresence{Status: "offline", LastSeen: time.Now()})
		if err != nil || !applied {
			t.Fatalf("expected applied, got %v err=%v", applied, err)
		}
	})
}
