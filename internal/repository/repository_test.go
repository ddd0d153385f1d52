package repository

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-agent/internal/database"
	"github.com/stemsi/exstem-agent/internal/model"
)

func newSQLiteKV(t *testing.T) *SQLiteKV {
	t.Helper()
	db, err := database.OpenSQLite(":memory:", zerolog.Nop())
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := database.MigrateUp(db, zerolog.Nop()); err != nil {
		t.Fatalf("MigrateUp: %v", err)
	}
	return NewSQLiteKV(db)
}

// backends returns every KV implementation runnable without external services.
func backends(t *testing.T) map[string]KV {
	t.Helper()
	out := map[string]KV{
		"memory": NewMemoryKV(),
		"sqlite": newSQLiteKV(t),
	}
	if url := os.Getenv("TEST_REDIS_URL"); url != "" {
		rdb, err := database.NewRedisClient(context.Background(), url, zerolog.Nop())
		if err != nil {
			t.Fatalf("redis: %v", err)
		}
		t.Cleanup(func() { _ = rdb.Close() })
		out["redis"] = NewRedisKV(rdb)
	}
	return out
}

func TestKVContract(t *testing.T) {
	ctx := context.Background()
	for name, kv := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ns := "exstem:submission:kv-" + name + ":offline_answers"

			if _, err := kv.Get(ctx, ns, "q1"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Get missing err = %v, want ErrNotFound", err)
			}
			if err := kv.Put(ctx, ns, "q1", []byte("one")); err != nil {
				t.Fatalf("Put: %v", err)
			}
			if err := kv.Put(ctx, ns, "q1", []byte("two")); err != nil {
				t.Fatalf("Put overwrite: %v", err)
			}
			if err := kv.Put(ctx, ns, "q2", []byte("three")); err != nil {
				t.Fatalf("Put: %v", err)
			}

			got, err := kv.Get(ctx, ns, "q1")
			if err != nil || string(got) != "two" {
				t.Fatalf("Get = %q, %v; want two", got, err)
			}

			all, err := kv.List(ctx, ns)
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(all) != 2 || string(all["q2"]) != "three" {
				t.Fatalf("List = %v", all)
			}

			nss, err := kv.Namespaces(ctx, "exstem:submission:kv-"+name+":*")
			if err != nil {
				t.Fatalf("Namespaces: %v", err)
			}
			if len(nss) != 1 || nss[0] != ns {
				t.Fatalf("Namespaces = %v", nss)
			}

			if err := kv.Delete(ctx, ns, "q1"); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if err := kv.Delete(ctx, ns, "q2"); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if err := kv.Delete(ctx, ns, "missing"); err != nil {
				t.Fatalf("Delete missing: %v", err)
			}
			all, _ = kv.List(ctx, ns)
			if len(all) != 0 {
				t.Fatalf("List after delete = %v", all)
			}
		})
	}
}

func TestViolationQueueOrderAndEviction(t *testing.T) {
	ctx := context.Background()
	repo := NewViolationQueueRepository(newSQLiteKV(t))

	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for _, id := range []int64{12, 3, 7} {
		v := model.ViolationRecord{
			ID:            id,
			Type:          model.ViolationTabSwitch,
			Timestamp:     ts,
			DeliveryState: model.DeliveryPending,
			Metadata:      map[string]string{"n": "1"},
		}
		if err := repo.Save(ctx, "sub-1", v); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	list, err := repo.List(ctx, "sub-1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 3 || list[0].ID != 3 || list[1].ID != 7 || list[2].ID != 12 {
		t.Fatalf("order = %+v", list)
	}
	if !list[0].Timestamp.Equal(ts) || list[0].Metadata["n"] != "1" {
		t.Errorf("record not preserved: %+v", list[0])
	}

	if err := repo.Delete(ctx, "sub-1", 7); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	list, _ = repo.List(ctx, "sub-1")
	if len(list) != 2 {
		t.Fatalf("after delete = %+v", list)
	}

	other, _ := repo.List(ctx, "sub-2")
	if len(other) != 0 {
		t.Errorf("queues leaked across submissions: %+v", other)
	}
}

func TestOfflineAnswersOldestFirst(t *testing.T) {
	ctx := context.Background()
	repo := NewOfflineAnswerRepository(NewMemoryKV())
	base := time.Unix(1_700_000_000, 0)

	_ = repo.Save(ctx, "s", model.OfflineAnswer{QuestionID: "q2", Value: json.RawMessage(`"b"`), QueuedAt: base.Add(time.Second)})
	_ = repo.Save(ctx, "s", model.OfflineAnswer{QuestionID: "q1", Value: json.RawMessage(`"a"`), QueuedAt: base})
	_ = repo.Save(ctx, "s", model.OfflineAnswer{QuestionID: "q1", Value: json.RawMessage(`"a2"`), QueuedAt: base})

	list, err := repo.List(ctx, "s")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 || list[0].QuestionID != "q1" || string(list[0].Value) != `"a2"` {
		t.Fatalf("list = %+v", list)
	}
}

func TestPendingSubmissionLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := NewPendingSubmissionRepository(newSQLiteKV(t))

	got, err := repo.Get(ctx, "s")
	if err != nil || got != nil {
		t.Fatalf("Get empty = %v, %v", got, err)
	}

	p := model.PendingSubmission{
		SubmissionID: "s",
		ClientMeta:   model.ClientMeta{Reason: model.SubmitReasonExpired, AnsweredCount: 4},
		Attempts:     4,
		LastError:    "submit: HTTP 503",
	}
	if err := repo.Save(ctx, p); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err = repo.Get(ctx, "s")
	if err != nil || got == nil {
		t.Fatalf("Get = %v, %v", got, err)
	}
	if got.ClientMeta.Reason != model.SubmitReasonExpired || got.Attempts != 4 {
		t.Errorf("round trip = %+v", got)
	}

	if err := repo.Delete(ctx, "s"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if got, _ := repo.Get(ctx, "s"); got != nil {
		t.Errorf("still present after delete: %+v", got)
	}
}

func TestBridgeSessionReplacesActive(t *testing.T) {
	ctx := context.Background()
	repo := NewBridgeSessionRepository(NewMemoryKV())
	if jti, _ := repo.Active(ctx, "s"); jti != "" {
		t.Fatalf("Active on empty = %q", jti)
	}
	_ = repo.SetActive(ctx, "s", "a")
	_ = repo.SetActive(ctx, "s", "b")
	if jti, _ := repo.Active(ctx, "s"); jti != "b" {
		t.Fatalf("Active = %q, want b", jti)
	}
}
