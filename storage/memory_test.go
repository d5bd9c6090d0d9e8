package storage

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestMemory(t *testing.T) *InMemoryStorage {
	t.Helper()

	s := NewInMemoryStorage(DefaultOptions())
	clock := time.Unix(1700000000, 0)
	s.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return s
}

func TestInMemoryStorageAddAndGet(t *testing.T) {
	s := newTestMemory(t)
	ctx := context.Background()

	for _, compress := range []bool{false, true} {
		id, err := s.Add(ctx, NewSession{
			ClientID:       "c1",
			Origin:         "o1",
			DOM:            "<p>hi</p>",
			LocalStorage:   "{}",
			SessionStorage: `{"a":1}`,
			Console:        "log",
		}, compress)
		if err != nil {
			t.Fatalf("Add failed: %v", err)
		}

		got, err := s.GetByID(ctx, id)
		if err != nil {
			t.Fatalf("GetByID failed: %v", err)
		}
		if got.Compressed != compress {
			t.Errorf("expected compressed=%v, got %v", compress, got.Compressed)
		}
		if got.DOM != "<p>hi</p>" || got.LocalStorage != "{}" || got.SessionStorage != `{"a":1}` || got.Console != "log" {
			t.Errorf("unexpected blob: %+v", got.SessionData)
		}
	}

	if s.data[2].DOM == "<p>hi</p>" {
		t.Error("expected compressed blob stored encoded")
	}
	if s.data[2].LocalStorage != "{}" {
		t.Errorf("expected sentinel stored unchanged, got %q", s.data[2].LocalStorage)
	}
}

func TestInMemoryStorageGetByIDNotFound(t *testing.T) {
	s := newTestMemory(t)

	if _, err := s.GetByID(context.Background(), 42); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.GetByClientID(context.Background(), "c1", "o1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestInMemoryStorageGetAllGroupsByClient(t *testing.T) {
	s := newTestMemory(t)
	ctx := context.Background()

	for _, c := range []string{"c1", "c2", "c1"} {
		if _, err := s.Add(ctx, NewSession{ClientID: c, Origin: "o1", Payload: "p-" + c}, false); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}

	clients, err := s.GetAll(ctx)
	if err != nil {
		t.Fatalf("GetAll failed: %v", err)
	}
	if len(clients) != 2 {
		t.Fatalf("expected 2 clients, got %d", len(clients))
	}
	if clients[0].ClientID != "c1" || clients[0].ID != 3 || clients[0].Requests != 2 {
		t.Errorf("unexpected newest client: %+v", clients[0])
	}
	if clients[1].ClientID != "c2" || clients[1].Requests != 1 {
		t.Errorf("unexpected second client: %+v", clients[1])
	}
}

func TestInMemoryStorageReportsLimit(t *testing.T) {
	s := NewInMemoryStorage(Options{ReportsLimit: 2})
	ctx := context.Background()

	for _, c := range []string{"c1", "c2", "c3"} {
		if _, err := s.Add(ctx, NewSession{ClientID: c, Origin: "o1"}, false); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}

	clients, err := s.GetAllByArchive(ctx, false)
	if err != nil {
		t.Fatalf("GetAllByArchive failed: %v", err)
	}
	if len(clients) != 2 {
		t.Errorf("expected limit of 2, got %d", len(clients))
	}
}

func TestInMemoryStoragePayloadFilter(t *testing.T) {
	s := newTestMemory(t)
	ctx := context.Background()

	if _, err := s.Add(ctx, NewSession{ClientID: "c1", Origin: "o1", Payload: "https://X.test/a"}, false); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if _, err := s.Add(ctx, NewSession{ClientID: "c2", Origin: "o1", Payload: "https://y.test/b"}, false); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	tests := []struct {
		pattern string
		want    int
	}{
		{"%x.test%", 1},
		{"https://_.test/%", 2},
		{"%.test/b", 1},
		{"https://y.test/b", 1},
		{"%z%", 0},
		{"%(%", 0},
	}

	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			clients, err := s.GetAllByPayload(ctx, tt.pattern, false)
			if err != nil {
				t.Fatalf("GetAllByPayload failed: %v", err)
			}
			if len(clients) != tt.want {
				t.Errorf("expected %d clients, got %d", tt.want, len(clients))
			}
		})
	}

	stats, err := s.GetAllStatisticsDataByPayload(ctx, "%y.test%")
	if err != nil {
		t.Fatalf("GetAllStatisticsDataByPayload failed: %v", err)
	}
	if len(stats) != 1 || stats[0].Payload != "https://y.test/b" {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestInMemoryStorageSet(t *testing.T) {
	s := newTestMemory(t)
	ctx := context.Background()

	id, err := s.Add(ctx, NewSession{ClientID: "c1", Origin: "o1", Console: "a"}, true)
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	if err := s.Set(ctx, id, "console", "b"); err != nil {
		t.Fatalf("Set console failed: %v", err)
	}
	if err := s.Set(ctx, id, "archive", 1); err != nil {
		t.Fatalf("Set archive failed: %v", err)
	}
	if err := s.Set(ctx, id, "user-agent", "curl"); err != nil {
		t.Fatalf("Set user-agent failed: %v", err)
	}

	got, err := s.GetByID(ctx, id)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if got.Console != "b" || !got.Archive || got.UserAgent != "curl" {
		t.Errorf("unexpected session: %+v", got)
	}

	if err := s.Set(ctx, id, "id", 5); !errors.Is(err, ErrInvalidColumn) {
		t.Errorf("expected ErrInvalidColumn, got %v", err)
	}
	if err := s.Set(ctx, 99, "payload", "x"); !errors.Is(err, ErrWrite) {
		t.Errorf("expected ErrWrite, got %v", err)
	}
	if err := s.Set(ctx, id, "archive", "perhaps"); !errors.Is(err, ErrWrite) {
		t.Errorf("expected ErrWrite, got %v", err)
	}
}

func TestInMemoryStorageSetTypedColumns(t *testing.T) {
	s := newTestMemory(t)
	ctx := context.Background()

	id, err := s.Add(ctx, NewSession{ClientID: "c1", Origin: "o1"}, false)
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	if err := s.Set(ctx, id, "archive", 2); err != nil {
		t.Fatalf("Set archive failed: %v", err)
	}
	if err := s.Set(ctx, id, "time", "1700000500"); err != nil {
		t.Fatalf("Set time failed: %v", err)
	}
	got, err := s.GetByID(ctx, id)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if !got.Archive || got.Time != 1700000500 {
		t.Errorf("unexpected session: %+v", got.Session)
	}

	if err := s.Set(ctx, id, "time", "abc"); !errors.Is(err, ErrWrite) {
		t.Errorf("expected ErrWrite, got %v", err)
	}
	if err := s.Set(ctx, id, "compressed", "maybe"); !errors.Is(err, ErrWrite) {
		t.Errorf("expected ErrWrite, got %v", err)
	}
}

func TestInMemoryStorageArchiveAndDelete(t *testing.T) {
	s := newTestMemory(t)
	ctx := context.Background()

	for _, origin := range []string{"o1", "o1", "o2"} {
		if _, err := s.Add(ctx, NewSession{ClientID: "c1", Origin: origin}, false); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}

	archived, err := s.ArchiveByClientID(ctx, "c1", "o1")
	if err != nil {
		t.Fatalf("ArchiveByClientID failed: %v", err)
	}
	if !archived {
		t.Error("expected archived")
	}
	active, err := s.GetAllByArchive(ctx, false)
	if err != nil {
		t.Fatalf("GetAllByArchive failed: %v", err)
	}
	if len(active) != 1 || active[0].Origin != "o2" {
		t.Errorf("expected only o2 active, got %+v", active)
	}

	result, err := s.DeleteAll(ctx, "c1", "o1")
	if err != nil {
		t.Fatalf("DeleteAll failed: %v", err)
	}
	if result.Deleted != 2 || result.Failed != 0 {
		t.Errorf("unexpected result: %+v", result)
	}

	count, err := s.GetRequestCount(ctx, "c1")
	if err != nil {
		t.Fatalf("GetRequestCount failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 remaining request, got %d", count)
	}
	if len(s.data) != 1 {
		t.Errorf("expected blob rows deleted, got %d left", len(s.data))
	}

	if _, err := s.ArchiveByClientID(ctx, "c1", "o1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestInMemoryStorageStatisticsOrder(t *testing.T) {
	s := newTestMemory(t)
	ctx := context.Background()

	for _, c := range []string{"c2", "c1", "c3"} {
		if _, err := s.Add(ctx, NewSession{ClientID: c, Origin: "o1"}, false); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}

	stats, err := s.GetAllStatisticsData(ctx)
	if err != nil {
		t.Fatalf("GetAllStatisticsData failed: %v", err)
	}
	want := []string{"c2", "c1", "c3"}
	if len(stats) != len(want) {
		t.Fatalf("expected %d rows, got %d", len(want), len(stats))
	}
	for i, w := range want {
		if stats[i].ClientID != w {
			t.Errorf("row %d: expected %s, got %s", i, w, stats[i].ClientID)
		}
	}
}
