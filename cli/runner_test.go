package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lwllvyb/ezXSS/storage"
)

func testOptions(t *testing.T) (Options, *bytes.Buffer) {
	t.Helper()

	var out bytes.Buffer
	opts := DefaultOptions()
	opts.Settings.Storage.Path = filepath.Join(t.TempDir(), "ezxss.db")
	opts.Out = &out
	return opts, &out
}

func addForTest(t *testing.T, opts Options, in AddInput) int64 {
	t.Helper()

	var out bytes.Buffer
	opts.Out = &out
	if err := AddSession(context.Background(), in, opts); err != nil {
		t.Fatalf("AddSession failed: %v", err)
	}

	var res struct {
		ID       int64  `json:"id"`
		ClientID string `json:"clientid"`
	}
	if err := json.Unmarshal(out.Bytes(), &res); err != nil {
		t.Fatalf("failed to decode add output %q: %v", out.String(), err)
	}
	return res.ID
}

func TestAddSessionGeneratesClientID(t *testing.T) {
	opts, out := testOptions(t)

	err := AddSession(context.Background(), AddInput{
		NewSession: storage.NewSession{Origin: "o1", DOM: "<html></html>"},
	}, opts)
	if err != nil {
		t.Fatalf("AddSession failed: %v", err)
	}

	var res map[string]any
	if err := json.Unmarshal(out.Bytes(), &res); err != nil {
		t.Fatalf("invalid JSON output: %v", err)
	}
	if id, _ := res["clientid"].(string); len(id) != 36 {
		t.Errorf("expected generated uuid client id, got %v", res["clientid"])
	}
}

func TestAddSessionFromDOMFileAndShow(t *testing.T) {
	opts, out := testOptions(t)
	ctx := context.Background()

	domFile := filepath.Join(t.TempDir(), "dom.html")
	if err := os.WriteFile(domFile, []byte("<html><head><title>Victim page</title></head></html>"), 0644); err != nil {
		t.Fatalf("failed to write DOM file: %v", err)
	}

	id := addForTest(t, opts, AddInput{
		NewSession: storage.NewSession{ClientID: "c1", Origin: "o1", LocalStorage: "{}"},
		DOMFile:    domFile,
	})

	if err := ShowSession(ctx, "1", opts); err != nil {
		t.Fatalf("ShowSession failed: %v", err)
	}
	if id != 1 {
		t.Fatalf("expected first id to be 1, got %d", id)
	}

	var view struct {
		ClientID string `json:"clientid"`
		DOM      string `json:"dom"`
		Title    string `json:"title"`
	}
	if err := json.Unmarshal(out.Bytes(), &view); err != nil {
		t.Fatalf("invalid JSON output: %v", err)
	}
	if view.ClientID != "c1" || view.Title != "Victim page" || !strings.Contains(view.DOM, "Victim page") {
		t.Errorf("unexpected view: %+v", view)
	}
}

func TestAddSessionMissingDOMFile(t *testing.T) {
	opts, _ := testOptions(t)

	err := AddSession(context.Background(), AddInput{DOMFile: filepath.Join(t.TempDir(), "missing.html")}, opts)
	if err == nil {
		t.Error("expected error for missing DOM file")
	}
}

func TestCompressCommandAffectsNewSessions(t *testing.T) {
	opts, out := testOptions(t)
	ctx := context.Background()

	if err := Compress(ctx, "on", opts); err != nil {
		t.Fatalf("Compress failed: %v", err)
	}
	if !strings.Contains(out.String(), `"compress": true`) {
		t.Errorf("unexpected compress output: %s", out.String())
	}

	addForTest(t, opts, AddInput{NewSession: storage.NewSession{ClientID: "c1", Origin: "o1", Console: "hello"}})

	out.Reset()
	if err := ShowClient(ctx, "c1", "o1", false, opts); err != nil {
		t.Fatalf("ShowClient failed: %v", err)
	}
	var view struct {
		Console    string `json:"console"`
		Compressed bool   `json:"compressed"`
	}
	if err := json.Unmarshal(out.Bytes(), &view); err != nil {
		t.Fatalf("invalid JSON output: %v", err)
	}
	if !view.Compressed || view.Console != "hello" {
		t.Errorf("unexpected view: %+v", view)
	}

	if err := Compress(ctx, "sideways", opts); err == nil {
		t.Error("expected error for unknown state")
	}
}

func TestListReportsAndArchive(t *testing.T) {
	opts, out := testOptions(t)
	ctx := context.Background()

	addForTest(t, opts, AddInput{NewSession: storage.NewSession{ClientID: "c1", Origin: "o1", Payload: "alpha"}})
	addForTest(t, opts, AddInput{NewSession: storage.NewSession{ClientID: "c1", Origin: "o1", Payload: "alpha"}})
	addForTest(t, opts, AddInput{NewSession: storage.NewSession{ClientID: "c2", Origin: "o1", Payload: "beta"}})

	list := func(archive, payload string) []storage.ClientSummary {
		t.Helper()
		out.Reset()
		if err := ListReports(ctx, archive, payload, opts); err != nil {
			t.Fatalf("ListReports failed: %v", err)
		}
		var clients []storage.ClientSummary
		if err := json.Unmarshal(out.Bytes(), &clients); err != nil {
			t.Fatalf("invalid JSON output: %v", err)
		}
		return clients
	}

	if got := list("", ""); len(got) != 2 {
		t.Errorf("expected 2 clients, got %d", len(got))
	}
	if got := list("", "lph"); len(got) != 1 || got[0].Requests != 2 {
		t.Errorf("expected c1 with 2 requests, got %+v", got)
	}

	out.Reset()
	if err := Archive(ctx, "c1", "o1", opts); err != nil {
		t.Fatalf("Archive failed: %v", err)
	}
	if !strings.Contains(out.String(), `"archive": true`) {
		t.Errorf("unexpected archive output: %s", out.String())
	}

	if got := list("archived", ""); len(got) != 1 || got[0].ClientID != "c1" {
		t.Errorf("expected archived c1, got %+v", got)
	}
	if got := list("active", ""); len(got) != 1 || got[0].ClientID != "c2" {
		t.Errorf("expected active c2, got %+v", got)
	}

	if err := ListReports(ctx, "deleted", "", opts); err == nil {
		t.Error("expected error for unknown archive state")
	}
}

func TestConsoleAndDelete(t *testing.T) {
	opts, out := testOptions(t)
	ctx := context.Background()

	addForTest(t, opts, AddInput{NewSession: storage.NewSession{ClientID: "c1", Origin: "o1", Console: "a\n"}})
	addForTest(t, opts, AddInput{NewSession: storage.NewSession{ClientID: "c1", Origin: "o1", Console: "b\n"}})

	out.Reset()
	if err := Console(ctx, "c1", "o1", opts); err != nil {
		t.Fatalf("Console failed: %v", err)
	}
	if out.String() != "b\na\n" {
		t.Errorf("expected newest first console, got %q", out.String())
	}

	out.Reset()
	if err := Delete(ctx, "c1", "o1", opts); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	var result storage.DeleteResult
	if err := json.Unmarshal(out.Bytes(), &result); err != nil {
		t.Fatalf("invalid JSON output: %v", err)
	}
	if result.Deleted != 2 {
		t.Errorf("expected 2 deleted, got %+v", result)
	}

	err := ShowClient(ctx, "c1", "o1", false, opts)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSetAndRequestCount(t *testing.T) {
	opts, out := testOptions(t)
	ctx := context.Background()

	addForTest(t, opts, AddInput{NewSession: storage.NewSession{ClientID: "c1", Origin: "o1"}})
	addForTest(t, opts, AddInput{NewSession: storage.NewSession{ClientID: "c1", Origin: "o2"}})

	if err := Set(ctx, "1", "archive", "2", opts); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := Set(ctx, "1", "bogus", "1", opts); !errors.Is(err, storage.ErrInvalidColumn) {
		t.Errorf("expected ErrInvalidColumn, got %v", err)
	}
	if err := Set(ctx, "1", "time", "soon", opts); !errors.Is(err, storage.ErrWrite) {
		t.Errorf("expected ErrWrite, got %v", err)
	}
	if err := Set(ctx, "abc", "archive", "1", opts); err == nil {
		t.Error("expected error for invalid id")
	}

	out.Reset()
	if err := ShowClient(ctx, "c1", "o1", true, opts); err != nil {
		t.Fatalf("ShowClient failed: %v", err)
	}
	var sessions []storage.Session
	if err := json.Unmarshal(out.Bytes(), &sessions); err != nil {
		t.Fatalf("invalid JSON output: %v", err)
	}
	if len(sessions) != 1 || !sessions[0].Archive {
		t.Errorf("expected one archived session, got %+v", sessions)
	}

	out.Reset()
	if err := RequestCount(ctx, "c1", opts); err != nil {
		t.Fatalf("RequestCount failed: %v", err)
	}
	if !strings.Contains(out.String(), `"requests": 2`) {
		t.Errorf("unexpected count output: %s", out.String())
	}
}

func TestStatisticsYAML(t *testing.T) {
	opts, out := testOptions(t)
	ctx := context.Background()

	addForTest(t, opts, AddInput{NewSession: storage.NewSession{ClientID: "c1", Origin: "o1", Payload: "alpha"}})
	addForTest(t, opts, AddInput{NewSession: storage.NewSession{ClientID: "c2", Origin: "o2", Payload: "beta"}})

	opts.Format = FormatYAML
	out.Reset()
	if err := Statistics(ctx, "bet", opts); err != nil {
		t.Fatalf("Statistics failed: %v", err)
	}
	got := out.String()
	if !strings.Contains(got, "clientid: c2") || strings.Contains(got, "clientid: c1") {
		t.Errorf("unexpected statistics output:\n%s", got)
	}
	if !strings.Contains(got, "payload: beta") {
		t.Errorf("expected payload in filtered export:\n%s", got)
	}
}
