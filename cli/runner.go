// Command execution for CLI commands.
//
// Information Hiding:
// - Storage and manager setup hidden
// - Output formatting hidden

package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"github.com/google/uuid"
	"github.com/lwllvyb/ezXSS/config"
	"github.com/lwllvyb/ezXSS/session"
	"github.com/lwllvyb/ezXSS/storage"
)

// Options holds CLI execution options.
type Options struct {
	Settings config.Settings
	Format   string
	Out      io.Writer
	Logger   *slog.Logger
}

// DefaultOptions returns default CLI options.
func DefaultOptions() Options {
	return Options{
		Settings: config.Settings{
			Storage: config.StorageConfig{
				Path:         config.DefaultDBPath,
				ReportsLimit: storage.DefaultOptions().ReportsLimit,
			},
		},
		Format: FormatJSON,
		Out:    os.Stdout,
	}
}

// open opens the storage and wraps it in a manager. The returned cleanup
// closes the database.
func open(opts Options) (*session.Manager, *storage.SqliteStorage, func(), error) {
	store, err := storage.OpenSqlite(opts.Settings.Storage.Path, storage.Options{
		ReportsLimit: opts.Settings.Storage.ReportsLimit,
		Compress:     opts.Settings.Storage.Compress,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open database: %w", err)
	}

	cleanup := func() {
		if err := store.Close(); err != nil && opts.Logger != nil {
			opts.Logger.Warn("failed to close database", "err", err)
		}
	}
	return session.NewManager(store, store, opts.Logger), store, cleanup, nil
}

func (o Options) out() io.Writer {
	if o.Out == nil {
		return os.Stdout
	}
	return o.Out
}

// AddInput holds the values for AddSession. DOMFile, when set, is read and
// replaces DOM.
type AddInput struct {
	storage.NewSession
	DOMFile string
}

// AddSession stores a captured request. A missing client id is generated.
func AddSession(ctx context.Context, in AddInput, opts Options) error {
	if in.DOMFile != "" {
		dom, err := os.ReadFile(in.DOMFile)
		if err != nil {
			return fmt.Errorf("failed to read DOM file: %w", err)
		}
		in.DOM = string(dom)
	}
	if in.ClientID == "" {
		in.ClientID = uuid.NewString()
	}

	m, _, cleanup, err := open(opts)
	if err != nil {
		return err
	}
	defer cleanup()

	id, err := m.Add(ctx, in.NewSession)
	if err != nil {
		return err
	}

	return writeValue(opts.out(), opts.Format, map[string]any{
		"id":       id,
		"clientid": in.ClientID,
	})
}

// ListReports prints the latest request of each client. archive is one of
// "", "active" or "archived"; payload is matched as a substring.
func ListReports(ctx context.Context, archive, payload string, opts Options) error {
	var filter session.Filter
	switch archive {
	case "":
	case "active":
		v := false
		filter.Archive = &v
	case "archived":
		v := true
		filter.Archive = &v
	default:
		return fmt.Errorf("unknown archive state: %q (want active or archived)", archive)
	}
	if payload != "" {
		filter.Payload = substringPattern(payload)
	}

	m, _, cleanup, err := open(opts)
	if err != nil {
		return err
	}
	defer cleanup()

	clients, err := m.Reports(ctx, filter)
	if err != nil {
		return err
	}
	return writeValue(opts.out(), opts.Format, clients)
}

// detailView is a session with the captured page title.
type detailView struct {
	storage.SessionDetail `yaml:",inline"`
	Title                 string `json:"title,omitempty" yaml:"title,omitempty"`
}

// ShowSession prints a request with its captured data.
func ShowSession(ctx context.Context, id string, opts Options) error {
	sessionID, err := parseID(id)
	if err != nil {
		return err
	}

	m, _, cleanup, err := open(opts)
	if err != nil {
		return err
	}
	defer cleanup()

	detail, err := m.GetByID(ctx, sessionID)
	if err != nil {
		return err
	}
	return writeValue(opts.out(), opts.Format, detailView{SessionDetail: detail, Title: pageTitle(detail.DOM)})
}

// ShowClient prints the newest request of a client on an origin, or every
// request when all is set.
func ShowClient(ctx context.Context, clientID, origin string, all bool, opts Options) error {
	m, _, cleanup, err := open(opts)
	if err != nil {
		return err
	}
	defer cleanup()

	if all {
		sessions, err := m.GetAllByClientID(ctx, clientID, origin)
		if err != nil {
			return err
		}
		return writeValue(opts.out(), opts.Format, sessions)
	}

	detail, err := m.GetByClientID(ctx, clientID, origin)
	if err != nil {
		return err
	}
	return writeValue(opts.out(), opts.Format, detailView{SessionDetail: detail, Title: pageTitle(detail.DOM)})
}

// RequestCount prints how many requests a client made.
func RequestCount(ctx context.Context, clientID string, opts Options) error {
	m, _, cleanup, err := open(opts)
	if err != nil {
		return err
	}
	defer cleanup()

	count, err := m.GetRequestCount(ctx, clientID)
	if err != nil {
		return err
	}
	return writeValue(opts.out(), opts.Format, map[string]any{
		"clientid": clientID,
		"requests": count,
	})
}

// Console prints the joined console log of a client on an origin.
func Console(ctx context.Context, clientID, origin string, opts Options) error {
	m, _, cleanup, err := open(opts)
	if err != nil {
		return err
	}
	defer cleanup()

	console, err := m.GetAllConsole(ctx, clientID, origin)
	if err != nil {
		return err
	}
	_, err = io.WriteString(opts.out(), console)
	return err
}

// Archive toggles the archive state of a client on an origin.
func Archive(ctx context.Context, clientID, origin string, opts Options) error {
	m, _, cleanup, err := open(opts)
	if err != nil {
		return err
	}
	defer cleanup()

	archived, err := m.ArchiveByClientID(ctx, clientID, origin)
	if err != nil {
		return err
	}
	return writeValue(opts.out(), opts.Format, map[string]any{
		"clientid": clientID,
		"origin":   origin,
		"archive":  archived,
	})
}

// Delete removes every request of a client on an origin.
func Delete(ctx context.Context, clientID, origin string, opts Options) error {
	m, _, cleanup, err := open(opts)
	if err != nil {
		return err
	}
	defer cleanup()

	result, err := m.DeleteAll(ctx, clientID, origin)
	if werr := writeValue(opts.out(), opts.Format, result); werr != nil && err == nil {
		err = werr
	}
	return err
}

// Set updates a single column of a request.
func Set(ctx context.Context, id, column, value string, opts Options) error {
	sessionID, err := parseID(id)
	if err != nil {
		return err
	}

	m, _, cleanup, err := open(opts)
	if err != nil {
		return err
	}
	defer cleanup()

	return m.Set(ctx, sessionID, column, value)
}

// Statistics prints the statistics export, optionally filtered by payload substring.
func Statistics(ctx context.Context, payload string, opts Options) error {
	m, _, cleanup, err := open(opts)
	if err != nil {
		return err
	}
	defer cleanup()

	pattern := ""
	if payload != "" {
		pattern = substringPattern(payload)
	}
	stats, err := m.Statistics(ctx, pattern)
	if err != nil {
		return err
	}
	return writeValue(opts.out(), opts.Format, stats)
}

// Compress reads or changes the stored compress setting. state is one of
// "on", "off" or "status".
func Compress(ctx context.Context, state string, opts Options) error {
	_, store, cleanup, err := open(opts)
	if err != nil {
		return err
	}
	defer cleanup()

	switch state {
	case "on", "off":
		if err := store.SetCompressEnabled(ctx, state == "on"); err != nil {
			return err
		}
	case "status":
	default:
		return fmt.Errorf("unknown compress state: %q (want on, off or status)", state)
	}

	enabled, err := store.CompressEnabled(ctx)
	if err != nil {
		return err
	}
	return writeValue(opts.out(), opts.Format, map[string]any{"compress": enabled})
}

func parseID(id string) (int64, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid session id: %q", id)
	}
	return n, nil
}

// substringPattern turns a search term into a LIKE pattern. Wildcards in
// term are kept.
func substringPattern(term string) string {
	return "%" + term + "%"
}
