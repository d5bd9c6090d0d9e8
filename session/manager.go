// Package session implements the lifecycle operations on captured sessions.
//
// Information Hiding:
// - Resolution of the compress setting hidden from callers
// - Multi-row operations (archive toggle, bulk delete, console join) composed here
// - Storage backend reached only through storage.SessionStore

package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lwllvyb/ezXSS/storage"
)

// CompressionSource resolves whether new blobs are stored compressed.
// It is consulted once per write; the decision is persisted on the row.
type CompressionSource interface {
	CompressEnabled(ctx context.Context) (bool, error)
}

// Manager is the entry point used by outer layers for session operations.
type Manager struct {
	store    storage.SessionStore
	compress CompressionSource
	logger   *slog.Logger
}

// NewManager creates a Manager. A nil logger uses slog.Default().
func NewManager(store storage.SessionStore, compress CompressionSource, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:    store,
		compress: compress,
		logger:   logger,
	}
}

// Filter selects which client summaries Reports returns.
type Filter struct {
	Archive *bool  // nil means all archive states; with Payload, nil means active
	Payload string // LIKE pattern; empty means no payload filter
}

// Reports lists the latest request of each client according to filter.
// A payload filter without an archive state searches active sessions.
func (m *Manager) Reports(ctx context.Context, filter Filter) ([]storage.ClientSummary, error) {
	switch {
	case filter.Payload != "":
		archive := filter.Archive != nil && *filter.Archive
		return m.store.GetAllByPayload(ctx, filter.Payload, archive)
	case filter.Archive != nil:
		return m.store.GetAllByArchive(ctx, *filter.Archive)
	default:
		return m.store.GetAll(ctx)
	}
}

// Statistics exports every request, optionally restricted to a payload pattern.
func (m *Manager) Statistics(ctx context.Context, payload string) ([]storage.StatisticsRow, error) {
	if payload != "" {
		return m.store.GetAllStatisticsDataByPayload(ctx, payload)
	}
	return m.store.GetAllStatisticsData(ctx)
}

// Add stores a captured request, compressing its blob when the compress
// setting is enabled at call time.
func (m *Manager) Add(ctx context.Context, in storage.NewSession) (int64, error) {
	compress, err := m.compress.CompressEnabled(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve compress setting: %w", err)
	}

	id, err := m.store.Add(ctx, in, compress)
	if err != nil {
		return 0, err
	}

	m.logger.DebugContext(ctx, "session added",
		"id", id, "clientid", in.ClientID, "origin", in.Origin, "compressed", compress)
	return id, nil
}

// Set updates a single column of a request or its blob.
func (m *Manager) Set(ctx context.Context, id int64, column string, value any) error {
	return m.store.Set(ctx, id, column, value)
}

// GetByID returns a request with its decoded blob.
func (m *Manager) GetByID(ctx context.Context, id int64) (storage.SessionDetail, error) {
	return m.store.GetByID(ctx, id)
}

// GetByClientID returns the newest request of a client on an origin.
func (m *Manager) GetByClientID(ctx context.Context, clientID, origin string) (storage.SessionDetail, error) {
	return m.store.GetByClientID(ctx, clientID, origin)
}

// GetAllByClientID returns every request of a client on an origin, newest first.
func (m *Manager) GetAllByClientID(ctx context.Context, clientID, origin string) ([]storage.Session, error) {
	return m.store.GetAllByClientID(ctx, clientID, origin)
}

// GetRequestCount counts the requests of a client across all origins.
func (m *Manager) GetRequestCount(ctx context.Context, clientID string) (int, error) {
	return m.store.GetRequestCount(ctx, clientID)
}

// GetAllConsole joins the console logs of every request of a client on an
// origin, newest first, without separator.
func (m *Manager) GetAllConsole(ctx context.Context, clientID, origin string) (string, error) {
	sessions, err := m.store.GetAllByClientID(ctx, clientID, origin)
	if err != nil {
		return "", err
	}

	var console strings.Builder
	for _, s := range sessions {
		data, err := m.store.GetSessionData(ctx, s.ID)
		if err != nil {
			return "", err
		}
		console.WriteString(data.Console)
	}

	return console.String(), nil
}

// ArchiveByClientID toggles the archive state of a client on an origin and
// returns the new state.
func (m *Manager) ArchiveByClientID(ctx context.Context, clientID, origin string) (bool, error) {
	archived, err := m.store.ArchiveByClientID(ctx, clientID, origin)
	if err != nil {
		return false, err
	}

	m.logger.InfoContext(ctx, "archive toggled",
		"clientid", clientID, "origin", origin, "archived", archived)
	return archived, nil
}

// DeleteAll removes every request of a client on an origin. Partial failures
// are logged and returned alongside the counts.
func (m *Manager) DeleteAll(ctx context.Context, clientID, origin string) (storage.DeleteResult, error) {
	result, err := m.store.DeleteAll(ctx, clientID, origin)
	if err != nil {
		if result.Failed > 0 {
			m.logger.WarnContext(ctx, "sessions partially deleted",
				"clientid", clientID, "origin", origin,
				"deleted", result.Deleted, "failed", result.Failed, "err", err)
		}
		return result, err
	}

	m.logger.InfoContext(ctx, "sessions deleted",
		"clientid", clientID, "origin", origin, "deleted", result.Deleted)
	return result, nil
}
