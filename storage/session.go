// Package storage provides captured session persistence.
//
// Information Hiding:
// - Two-table layout (summary rows, blob rows) hidden behind SessionStore
// - Blob encoding decided per row and applied transparently on read/write
// - Column routing for generic updates resolved through a fixed table

package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Errors returned by SessionStore implementations. Callers match them with
// errors.Is; messages carry the failing operation.
var (
	ErrNotFound      = errors.New("session not found")
	ErrInvalidColumn = errors.New("invalid column name")
	ErrWrite         = errors.New("something unexpected went wrong")
)

// Session is one captured request (a row of the sessions table).
type Session struct {
	ID        int64  `json:"id" yaml:"id"`
	ClientID  string `json:"clientid" yaml:"clientid"`
	Cookies   string `json:"cookies" yaml:"cookies"`
	Origin    string `json:"origin" yaml:"origin"`
	Referer   string `json:"referer" yaml:"referer"`
	Payload   string `json:"payload" yaml:"payload"`
	URI       string `json:"uri" yaml:"uri"`
	UserAgent string `json:"user-agent" yaml:"user-agent"`
	IP        string `json:"ip" yaml:"ip"`
	Time      int64  `json:"time" yaml:"time"`
	Archive   bool   `json:"archive" yaml:"archive"`
}

// SessionData is the large captured artifact belonging to one Session.
// Fields are always returned decoded; Compressed reports how the row is stored.
type SessionData struct {
	DOM            string `json:"dom" yaml:"dom"`
	LocalStorage   string `json:"localstorage" yaml:"localstorage"`
	SessionStorage string `json:"sessionstorage" yaml:"sessionstorage"`
	Console        string `json:"console" yaml:"console"`
	Compressed     bool   `json:"compressed" yaml:"compressed"`
}

// SessionDetail is a Session merged with its SessionData.
type SessionDetail struct {
	Session     `yaml:",inline"`
	SessionData `yaml:",inline"`
}

// ClientSummary is the latest request of a client plus how many requests
// were aggregated into it.
type ClientSummary struct {
	ID        int64  `json:"id" yaml:"id"`
	ClientID  string `json:"clientid" yaml:"clientid"`
	IP        string `json:"ip" yaml:"ip"`
	URI       string `json:"uri" yaml:"uri"`
	Payload   string `json:"payload" yaml:"payload"`
	Time      int64  `json:"time" yaml:"time"`
	Origin    string `json:"origin" yaml:"origin"`
	UserAgent string `json:"user-agent" yaml:"user-agent"`
	Requests  int    `json:"requests" yaml:"requests"`
}

// StatisticsRow is one entry of the statistics export.
type StatisticsRow struct {
	ClientID string `json:"clientid" yaml:"clientid"`
	Origin   string `json:"origin" yaml:"origin"`
	Time     int64  `json:"time" yaml:"time"`
	Payload  string `json:"payload,omitempty" yaml:"payload,omitempty"`
}

// NewSession holds the values captured for a new request.
type NewSession struct {
	ClientID       string
	Cookies        string
	DOM            string
	Origin         string
	Referer        string
	URI            string
	UserAgent      string
	IP             string
	LocalStorage   string
	SessionStorage string
	Payload        string
	Console        string
}

// DeleteResult reports the outcome of a bulk delete. Each session pair is
// removed in its own transaction, so a failure leaves other pairs intact.
type DeleteResult struct {
	Deleted int `json:"deleted" yaml:"deleted"`
	Failed  int `json:"failed" yaml:"failed"`
}

// SessionStore defines the captured session persistence operations.
type SessionStore interface {
	// GetAll returns the latest request of every client with its total
	// request count, newest first, capped at the configured reports limit.
	GetAll(ctx context.Context) ([]ClientSummary, error)

	// GetAllByArchive is GetAll restricted to requests with the given archive state.
	GetAllByArchive(ctx context.Context, archive bool) ([]ClientSummary, error)

	// GetAllByPayload is GetAllByArchive further restricted to payloads
	// matching a LIKE pattern. It is not capped.
	GetAllByPayload(ctx context.Context, pattern string, archive bool) ([]ClientSummary, error)

	// GetAllByClientID returns every request of a client on an origin, newest first.
	// Returns an empty slice (not nil) if there are none.
	GetAllByClientID(ctx context.Context, clientID, origin string) ([]Session, error)

	// GetByClientID returns the newest request of a client on an origin.
	// Returns ErrNotFound if there is none.
	GetByClientID(ctx context.Context, clientID, origin string) (SessionDetail, error)

	// GetByID returns a request by id. A missing blob row yields empty data.
	GetByID(ctx context.Context, id int64) (SessionDetail, error)

	// GetSessionData returns the decoded blob of a request.
	// A missing blob row yields empty data, never an error.
	GetSessionData(ctx context.Context, sessionID int64) (SessionData, error)

	// GetRequestCount counts the requests of a client across all origins.
	GetRequestCount(ctx context.Context, clientID string) (int, error)

	// GetAllStatisticsData exports client, origin and time of every request.
	GetAllStatisticsData(ctx context.Context) ([]StatisticsRow, error)

	// GetAllStatisticsDataByPayload exports requests whose payload matches a LIKE pattern.
	GetAllStatisticsDataByPayload(ctx context.Context, pattern string) ([]StatisticsRow, error)

	// Set updates a single column of a request or of its blob row.
	Set(ctx context.Context, id int64, column string, value any) error

	// Add stores a new request and its blob, encoding the blob when compress is set.
	Add(ctx context.Context, s NewSession, compress bool) (int64, error)

	// DeleteAll removes every request of a client on an origin with its blob.
	DeleteAll(ctx context.Context, clientID, origin string) (DeleteResult, error)

	// ArchiveByClientID flips the archive state of the newest request of a
	// client on an origin and applies it to all of them. Returns the new state.
	ArchiveByClientID(ctx context.Context, clientID, origin string) (bool, error)
}

// Table names.
const (
	sessionsTable = "sessions"
	dataTable     = "sessions_data"
)

// Value kinds of settable columns.
const (
	kindText = iota
	kindFlag // 0/1 column
	kindInt
)

// column describes where a settable column lives.
type column struct {
	table   string
	key     string
	kind    int
	encoded bool // value goes through the blob codec when the row is compressed
}

// columns routes Set by column name.
var columns = map[string]column{
	"clientid":   {table: sessionsTable, key: "id"},
	"cookies":    {table: sessionsTable, key: "id"},
	"origin":     {table: sessionsTable, key: "id"},
	"referer":    {table: sessionsTable, key: "id"},
	"payload":    {table: sessionsTable, key: "id"},
	"uri":        {table: sessionsTable, key: "id"},
	"user-agent": {table: sessionsTable, key: "id"},
	"ip":         {table: sessionsTable, key: "id"},
	"time":       {table: sessionsTable, key: "id", kind: kindInt},
	"archive":    {table: sessionsTable, key: "id", kind: kindFlag},

	"sessionid":      {table: dataTable, key: "sessionid", kind: kindInt},
	"dom":            {table: dataTable, key: "sessionid", encoded: true},
	"localstorage":   {table: dataTable, key: "sessionid", encoded: true},
	"sessionstorage": {table: dataTable, key: "sessionid", encoded: true},
	"console":        {table: dataTable, key: "sessionid", encoded: true},
	"compressed":     {table: dataTable, key: "sessionid", kind: kindFlag},
}

// normalize converts value to the Go type stored for the column: string,
// bool or int64. Any non-zero number sets a flag.
func (c column) normalize(value any) (any, error) {
	switch c.kind {
	case kindFlag:
		switch v := value.(type) {
		case bool:
			return v, nil
		case int:
			return v != 0, nil
		case int64:
			return v != 0, nil
		}
		text := strings.TrimSpace(fmt.Sprint(value))
		switch strings.ToLower(text) {
		case "true":
			return true, nil
		case "false", "":
			return false, nil
		}
		n, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid flag value %q", text)
		}
		return n != 0, nil
	case kindInt:
		switch v := value.(type) {
		case int:
			return int64(v), nil
		case int64:
			return v, nil
		}
		text := strings.TrimSpace(fmt.Sprint(value))
		n, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid integer value %q", text)
		}
		return n, nil
	default:
		return fmt.Sprint(value), nil
	}
}
