// Package storage provides in-memory session storage.
//
// Information Hiding:
// - Map storage structure hidden from users
// - Thread-safe access via RWMutex hidden behind interface
// - Suitable for testing and ephemeral sessions

package storage

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lwllvyb/ezXSS/internal/codec"
)

// InMemoryStorage implements SessionStore using in-memory maps.
// Blob rows are kept in their stored (possibly encoded) form so reads follow
// the same decoding path as SqliteStorage.
// Data is lost when process terminates.
type InMemoryStorage struct {
	mu           sync.RWMutex
	sessions     map[int64]Session
	data         map[int64]SessionData
	nextID       int64
	reportsLimit int
	now          func() time.Time
}

// NewInMemoryStorage creates a new in-memory storage.
func NewInMemoryStorage(opts Options) *InMemoryStorage {
	if opts.ReportsLimit <= 0 {
		opts.ReportsLimit = DefaultOptions().ReportsLimit
	}
	return &InMemoryStorage{
		sessions:     make(map[int64]Session),
		data:         make(map[int64]SessionData),
		reportsLimit: opts.ReportsLimit,
		now:          time.Now,
	}
}

// GetAll returns the latest request per client across all archive states.
func (s *InMemoryStorage) GetAll(ctx context.Context) ([]ClientSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.latestPerClient(func(Session) bool { return true }, s.reportsLimit), nil
}

// GetAllByArchive returns the latest request per client among requests with
// the given archive state.
func (s *InMemoryStorage) GetAllByArchive(ctx context.Context, archive bool) ([]ClientSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.latestPerClient(func(sess Session) bool { return sess.Archive == archive }, s.reportsLimit), nil
}

// GetAllByPayload returns the latest request per client among requests whose
// payload matches pattern and whose archive state matches.
func (s *InMemoryStorage) GetAllByPayload(ctx context.Context, pattern string, archive bool) ([]ClientSummary, error) {
	match, err := likeMatcher(pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrWrite, err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.latestPerClient(func(sess Session) bool {
		return sess.Archive == archive && match(sess.Payload)
	}, 0), nil
}

// latestPerClient groups the requests accepted by keep by client and returns
// the highest id of each group with the group size, newest first. A limit of
// zero means no limit.
func (s *InMemoryStorage) latestPerClient(keep func(Session) bool, limit int) []ClientSummary {
	latest := make(map[string]Session)
	counts := make(map[string]int)
	for _, sess := range s.sessions {
		if !keep(sess) {
			continue
		}
		counts[sess.ClientID]++
		if cur, ok := latest[sess.ClientID]; !ok || sess.ID > cur.ID {
			latest[sess.ClientID] = sess
		}
	}

	clients := make([]ClientSummary, 0, len(latest))
	for clientID, sess := range latest {
		clients = append(clients, ClientSummary{
			ID:        sess.ID,
			ClientID:  sess.ClientID,
			IP:        sess.IP,
			URI:       sess.URI,
			Payload:   sess.Payload,
			Time:      sess.Time,
			Origin:    sess.Origin,
			UserAgent: sess.UserAgent,
			Requests:  counts[clientID],
		})
	}
	sort.Slice(clients, func(i, j int) bool {
		if clients[i].Time != clients[j].Time {
			return clients[i].Time > clients[j].Time
		}
		return clients[i].ID > clients[j].ID
	})

	if limit > 0 && len(clients) > limit {
		clients = clients[:limit]
	}
	return clients
}

// GetAllByClientID returns every request of a client on an origin, newest first.
func (s *InMemoryStorage) GetAllByClientID(ctx context.Context, clientID, origin string) ([]Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.byClient(clientID, origin), nil
}

func (s *InMemoryStorage) byClient(clientID, origin string) []Session {
	sessions := []Session{}
	for _, sess := range s.sessions {
		if sess.ClientID == clientID && sess.Origin == origin {
			sessions = append(sessions, sess)
		}
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID > sessions[j].ID })
	return sessions
}

// GetByClientID returns the newest request of a client on an origin with its data.
func (s *InMemoryStorage) GetByClientID(ctx context.Context, clientID, origin string) (SessionDetail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessions := s.byClient(clientID, origin)
	if len(sessions) == 0 {
		return SessionDetail{}, ErrNotFound
	}
	return SessionDetail{Session: sessions[0], SessionData: s.decoded(sessions[0].ID)}, nil
}

// GetByID returns a request by id with its data.
func (s *InMemoryStorage) GetByID(ctx context.Context, id int64) (SessionDetail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return SessionDetail{}, ErrNotFound
	}
	return SessionDetail{Session: sess, SessionData: s.decoded(id)}, nil
}

// GetSessionData returns the decoded blob of a request.
func (s *InMemoryStorage) GetSessionData(ctx context.Context, sessionID int64) (SessionData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.decoded(sessionID), nil
}

// decoded returns the blob of a request in readable form.
func (s *InMemoryStorage) decoded(sessionID int64) SessionData {
	data, ok := s.data[sessionID]
	if !ok {
		return SessionData{}
	}
	if data.Compressed {
		data.DOM = codec.Decompress(data.DOM)
		data.LocalStorage = codec.Decompress(data.LocalStorage)
		data.SessionStorage = codec.Decompress(data.SessionStorage)
		if data.Console != "" {
			data.Console = codec.Decompress(data.Console)
		}
	}
	return data
}

// GetRequestCount counts the requests of a client across all origins.
func (s *InMemoryStorage) GetRequestCount(ctx context.Context, clientID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, sess := range s.sessions {
		if sess.ClientID == clientID {
			count++
		}
	}
	return count, nil
}

// GetAllStatisticsData exports client, origin and time of every request by ascending id.
func (s *InMemoryStorage) GetAllStatisticsData(ctx context.Context) ([]StatisticsRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := []StatisticsRow{}
	for _, sess := range s.ordered() {
		stats = append(stats, StatisticsRow{ClientID: sess.ClientID, Origin: sess.Origin, Time: sess.Time})
	}
	return stats, nil
}

// GetAllStatisticsDataByPayload exports requests whose payload matches pattern.
func (s *InMemoryStorage) GetAllStatisticsDataByPayload(ctx context.Context, pattern string) ([]StatisticsRow, error) {
	match, err := likeMatcher(pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrWrite, err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := []StatisticsRow{}
	for _, sess := range s.ordered() {
		if match(sess.Payload) {
			stats = append(stats, StatisticsRow{
				ClientID: sess.ClientID,
				Origin:   sess.Origin,
				Time:     sess.Time,
				Payload:  sess.Payload,
			})
		}
	}
	return stats, nil
}

// ordered returns every request by ascending id.
func (s *InMemoryStorage) ordered() []Session {
	sessions := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID < sessions[j].ID })
	return sessions
}

// Set updates one column of a request or of its blob.
func (s *InMemoryStorage) Set(ctx context.Context, id int64, name string, value any) error {
	col, ok := columns[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrInvalidColumn, name)
	}
	value, err := col.normalize(value)
	if err != nil {
		return fmt.Errorf("%w: update %s: %w", ErrWrite, name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if col.table == dataTable {
		data, ok := s.data[id]
		if !ok {
			return fmt.Errorf("%w: update %s: no rows for %d", ErrWrite, name, id)
		}
		if name == "sessionid" {
			// Re-keying blobs is not supported in memory.
			return fmt.Errorf("%w: update sessionid: unsupported", ErrWrite)
		}
		setDataColumn(&data, name, value)
		s.data[id] = data
		return nil
	}

	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("%w: update %s: no rows for %d", ErrWrite, name, id)
	}
	setSessionColumn(&sess, name, value)
	s.sessions[id] = sess
	return nil
}

// setSessionColumn assigns a value already normalized for the column.
func setSessionColumn(sess *Session, name string, value any) {
	switch name {
	case "time":
		sess.Time = value.(int64)
		return
	case "archive":
		sess.Archive = value.(bool)
		return
	}

	text := value.(string)
	switch name {
	case "clientid":
		sess.ClientID = text
	case "cookies":
		sess.Cookies = text
	case "origin":
		sess.Origin = text
	case "referer":
		sess.Referer = text
	case "payload":
		sess.Payload = text
	case "uri":
		sess.URI = text
	case "user-agent":
		sess.UserAgent = text
	case "ip":
		sess.IP = text
	}
}

// setDataColumn assigns a value already normalized for the column, encoding
// blob text when the row is compressed.
func setDataColumn(data *SessionData, name string, value any) {
	if name == "compressed" {
		data.Compressed = value.(bool)
		return
	}

	text := value.(string)
	if data.Compressed && text != "" {
		text = codec.Compress(text)
	}
	switch name {
	case "dom":
		data.DOM = text
	case "localstorage":
		data.LocalStorage = text
	case "sessionstorage":
		data.SessionStorage = text
	case "console":
		data.Console = text
	}
}

// Add stores a new request and its blob.
func (s *InMemoryStorage) Add(ctx context.Context, in NewSession, compress bool) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID

	s.sessions[id] = Session{
		ID:        id,
		ClientID:  in.ClientID,
		Cookies:   in.Cookies,
		Origin:    in.Origin,
		Referer:   in.Referer,
		Payload:   in.Payload,
		URI:       in.URI,
		UserAgent: in.UserAgent,
		IP:        in.IP,
		Time:      s.now().Unix(),
	}

	data := SessionData{
		DOM:            in.DOM,
		LocalStorage:   in.LocalStorage,
		SessionStorage: in.SessionStorage,
		Console:        in.Console,
		Compressed:     compress,
	}
	if compress {
		data.DOM = codec.Compress(data.DOM)
		data.LocalStorage = codec.Compress(data.LocalStorage)
		data.SessionStorage = codec.Compress(data.SessionStorage)
		if data.Console != "" {
			data.Console = codec.Compress(data.Console)
		}
	}
	s.data[id] = data

	return id, nil
}

// DeleteAll removes every request of a client on an origin with its blob.
func (s *InMemoryStorage) DeleteAll(ctx context.Context, clientID, origin string) (DeleteResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Map deletes cannot fail, so Failed is always zero here.
	var result DeleteResult
	for _, sess := range s.byClient(clientID, origin) {
		delete(s.data, sess.ID)
		delete(s.sessions, sess.ID)
		result.Deleted++
	}
	return result, nil
}

// ArchiveByClientID toggles the archive state of a client on an origin.
func (s *InMemoryStorage) ArchiveByClientID(ctx context.Context, clientID, origin string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessions := s.byClient(clientID, origin)
	if len(sessions) == 0 {
		return false, ErrNotFound
	}

	archive := !sessions[0].Archive
	for _, sess := range sessions {
		sess.Archive = archive
		s.sessions[sess.ID] = sess
	}
	return archive, nil
}

// likeMatcher compiles a SQL LIKE pattern (% and _ wildcards, ASCII case
// folding as in SQLite) into a matcher.
func likeMatcher(pattern string) (func(string) bool, error) {
	var sb strings.Builder
	sb.WriteString("(?s)^")
	for _, r := range pattern {
		switch r {
		case '%':
			sb.WriteString(".*")
		case '_':
			sb.WriteString(".")
		default:
			lit := regexp.QuoteMeta(string(r))
			if r < 0x80 && strings.ToLower(string(r)) != strings.ToUpper(string(r)) {
				lit = "[" + strings.ToLower(string(r)) + strings.ToUpper(string(r)) + "]"
			}
			sb.WriteString(lit)
		}
	}
	sb.WriteString("$")

	re, err := regexp.Compile(sb.String())
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	return re.MatchString, nil
}

// Verify InMemoryStorage implements SessionStore
var _ SessionStore = (*InMemoryStorage)(nil)
