package receiver

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/gt8004/gt8004/pkg/event"
)

// Events are keyed "event/<agent>/<unix nanos>/<request id>" so a prefix scan
// over one agent walks its events in timestamp order. A redelivered batch
// overwrites the same keys instead of duplicating events.
const eventPrefix = "event/"

// AgentStats summarizes the events stored for one agent.
type AgentStats struct {
	AgentID   string    `json:"agent_id"`
	Events    int64     `json:"events"`
	LastEvent time.Time `json:"last_event"`
}

// Store persists accepted events in badger.
type Store struct {
	db *badger.DB
}

// OpenStore opens the event store in dir. An empty dir keeps everything in
// memory.
func OpenStore(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("receiver.OpenStore: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func agentPrefix(agentID string) []byte {
	return []byte(eventPrefix + url.PathEscape(agentID) + "/")
}

func eventKey(r event.Record) []byte {
	return fmt.Appendf(agentPrefix(r.AgentID), "%020d/%s", r.Timestamp.UnixNano(), r.RequestID)
}

// parseKey splits an event key into agent and timestamp.
func parseKey(key []byte) (agentID string, ts time.Time, ok bool) {
	parts := strings.SplitN(strings.TrimPrefix(string(key), eventPrefix), "/", 3)
	if len(parts) != 3 {
		return "", time.Time{}, false
	}
	agentID, err := url.PathUnescape(parts[0])
	if err != nil {
		return "", time.Time{}, false
	}
	nanos, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", time.Time{}, false
	}
	return agentID, time.Unix(0, nanos).UTC(), true
}

// Append stores records. Records must carry an agent and a timestamp.
func (s *Store) Append(records []event.Record) error {
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, r := range records {
		val, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("receiver.Store.Append: %w", err)
		}
		if err := wb.Set(eventKey(r), val); err != nil {
			return fmt.Errorf("receiver.Store.Append: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("receiver.Store.Append: %w", err)
	}
	return nil
}

// Latest returns up to limit of the newest events for agentID, oldest first.
func (s *Store) Latest(agentID string, limit int) ([]event.Record, error) {
	prefix := agentPrefix(agentID)
	result := make([]event.Record, 0, min(limit, 64))

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(append(append([]byte{}, prefix...), 0xff)); it.ValidForPrefix(prefix); it.Next() {
			if len(result) >= limit {
				break
			}
			err := it.Item().Value(func(val []byte) error {
				var r event.Record
				if err := json.Unmarshal(val, &r); err != nil {
					return nil // skip corrupt entries
				}
				result = append(result, r)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("receiver.Store.Latest: %w", err)
	}

	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}
	return result, nil
}

// Stats returns per-agent event counts sorted by agent.
func (s *Store) Stats() ([]AgentStats, error) {
	byAgent := make(map[string]*AgentStats)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(eventPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			agentID, ts, ok := parseKey(it.Item().Key())
			if !ok {
				continue
			}
			st, ok := byAgent[agentID]
			if !ok {
				st = &AgentStats{AgentID: agentID}
				byAgent[agentID] = st
			}
			st.Events++
			if ts.After(st.LastEvent) {
				st.LastEvent = ts
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("receiver.Store.Stats: %w", err)
	}

	result := make([]AgentStats, 0, len(byAgent))
	for _, st := range byAgent {
		result = append(result, *st)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].AgentID < result[j].AgentID
	})
	return result, nil
}

// Count returns the total number of stored events.
func (s *Store) Count() (int64, error) {
	stats, err := s.Stats()
	if err != nil {
		return 0, err
	}
	var n int64
	for _, st := range stats {
		n += st.Events
	}
	return n, nil
}
