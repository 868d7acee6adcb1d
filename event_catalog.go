package main

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/cwsl/radio_observer/events"
	"github.com/cwsl/radio_observer/recorder"
)

// EventCatalog stores every detected bolid in SQLite. Inserts happen on a
// single background goroutine fed through a closable queue.
type EventCatalog struct {
	db    *sql.DB
	queue *recorder.Queue[events.Bolid]
	wg    sync.WaitGroup

	mu       sync.Mutex
	inserted uint64
	failed   uint64
}

// OpenEventCatalog opens (or creates) the database at path
func OpenEventCatalog(path string) (*EventCatalog, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create catalog directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy_timeout: %w", err)
	}
	if err := initCatalogSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create catalog schema: %w", err)
	}

	c := &EventCatalog{db: db, queue: recorder.NewQueue[events.Bolid]()}
	c.wg.Add(1)
	go c.run()

	log.Printf("[Catalog] Recording bolids to %s", path)
	return c, nil
}

func initCatalogSchema(db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS bolids (
    id TEXT PRIMARY KEY,
    origin TEXT,
    observed_at INTEGER,
    file_name TEXT,
    min_freq REAL,
    max_freq REAL,
    peak_freq REAL,
    magnitude REAL,
    noise REAL,
    duration REAL,
    start_sample INTEGER,
    end_sample INTEGER
);
CREATE INDEX IF NOT EXISTS bolids_observed_at ON bolids(observed_at);`
	_, err := db.Exec(schema)
	return err
}

// Subscribe records every bolid published on bus
func (c *EventCatalog) Subscribe(bus *events.Bus[events.Bolid]) {
	bus.Subscribe(c.Record)
}

// Record queues an event for insertion. It never blocks on the database.
func (c *EventCatalog) Record(ev events.Bolid) {
	if c == nil {
		return
	}
	if !c.queue.Send(ev) {
		log.Printf("[Catalog] Dropping bolid %s, catalog closed", ev.ID)
	}
}

func (c *EventCatalog) run() {
	defer c.wg.Done()
	for {
		items, open := c.queue.Drain()
		for _, ev := range items {
			c.insert(ev)
		}
		if !open {
			return
		}
	}
}

func (c *EventCatalog) insert(ev events.Bolid) {
	_, err := c.db.Exec(`
INSERT OR REPLACE INTO bolids (
    id, origin, observed_at, file_name, min_freq, max_freq, peak_freq,
    magnitude, noise, duration, start_sample, end_sample
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Origin, ev.Time.UnixMilli(), ev.FileName, ev.MinFreq, ev.MaxFreq, ev.PeakFreq,
		ev.Magnitude, ev.Noise, ev.Duration, ev.StartSample, ev.EndSample)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.failed++
		log.Printf("[Catalog] Failed to insert bolid %s: %v", ev.ID, err)
		return
	}
	c.inserted++
	if DebugMode {
		log.Printf("DEBUG: [Catalog] Inserted bolid %s", ev.ID)
	}
}

// Recent returns up to limit events, newest first
func (c *EventCatalog) Recent(limit int) ([]events.Bolid, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := c.db.Query(`
SELECT id, origin, observed_at, file_name, min_freq, max_freq, peak_freq,
       magnitude, noise, duration, start_sample, end_sample
FROM bolids ORDER BY observed_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query bolids: %w", err)
	}
	defer rows.Close()

	var list []events.Bolid
	for rows.Next() {
		var ev events.Bolid
		var observed int64
		if err := rows.Scan(&ev.ID, &ev.Origin, &observed, &ev.FileName, &ev.MinFreq, &ev.MaxFreq, &ev.PeakFreq,
			&ev.Magnitude, &ev.Noise, &ev.Duration, &ev.StartSample, &ev.EndSample); err != nil {
			return nil, fmt.Errorf("failed to scan bolid: %w", err)
		}
		ev.Time = time.UnixMilli(observed).UTC()
		list = append(list, ev)
	}
	return list, rows.Err()
}

// Counts returns the number of inserted and failed events
func (c *EventCatalog) Counts() (inserted, failed uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inserted, c.failed
}

// Close flushes queued events and closes the database
func (c *EventCatalog) Close() error {
	if c == nil {
		return nil
	}
	c.queue.Close()
	c.wg.Wait()
	return c.db.Close()
}
