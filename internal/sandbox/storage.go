package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketSandbox = []byte("sandbox")

// Message is a campaign message captured instead of being delivered
type Message struct {
	ID           string    `json:"id"`
	JobID        string    `json:"job_id"`
	EventID      string    `json:"event_id"`
	RecipientID  string    `json:"recipient_id"`
	Channel      string    `json:"channel"`
	To           string    `json:"to"`
	OriginalTo   string    `json:"original_to,omitempty"` // recipient before redirect
	Subject      string    `json:"subject,omitempty"`
	Body         string    `json:"body"`
	Mode         string    `json:"mode"` // capture, redirect
	CapturedAt   time.Time `json:"captured_at"`
	SimulatedErr string    `json:"simulated_error,omitempty"`
}

// Storage keeps captured messages in bbolt, ordered by capture time
type Storage struct {
	db *bolt.DB
}

// NewStorage creates the sandbox bucket in db when missing
func NewStorage(db *bolt.DB) (*Storage, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSandbox)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox bucket: %w", err)
	}

	return &Storage{db: db}, nil
}

// Save stores a captured message
func (s *Storage) Save(ctx context.Context, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSandbox).Put(makeIndexKey(msg.CapturedAt, msg.ID), data)
	})
}

// ListFilter contains filters for listing messages
type ListFilter struct {
	JobID   string
	Channel string
	Limit   int
	Offset  int
}

// List returns matching messages, newest first
func (s *Storage) List(ctx context.Context, filter ListFilter) ([]*Message, error) {
	var messages []*Message

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSandbox).Cursor()
		skipped := 0

		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var msg Message
			if err := json.Unmarshal(v, &msg); err != nil {
				continue
			}

			if filter.JobID != "" && msg.JobID != filter.JobID {
				continue
			}
			if filter.Channel != "" && msg.Channel != filter.Channel {
				continue
			}

			if skipped < filter.Offset {
				skipped++
				continue
			}

			messages = append(messages, &msg)
			if filter.Limit > 0 && len(messages) >= filter.Limit {
				break
			}
		}
		return nil
	})

	return messages, err
}

// Clear removes messages captured more than olderThan ago; zero removes all
func (s *Storage) Clear(ctx context.Context, olderThan time.Duration) (int, error) {
	var count int
	cutoff := time.Now().Add(-olderThan)

	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketSandbox)
		c := bucket.Cursor()

		var keysToDelete [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var msg Message
			if err := json.Unmarshal(v, &msg); err != nil {
				continue
			}
			if olderThan > 0 && msg.CapturedAt.After(cutoff) {
				continue
			}
			keysToDelete = append(keysToDelete, append([]byte(nil), k...))
		}

		for _, k := range keysToDelete {
			if err := bucket.Delete(k); err != nil {
				return err
			}
			count++
		}
		return nil
	})

	return count, err
}

// Stats summarises captured messages
type Stats struct {
	Total     int64            `json:"total"`
	ByChannel map[string]int64 `json:"by_channel"`
	ByJob     map[string]int64 `json:"by_job"`
	Failed    int64            `json:"failed"`
}

func (s *Storage) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		ByChannel: make(map[string]int64),
		ByJob:     make(map[string]int64),
	}

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSandbox).ForEach(func(k, v []byte) error {
			var msg Message
			if err := json.Unmarshal(v, &msg); err != nil {
				return nil
			}
			stats.Total++
			stats.ByChannel[msg.Channel]++
			stats.ByJob[msg.JobID]++
			if msg.SimulatedErr != "" {
				stats.Failed++
			}
			return nil
		})
	})

	return stats, err
}

// indexLayout is fixed width so keys sort chronologically
const indexLayout = "2006-01-02T15:04:05.000000000Z"

func makeIndexKey(t time.Time, id string) []byte {
	return []byte(t.UTC().Format(indexLayout) + ":" + id)
}
