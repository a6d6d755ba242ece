package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// Key lifecycle events. The log records which device or kit acted, never any
// key material.
type Event string

const (
	DeviceRegistered Event = "device.registered"
	DeviceRevoked    Event = "device.revoked"
	KitGenerated     Event = "kit.generated"
	KitReconstructed Event = "kit.reconstructed"
	DeviceRecovered  Event = "device.recovered"
	PairingStarted   Event = "pairing.started"
	PairingCompleted Event = "pairing.completed"
)

type Entry struct {
	TS      int64  `json:"ts"`
	Event   Event  `json:"event"`
	Subject string `json:"subject"` // device/kit/session identifier
	Hash    string `json:"hash"`
}

// Log is an append-only hash chain over key lifecycle events; Verify detects
// any rewrite of history.
type Log struct {
	mu       sync.Mutex
	lastHash []byte
	entries  []Entry
}

func New() *Log { return &Log{} }

func (l *Log) Append(ev Event, subject string) Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	h := sha256.New()
	h.Write(l.lastHash)
	h.Write([]byte(ev))
	h.Write([]byte(subject))
	sum := h.Sum(nil)
	l.lastHash = sum
	e := Entry{TS: time.Now().Unix(), Event: ev, Subject: subject, Hash: hex.EncodeToString(sum)}
	l.entries = append(l.entries, e)
	return e
}

func (l *Log) Verify() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var prev []byte
	for i, e := range l.entries {
		h := sha256.New()
		h.Write(prev)
		h.Write([]byte(e.Event))
		h.Write([]byte(e.Subject))
		sum := h.Sum(nil)
		if hex.EncodeToString(sum) != e.Hash {
			return fmt.Errorf("audit chain broken at entry %d", i)
		}
		prev = sum
	}
	return nil
}

func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Entry(nil), l.entries...)
}
