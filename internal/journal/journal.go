// Package journal appends pipeline events as JSONL lines through an async
// background writer. Purely observational: a full channel or a failed
// write drops the line and bumps a counter, never blocking the pipeline.
package journal

import (
	"encoding/json"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kmorton/fieldsync/internal/bus"
)

// writerChanSize is the capacity of the async write channel.
const writerChanSize = 1024

// line is one serialized journal record.
type line struct {
	Time      time.Time `json:"t"`
	Kind      string    `json:"kind"`
	Source    string    `json:"source,omitempty"`
	Stale     bool      `json:"stale,omitempty"`
	Succeeded int       `json:"succeeded,omitempty"`
	Failed    int       `json:"failed,omitempty"`
	DurMs     float64   `json:"dur_ms,omitempty"`
}

// Journal writes pipeline events as JSONL via a drain goroutine.
// Goroutine-safe. Call Close to flush and stop.
type Journal struct {
	ch        chan []byte
	w         io.Writer
	dropped   atomic.Uint64
	closed    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once

	file *os.File // non-nil when opened via OpenFile
}

// New creates a Journal writing JSONL to w asynchronously.
func New(w io.Writer) *Journal {
	j := &Journal{
		ch:   make(chan []byte, writerChanSize),
		w:    w,
		done: make(chan struct{}),
	}
	go j.drain()
	return j
}

// OpenFile creates a Journal appending to the file at path.
func OpenFile(path string) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	j := New(f)
	j.file = f
	return j, nil
}

func (j *Journal) drain() {
	defer close(j.done)
	for data := range j.ch {
		if _, err := j.w.Write(data); err != nil {
			j.dropped.Add(1)
		}
	}
}

// Record serializes one bus event to a journal line. Non-blocking: if the
// channel is full or the journal is closed, the event is dropped.
func (j *Journal) Record(e bus.Event) {
	defer func() {
		if recover() != nil {
			// Close raced the channel send; count as dropped.
			j.dropped.Add(1)
		}
	}()

	if j.closed.Load() {
		j.dropped.Add(1)
		return
	}

	var l line
	switch ev := e.(type) {
	case bus.SourceUpdated:
		l = line{Time: ev.At, Kind: string(bus.KindSourceUpdated), Source: ev.SourceID, Stale: ev.Stale}
	case bus.RefreshComplete:
		l = line{
			Time:      ev.At,
			Kind:      string(bus.KindRefreshComplete),
			Succeeded: ev.Succeeded,
			Failed:    ev.Failed,
			DurMs:     float64(ev.Duration) / float64(time.Millisecond),
		}
	default:
		return
	}
	if l.Time.IsZero() {
		l.Time = time.Now()
	}

	data, err := json.Marshal(l)
	if err != nil {
		j.dropped.Add(1)
		return
	}
	data = append(data, '\n')

	select {
	case j.ch <- data:
	default:
		j.dropped.Add(1)
	}
}

// Attach subscribes the journal to both pipeline event kinds, returning
// the handles for later unsubscription.
func (j *Journal) Attach(b *bus.Bus) []bus.Handle {
	return []bus.Handle{
		b.Subscribe(bus.KindSourceUpdated, j.Record),
		b.Subscribe(bus.KindRefreshComplete, j.Record),
	}
}

// Dropped returns the number of events dropped since creation.
func (j *Journal) Dropped() uint64 {
	return j.dropped.Load()
}

// Close flushes pending lines and stops the drain goroutine. Safe to call
// concurrently with Record; racing records are dropped, not panicked.
func (j *Journal) Close() {
	j.closeOnce.Do(func() {
		j.closed.Store(true)
		close(j.ch)
		<-j.done
		if j.file != nil {
			j.file.Close()
		}
	})
}
