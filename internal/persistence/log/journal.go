// Package log keeps the compressed audit trail of applied transactions and region resets.
package log

import (
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

type TxEntry struct {
	Time      time.Time `json:"time"`
	Node      string    `json:"node"`
	Player    string    `json:"player"`
	Currency  string    `json:"currency"`
	Delta     int64     `json:"delta"`
	Source    string    `json:"source"`
	Key       string    `json:"key"`
	Balance   int64     `json:"balance"`
	Version   uint64    `json:"version"`
	Duplicate bool      `json:"duplicate,omitempty"`
}

type ResetEntry struct {
	Time          time.Time `json:"time"`
	Node          string    `json:"node"`
	Region        string    `json:"region"`
	Total         int64     `json:"total"`
	Blocks        int64     `json:"blocks"`
	Batches       int       `json:"batches"`
	FailedBatches int       `json:"failed_batches"`
	Inconsistent  bool      `json:"inconsistent,omitempty"`
	ElapsedMS     int64     `json:"elapsed_ms"`
	Error         string    `json:"error,omitempty"`
}

type entry struct {
	tx    *TxEntry
	reset *ResetEntry
}

// Journal writes entries from a background goroutine. Writers never block: when the goroutine falls
// behind, entries are dropped and counted. A nil *Journal discards everything.
type Journal struct {
	txs    *segmentWriter
	resets *segmentWriter
	log    *zap.Logger

	// sendMu keeps senders off ch while Close closes it.
	sendMu sync.RWMutex
	ch     chan entry
	wg     sync.WaitGroup
	once   sync.Once

	closed  bool
	dropped atomic.Uint64
}

// Open starts a journal rooted at dir, with transactions/ and resets/ subdirectories.
func Open(dir string, buffer int, log *zap.Logger) *Journal {
	if buffer <= 0 {
		buffer = 65536
	}
	if log == nil {
		log = zap.NewNop()
	}
	j := &Journal{
		txs:    newSegmentWriter(filepath.Join(dir, "transactions"), "tx"),
		resets: newSegmentWriter(filepath.Join(dir, "resets"), "reset"),
		log:    log.Named("journal"),
		ch:     make(chan entry, buffer),
	}
	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		j.loop()
	}()
	return j
}

func (j *Journal) WriteTx(e TxEntry) {
	if j == nil {
		return
	}
	j.enqueue(entry{tx: &e})
}

func (j *Journal) WriteReset(e ResetEntry) {
	if j == nil {
		return
	}
	j.enqueue(entry{reset: &e})
}

func (j *Journal) enqueue(e entry) {
	j.sendMu.RLock()
	defer j.sendMu.RUnlock()
	if j.closed {
		return
	}
	select {
	case j.ch <- e:
	default:
		j.dropped.Add(1)
	}
}

// Dropped counts entries lost to a full buffer.
func (j *Journal) Dropped() uint64 {
	if j == nil {
		return 0
	}
	return j.dropped.Load()
}

func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	var err error
	j.once.Do(func() {
		j.sendMu.Lock()
		j.closed = true
		close(j.ch)
		j.sendMu.Unlock()
		j.wg.Wait()
		err1 := j.txs.close()
		err2 := j.resets.close()
		if err1 != nil {
			err = err1
		} else {
			err = err2
		}
		if n := j.dropped.Load(); n > 0 {
			j.log.Warn("journal dropped entries", zap.Uint64("dropped", n))
		}
	})
	return err
}

func (j *Journal) loop() {
	flush := time.NewTicker(time.Second)
	defer flush.Stop()
	for {
		select {
		case e, ok := <-j.ch:
			if !ok {
				return
			}
			var err error
			switch {
			case e.tx != nil:
				err = j.txs.write(e.tx)
			case e.reset != nil:
				err = j.resets.write(e.reset)
			}
			if err != nil {
				j.log.Error("journal write", zap.Error(err))
			}
		case <-flush.C:
			_ = j.txs.flush()
			_ = j.resets.flush()
		}
	}
}
