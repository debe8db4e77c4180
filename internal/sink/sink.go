// Package sink implements the outcome sink: a write-only fan-out of
// ExecutionOutcome records to (a) an in-process ring buffer backing the
// control surface's recent-outcomes view, and (b) a batching archival
// writer that hands MessagePack-encoded records to object storage — the
// boundary named in the spec as the external time-series analytics store.
package sink

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/solflux/arbiter/internal/market"
	"github.com/solflux/arbiter/pkg/logger"
)

// Record is the sink's self-contained wire record: the outcome plus the
// decision path and per-stage timings needed for offline diagnosis, exactly
// as the spec requires.
type Record struct {
	Outcome   market.ExecutionOutcome `msgpack:"outcome"`
	Fingerprint string                `msgpack:"fingerprint"`
	EmittedAt time.Time               `msgpack:"emitted_at"`
}

// Archiver is the outcome sink's durable transport, satisfied by the S3
// archival writer in production and a no-op stub in tests.
type Archiver interface {
	Archive(records []Record) error
}

// Sink fans out outcomes to an in-process ring (for GET /opportunities and
// recent-outcomes views) and to an Archiver, batched on a timer. Order is
// guaranteed per fingerprint only, never globally, matching the spec.
type Sink struct {
	ring     *ringBuffer
	archiver Archiver
	in       chan Record
	flushEvery time.Duration
	log      zerolog.Logger
	stop     chan struct{}
	done     chan struct{}
}

// New constructs a Sink with a ring buffer of the given capacity and a
// batching archival flush interval.
func New(ringCapacity int, archiver Archiver, flushEvery time.Duration, log zerolog.Logger) *Sink {
	if flushEvery <= 0 {
		flushEvery = time.Second
	}
	return &Sink{
		ring:       newRingBuffer(ringCapacity),
		archiver:   archiver,
		in:         make(chan Record, 1024),
		flushEvery: flushEvery,
		log:        logger.Stage(log, "sink.Sink"),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Emit appends outcome to the sink. Never blocks the caller for longer than
// it takes to post to an internal channel; batching and archival happen on
// the sink's own goroutine.
func (s *Sink) Emit(outcome market.ExecutionOutcome) {
	rec := Record{Outcome: outcome, Fingerprint: outcome.Fingerprint, EmittedAt: time.Now()}
	s.ring.push(rec)
	select {
	case s.in <- rec:
	default:
		s.log.Warn().Str("fingerprint", outcome.Fingerprint).Msg("archival queue full, record kept in ring only")
	}
}

// Run drains pending records into a batch, flushing to the archiver every
// flushEvery or when the batch reaches 256 records, whichever comes first.
// Call in its own goroutine; Stop terminates it and flushes any remainder.
func (s *Sink) Run() {
	defer close(s.done)
	ticker := time.NewTicker(s.flushEvery)
	defer ticker.Stop()

	var batch []Record
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if s.archiver != nil {
			if err := s.archiver.Archive(batch); err != nil {
				s.log.Error().Err(err).Int("records", len(batch)).Msg("archive flush failed")
			}
		}
		batch = nil
	}

	for {
		select {
		case rec := <-s.in:
			batch = append(batch, rec)
			if len(batch) >= 256 {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.stop:
			flush()
			return
		}
	}
}

// Stop signals Run to flush and exit, blocking until it does.
func (s *Sink) Stop() {
	close(s.stop)
	<-s.done
}

// Recent returns up to n of the most recently emitted records, newest
// first, backing GET /opportunities.
func (s *Sink) Recent(n int) []Record { return s.ring.recent(n) }

// ringBuffer is a fixed-capacity, mutex-guarded circular buffer of records.
type ringBuffer struct {
	mu   sync.Mutex
	buf  []Record
	next int
	full bool
}

func newRingBuffer(capacity int) *ringBuffer {
	if capacity <= 0 {
		capacity = 256
	}
	return &ringBuffer{buf: make([]Record, capacity)}
}

func (r *ringBuffer) push(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = rec
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

func (r *ringBuffer) recent(n int) []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	size := r.next
	if r.full {
		size = len(r.buf)
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]Record, n)
	for i := 0; i < n; i++ {
		idx := (r.next - 1 - i + len(r.buf)) % len(r.buf)
		out[i] = r.buf[idx]
	}
	return out
}

// EncodeRecords MessagePack-encodes a batch for archival transport.
func EncodeRecords(records []Record) ([]byte, error) {
	return msgpack.Marshal(records)
}

// DecodeRecords reverses EncodeRecords.
func DecodeRecords(data []byte) ([]Record, error) {
	var records []Record
	if err := msgpack.Unmarshal(data, &records); err != nil {
		return nil, err
	}
	return records, nil
}
