package journal

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
)

// Record types. The journal is the engine's source of truth for recovery:
// replaying every record from genesis reproduces ledger, pair, and market
// state exactly.
const (
	TypeDeposit       = "deposit"
	TypeWithdraw      = "withdraw"
	TypeOrderAdmitted = "order_admitted"
	TypeOrderTerminal = "order_terminal"
	TypeFill          = "fill"
	TypePairOpened    = "pair_opened"
	TypePairClosed    = "pair_closed"
	TypeLiquidation   = "liquidation"
	TypeADL           = "adl"
	TypeFundingTick   = "funding_tick"
	TypeHalt          = "halt"
	TypeResume        = "resume"
)

// Record is one journal entry.
type Record struct {
	Seq  uint64          `json:"seq"`
	Ts   int64           `json:"ts"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Journal is an append-only event log on pebble. Keys are j:<16-digit seq> so
// iteration order is replay order.
type Journal struct {
	mu      sync.Mutex
	db      *pebble.DB
	nextSeq uint64
}

func key(seq uint64) []byte {
	return []byte(fmt.Sprintf("j:%016d", seq))
}

// Open opens or creates a journal and resumes its sequence counter from the
// last persisted record.
func Open(path string) (*Journal, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	j := &Journal{db: db}

	iter, err := db.NewIter(&pebble.IterOptions{
		LowerBound: []byte("j:"),
		UpperBound: []byte("j;"),
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("scan journal: %w", err)
	}
	if iter.Last() {
		var last Record
		if err := json.Unmarshal(iter.Value(), &last); err != nil {
			_ = iter.Close()
			_ = db.Close()
			return nil, fmt.Errorf("decode last record: %w", err)
		}
		j.nextSeq = last.Seq + 1
	}
	if err := iter.Close(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error { return j.db.Close() }

// Append writes one record and returns its sequence. sync=true forces an
// fsync before returning; admission-critical records use it, high-rate fill
// and tick records ride the WAL without it.
func (j *Journal) Append(ts int64, typ string, data any, sync bool) (uint64, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return 0, fmt.Errorf("marshal %s: %w", typ, err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	rec := Record{Seq: j.nextSeq, Ts: ts, Type: typ, Data: payload}
	val, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("marshal record: %w", err)
	}

	opt := pebble.NoSync
	if sync {
		opt = pebble.Sync
	}
	if err := j.db.Set(key(rec.Seq), val, opt); err != nil {
		return 0, fmt.Errorf("append %s: %w", typ, err)
	}
	j.nextSeq++
	return rec.Seq, nil
}

// Replay iterates every record in sequence order. fn returning an error stops
// the replay.
func (j *Journal) Replay(fn func(Record) error) error {
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte("j:"),
		UpperBound: []byte("j;"),
	})
	if err != nil {
		return fmt.Errorf("replay iter: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		var rec Record
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return fmt.Errorf("decode record at %s: %w", iter.Key(), err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return iter.Error()
}

// Len returns the number of appended records.
func (j *Journal) Len() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.nextSeq
}
