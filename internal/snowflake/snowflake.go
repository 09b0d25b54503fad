// Package snowflake generates 64-bit time-sortable identifiers. Every
// persistent entity, pagination cursor, and ordering guarantee in the system
// is built on these ids, so the layout is fixed: 42 bits of milliseconds
// since the custom epoch, 10 bits of worker id, 12 bits of sequence.
package snowflake

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// Epoch is the custom epoch (2024-01-01T00:00:00Z) in Unix milliseconds.
const Epoch int64 = 1704067200000

// Bit widths of the three id fields.
const (
	timestampBits = 42
	workerBits    = 10
	sequenceBits  = 12

	// MaxWorkerID is the largest valid worker id (1023).
	MaxWorkerID = (1 << workerBits) - 1

	maxSequence    = (1 << sequenceBits) - 1
	workerShift    = sequenceBits
	timestampShift = workerBits + sequenceBits
)

// ErrClockWentBackward is returned when the wall clock reads earlier than the
// timestamp of the last generated id. The generator refuses to emit rather
// than risk duplicate or non-monotonic ids.
var ErrClockWentBackward = errors.New("snowflake: system clock went backward")

// ErrInvalidID is returned by Parse for strings that are not decimal uint64s.
var ErrInvalidID = errors.New("snowflake: invalid id")

// ID is a 64-bit time-sortable identifier. It is serialised as a decimal
// string at every external boundary because JSON consumers lose precision
// beyond 53 bits.
type ID uint64

// Parse converts the decimal-string wire form back into an ID.
func Parse(s string) (ID, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidID, s)
	}
	return ID(n), nil
}

// String returns the decimal wire form.
func (id ID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// Time returns the moment the id was generated.
func (id ID) Time() time.Time {
	ms := int64(id>>timestampShift) + Epoch
	return time.UnixMilli(ms).UTC()
}

// Worker returns the worker id embedded in the id.
func (id ID) Worker() uint16 {
	return uint16((id >> workerShift) & MaxWorkerID)
}

// Sequence returns the per-millisecond sequence embedded in the id.
func (id ID) Sequence() uint16 {
	return uint16(id & maxSequence)
}

// IsZero reports whether the id is the zero value, which is never generated.
func (id ID) IsZero() bool { return id == 0 }

// MarshalJSON encodes the id as a decimal string.
func (id ID) MarshalJSON() ([]byte, error) {
	return []byte(`"` + id.String() + `"`), nil
}

// UnmarshalJSON accepts the decimal-string wire form.
func (id *ID) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Value implements driver.Valuer so ids persist as BIGINT columns.
func (id ID) Value() (driver.Value, error) {
	return int64(id), nil
}

// Scan implements sql.Scanner for BIGINT columns.
func (id *ID) Scan(src any) error {
	switch v := src.(type) {
	case int64:
		*id = ID(v)
		return nil
	case string:
		parsed, err := Parse(v)
		if err != nil {
			return err
		}
		*id = parsed
		return nil
	default:
		return fmt.Errorf("snowflake: cannot scan %T", src)
	}
}

// Generator produces ids for a single worker. It is safe for concurrent use;
// ids from one generator strictly increase.
type Generator struct {
	mu       sync.Mutex
	workerID uint16
	lastMS   int64
	sequence uint16

	// now is swappable for tests.
	now func() int64
}

// NewGenerator creates a generator for the given worker id. The worker id
// must be unique per process across the deployment.
func NewGenerator(workerID uint16) (*Generator, error) {
	if workerID > MaxWorkerID {
		return nil, fmt.Errorf("snowflake: worker id %d exceeds maximum %d", workerID, MaxWorkerID)
	}
	return &Generator{
		workerID: workerID,
		lastMS:   -1,
		now:      func() int64 { return time.Now().UnixMilli() },
	}, nil
}

// Next returns the next id for this worker. On sequence overflow within one
// millisecond it busy-waits for the clock to advance; on clock regression it
// returns ErrClockWentBackward and refuses to emit until the clock catches up.
func (g *Generator) Next() (ID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	t := g.now()
	if t < g.lastMS {
		return 0, fmt.Errorf("%w: last=%d now=%d", ErrClockWentBackward, g.lastMS, t)
	}

	if t == g.lastMS {
		g.sequence++
		if g.sequence > maxSequence {
			// Sequence exhausted for this millisecond; spin until the clock advances.
			for t <= g.lastMS {
				t = g.now()
			}
			g.sequence = 0
		}
	} else {
		g.sequence = 0
	}
	g.lastMS = t

	return compose(t, g.workerID, g.sequence), nil
}

func compose(ms int64, worker uint16, seq uint16) ID {
	return ID(uint64(ms-Epoch)<<timestampShift | uint64(worker)<<workerShift | uint64(seq))
}
