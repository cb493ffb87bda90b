package cache

import (
	"context"
	"fmt"

	"github.com/ChuLiYu/gridwork/internal/store"
)

// CursorState tracks end-of-stream handling within one scan.
type CursorState int

const (
	CursorActive         CursorState = iota
	CursorExhaustedOnce                  // restarted from the beginning once this scan
	CursorExhaustedTwice                 // done until the next scan
)

func (s CursorState) String() string {
	switch s {
	case CursorActive:
		return "active"
	case CursorExhaustedOnce:
		return "exhausted_once"
	case CursorExhaustedTwice:
		return "exhausted_twice"
	default:
		return fmt.Sprintf("cursor_state(%d)", int(s))
	}
}

// FetchFunc enumerates candidates from the beginning of the stream.
// The stream is restartable but not resumable.
type FetchFunc func(ctx context.Context) ([]store.Candidate, error)

// Cursor walks a restartable enumeration. Position is kept across scans;
// the state is reset at the start of each scan so one restart is allowed per scan.
type Cursor struct {
	fetch   FetchFunc
	batch   []store.Candidate
	pos     int
	state   CursorState
	fetched bool
}

func NewCursor(fetch FetchFunc) *Cursor {
	return &Cursor{fetch: fetch}
}

// State returns the current state.
func (c *Cursor) State() CursorState {
	return c.state
}

// Reset allows one restart again. Called at the start of each scan.
func (c *Cursor) Reset() {
	c.state = CursorActive
}

// Next returns the next candidate. ok is false once the stream has ended
// twice in this scan. Fetch errors are returned as is.
func (c *Cursor) Next(ctx context.Context) (cand store.Candidate, ok bool, err error) {
	if !c.fetched {
		if err := c.refill(ctx); err != nil {
			return store.Candidate{}, false, err
		}
	}
	for {
		if c.pos < len(c.batch) {
			cand = c.batch[c.pos]
			c.pos++
			return cand, true, nil
		}
		switch c.state {
		case CursorActive:
			c.state = CursorExhaustedOnce
		case CursorExhaustedOnce:
			c.state = CursorExhaustedTwice
			return store.Candidate{}, false, nil
		default:
			return store.Candidate{}, false, nil
		}
		if err := c.refill(ctx); err != nil {
			return store.Candidate{}, false, err
		}
	}
}

func (c *Cursor) refill(ctx context.Context) error {
	batch, err := c.fetch(ctx)
	if err != nil {
		return err
	}
	c.batch = batch
	c.pos = 0
	c.fetched = true
	return nil
}
