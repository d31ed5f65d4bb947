package event

import (
	"errors"
	"fmt"
)

var (
	// ErrRangeBeyondHead is returned when a range starts at or past the chain head.
	ErrRangeBeyondHead = errors.New("start block beyond current height")
	// ErrInvalidRange is returned when a range ends before it starts.
	ErrInvalidRange = errors.New("invalid block range")
)

// BlockRange is a block interval; either bound may be unset.
type BlockRange struct {
	StartBlock *uint64
	EndBlock   *uint64
}

// From returns a range open at the end.
func From(start uint64) BlockRange {
	return BlockRange{StartBlock: &start}
}

// Between returns a fully bounded range.
func Between(start, end uint64) BlockRange {
	return BlockRange{StartBlock: &start, EndBlock: &end}
}

// HasStart reports whether the start bound is set.
func (r BlockRange) HasStart() bool { return r.StartBlock != nil }

// Resolve fills unset bounds against the current head and clamps the end to
// it. The start defaults to 0 and the end to head.
func (r BlockRange) Resolve(head uint64) (start, end uint64, err error) {
	if r.StartBlock != nil {
		start = *r.StartBlock
	}
	if start >= head {
		return 0, 0, fmt.Errorf("%w: start %d, head %d", ErrRangeBeyondHead, start, head)
	}
	end = head
	if r.EndBlock != nil && *r.EndBlock < head {
		end = *r.EndBlock
	}
	if start > end {
		return 0, 0, fmt.Errorf("%w: start %d > end %d", ErrInvalidRange, start, end)
	}
	return start, end, nil
}

func (r BlockRange) String() string {
	s, e := "?", "head"
	if r.StartBlock != nil {
		s = fmt.Sprint(*r.StartBlock)
	}
	if r.EndBlock != nil {
		e = fmt.Sprint(*r.EndBlock)
	}
	return s + ".." + e
}
