package risk

import "sort"

// MarkInputs are the candidate prices for one mark computation. A zero value
// means the input is unavailable; Stale marks the oracle unusable even when
// it has a value.
type MarkInputs struct {
	OracleSpot  int64
	OracleStale bool
	BookMid     int64
	LastTrade   int64
}

// Mark blends the available inputs into a manipulation-resistant mark price.
// With all three present it takes the median, so no single input (a spoofed
// book, a stale print, a bad oracle read) can move the mark on its own.
// Degraded fallbacks: mid, then last trade, then oracle. Returns 0 when no
// input is usable.
func Mark(in MarkInputs) int64 {
	oracle := in.OracleSpot
	if in.OracleStale {
		oracle = 0
	}

	var avail []int64
	for _, v := range []int64{oracle, in.BookMid, in.LastTrade} {
		if v > 0 {
			avail = append(avail, v)
		}
	}

	switch len(avail) {
	case 3:
		sort.Slice(avail, func(i, j int) bool { return avail[i] < avail[j] })
		return avail[1]
	case 0:
		return 0
	}

	// With one or two inputs, prefer mid, then last, then oracle.
	if in.BookMid > 0 {
		return in.BookMid
	}
	if in.LastTrade > 0 {
		return in.LastTrade
	}
	return oracle
}
