// SPDX-FileCopyrightText: 2024 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package quicgo

import "sort"

type byteRange struct {
	start, end uint64
}

// ackedRanges tracks the acknowledged byte ranges of a stream and the
// contiguous prefix starting at zero.
type ackedRanges struct {
	prefix  uint64
	pending []byteRange
}

// add marks [start, end) as acknowledged. It returns the previous and the
// current end of the contiguous prefix.
func (r *ackedRanges) add(start, end uint64) (from, to uint64) {
	from = r.prefix
	if end <= r.prefix {
		return from, from
	}

	if start > r.prefix {
		i := sort.Search(len(r.pending), func(i int) bool { return r.pending[i].start > start })
		r.pending = append(r.pending, byteRange{})
		copy(r.pending[i+1:], r.pending[i:])
		r.pending[i] = byteRange{start: start, end: end}
		return from, from
	}

	r.prefix = end
	for len(r.pending) > 0 && r.pending[0].start <= r.prefix {
		if r.pending[0].end > r.prefix {
			r.prefix = r.pending[0].end
		}
		r.pending = r.pending[1:]
	}
	return from, r.prefix
}
