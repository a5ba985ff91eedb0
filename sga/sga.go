// Package sga implements zero-copy-friendly marshalling between caller byte
// buffers / iovecs and the backend's scatter-gather arrays (spec.md §4.3).
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Grounded on the teacher's pool/buffer_batch.go segment-walking style
// (Append/Slice/Split over a []api.Buffer) and core/buffer's
// slice-without-copy ethos, generalized here from "batch of whole buffers"
// to "byte-offset across a batch of segments", which is what
// _examples/original_source/demi_epoll/lib/src/internals/buffer.h's CB_DEF
// circular-buffer macro family is reaching for without actually tracking a
// cross-segment cursor.
package sga

import (
	"github.com/momentics/dpoll/backend"
	"github.com/momentics/dpoll/dpollerr"
)

// CopyInto copies len(buf) bytes from buf into sga's segments in order,
// filling each segment before moving to the next. sga must have already
// been sized to hold len(buf) bytes (the caller just allocated it for this
// exact write); an undersized sga is a fatal invariant violation, not a
// user error (spec.md §4.3).
func CopyInto(buf []byte, sga *backend.SGA) (copied int) {
	if sga.Len() < len(buf) {
		dpollerr.Fatalf("sga.CopyInto: sga capacity %d smaller than %d bytes to write", sga.Len(), len(buf))
	}
	remaining := buf
	for i := range sga.Segments {
		if len(remaining) == 0 {
			break
		}
		seg := sga.Segments[i]
		n := copy(seg, remaining)
		remaining = remaining[n:]
		copied += n
	}
	return copied
}

// CopyFrom copies up to len(buf) bytes from sga starting at byte offset
// *offset, across segments, advancing *offset. It returns the number of
// bytes copied and whether sga is now fully drained (offset has reached
// sga.Len()). This implements partial consumption: a single receive SGA may
// serve multiple caller reads (spec.md §4.3, §8 "Round-trip / laws").
func CopyFrom(buf []byte, sga *backend.SGA, offset *int) (n int, drained bool) {
	total := sga.Len()
	if *offset >= total {
		return 0, true
	}

	segStart := 0
	for _, seg := range sga.Segments {
		segEnd := segStart + len(seg)
		if *offset >= segEnd {
			segStart = segEnd
			continue
		}
		if n >= len(buf) {
			break
		}
		readFrom := *offset - segStart
		want := len(buf) - n
		avail := len(seg) - readFrom
		take := want
		if take > avail {
			take = avail
		}
		copy(buf[n:n+take], seg[readFrom:readFrom+take])
		n += take
		*offset += take
		segStart = segEnd
	}
	return n, *offset >= total
}

// CopyIntoFromIovecs copies a sequence of caller iovecs into one SGA,
// preserving byte order across iovec boundaries (the writev path).
func CopyIntoFromIovecs(iovs [][]byte, sga *backend.SGA) (copied int) {
	total := 0
	for _, iov := range iovs {
		total += len(iov)
	}
	if sga.Len() < total {
		dpollerr.Fatalf("sga.CopyIntoFromIovecs: sga capacity %d smaller than %d bytes to write", sga.Len(), total)
	}

	segIdx, segOff := 0, 0
	for _, iov := range iovs {
		remaining := iov
		for len(remaining) > 0 {
			if segIdx >= len(sga.Segments) {
				dpollerr.Fatalf("sga.CopyIntoFromIovecs: ran out of segments with %d bytes left", len(remaining))
			}
			seg := sga.Segments[segIdx]
			n := copy(seg[segOff:], remaining)
			remaining = remaining[n:]
			copied += n
			segOff += n
			if segOff == len(seg) {
				segIdx++
				segOff = 0
			}
		}
	}
	return copied
}

// CopyFromToIovecs copies from sga (starting at *offset) into a sequence of
// caller iovecs, one at a time, stopping on the first short fill (an iovec
// that did not get completely filled because sga ran out of remaining
// bytes). It mirrors the readv loop in spec.md §4.3 ("loops per-iovec
// invoking copy_from_sga, stopping on first short fill").
func CopyFromToIovecs(iovs [][]byte, sga *backend.SGA, offset *int) (n int, drained bool) {
	for _, iov := range iovs {
		if len(iov) == 0 {
			continue
		}
		got, isDrained := CopyFrom(iov, sga, offset)
		n += got
		drained = isDrained
		if got < len(iov) || drained {
			return n, drained
		}
	}
	return n, drained
}
