package smbtest

import (
	"encoding/binary"
	"fmt"
)

// LOCK request layout
const (
	lockFixedSize   = 24
	lockElementSize = 24
	lockFlagUnlock  = 0x00000004
	lockFlagFailNow = 0x00000010
)

type lockRange struct {
	file    string
	offset  uint64
	length  uint64
	unlock  bool
	failNow bool
}

func (r lockRange) key() string {
	return fmt.Sprintf("%x/%d/%d", r.file, r.offset, r.length)
}

// parseLockRanges returns the ranges of a LOCK request body
func parseLockRanges(body []byte) []lockRange {
	if len(body) < lockFixedSize {
		return nil
	}
	count := int(binary.LittleEndian.Uint16(body[2:4]))
	if len(body) < lockFixedSize+count*lockElementSize {
		return nil
	}
	file := string(body[8:24])
	ranges := make([]lockRange, count)
	for i := range ranges {
		el := body[lockFixedSize+i*lockElementSize:]
		flags := binary.LittleEndian.Uint32(el[16:20])
		ranges[i] = lockRange{
			file:    file,
			offset:  binary.LittleEndian.Uint64(el[0:8]),
			length:  binary.LittleEndian.Uint64(el[8:16]),
			unlock:  flags&lockFlagUnlock != 0,
			failNow: flags&lockFlagFailNow != 0,
		}
	}
	return ranges
}

// IsBlockingLock reports whether a LOCK body asks the server to wait for
// its ranges (no unlock and no fail immediately flag)
func IsBlockingLock(body []byte) bool {
	ranges := parseLockRanges(body)
	if len(ranges) == 0 {
		return false
	}
	for _, r := range ranges {
		if r.unlock || r.failNow {
			return false
		}
	}
	return true
}

// trackLock remembers the ranges of a blocked LOCK so an unlock of the
// same ranges releases it
func (sc *serverConn) trackLock(req *Request) {
	for _, r := range parseLockRanges(req.Body) {
		sc.lockRanges.Store(r.key(), req.Header.MessageID)
	}
}

// untrackLock forgets the ranges of a LOCK that is no longer blocked
func (sc *serverConn) untrackLock(req *Request) {
	mid := req.Header.MessageID
	for _, r := range parseLockRanges(req.Body) {
		sc.lockRanges.Compute(r.key(), func(old uint64, loaded bool) (uint64, bool) {
			return old, !loaded || old == mid
		})
	}
}

// unlock releases the blocked LOCKs holding the ranges of an unlock request
func (sc *serverConn) unlock(req *Request) {
	for _, r := range parseLockRanges(req.Body) {
		if !r.unlock {
			continue
		}
		mid, ok := sc.lockRanges.LoadAndDelete(r.key())
		if !ok {
			continue
		}
		if ch, ok := sc.blocked.LoadAndDelete(mid); ok {
			close(ch)
		}
	}
}
