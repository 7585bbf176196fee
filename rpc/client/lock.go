package client

import (
	"context"
	"encoding/binary"

	"github.com/ValentinKolb/dSMB/rpc/common"
	"github.com/ValentinKolb/dSMB/rpc/transport/base"
)

// FileID is the persistent and volatile handle of an open file
type FileID [16]byte

// LockElement is one byte range of a LOCK request
type LockElement struct {
	Offset uint64
	Length uint64
	Flags  uint32 // base.LockFlag*
}

// EncodeLockBody encodes the body of an SMB2 LOCK request on file
func EncodeLockBody(file FileID, elements ...LockElement) []byte {
	body := make([]byte, 24+24*len(elements))
	binary.LittleEndian.PutUint16(body[0:2], 48)
	binary.LittleEndian.PutUint16(body[2:4], uint16(len(elements)))
	copy(body[8:24], file[:])
	for i, e := range elements {
		el := body[24+24*i:]
		binary.LittleEndian.PutUint64(el[0:8], e.Offset)
		binary.LittleEndian.PutUint64(el[8:16], e.Length)
		binary.LittleEndian.PutUint32(el[16:20], e.Flags)
	}
	return body
}

// Lock locks the ranges of file and blocks until the server granted them.
// If ctx ends first the pending lock is withdrawn with an unlock of the
// same ranges and ErrInterrupted is returned.
func (s *Session) Lock(ctx context.Context, file FileID, elements ...LockElement) error {
	resp, err := s.Call(ctx, common.CmdLock, EncodeLockBody(file, elements...))
	if err != nil {
		return err
	}
	defer resp.Release()
	return CheckStatus(resp)
}

// Unlock releases ranges locked with Lock
func (s *Session) Unlock(ctx context.Context, file FileID, elements ...LockElement) error {
	unlock := make([]LockElement, len(elements))
	for i, e := range elements {
		unlock[i] = LockElement{Offset: e.Offset, Length: e.Length, Flags: base.LockFlagUnlock}
	}
	return s.Lock(ctx, file, unlock...)
}
