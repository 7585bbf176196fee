package base

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/ValentinKolb/dSMB/rpc/common"
	"github.com/ValentinKolb/dSMB/rpc/transport"
)

// --------------------------------------------------------------------------
// Cancel policy
// --------------------------------------------------------------------------

// CancelTarget describes the request a cancel is built for
type CancelTarget struct {
	MessageID uint64
	AsyncID   uint64 // 0 unless the server answered with STATUS_PENDING
	Header    common.Header
	Body      []byte // body of the original request, fragments joined
}

// CancelMessage is the output of a CancelEncoder. Exactly one of the two
// forms is set: InPlace messages are written with the mid of the target and
// take no credit, Request is submitted as a new fire-and-forget request.
type CancelMessage struct {
	InPlace *InPlaceMessage
	Request *transport.Request
}

// InPlaceMessage is a complete message sent on the mid of the target
type InPlaceMessage struct {
	Header common.Header
	Body   []byte
}

// CancelEncoder builds the message that cancels target
type CancelEncoder func(target CancelTarget) (CancelMessage, error)

// CancelPolicy maps commands to the encoder cancelling them. Commands
// without an entry use GenericCancel.
type CancelPolicy map[common.Command]CancelEncoder

// DefaultCancelPolicy returns the policy used when none is configured
func DefaultCancelPolicy() CancelPolicy {
	return CancelPolicy{
		common.CmdLock: LockCancel,
	}
}

// encoderFor returns the encoder for cmd
func (p CancelPolicy) encoderFor(cmd common.Command) CancelEncoder {
	if enc, ok := p[cmd]; ok && enc != nil {
		return enc
	}
	return GenericCancel
}

// cancelBody is the SMB2 CANCEL request: StructureSize (4) and two reserved bytes
var cancelBody = []byte{0x04, 0x00, 0x00, 0x00}

// GenericCancel builds an SMB2 CANCEL on the mid of the target. After an
// interim response the async id identifies the target instead.
func GenericCancel(target CancelTarget) (CancelMessage, error) {
	hdr := common.Header{
		Command:   common.CmdCancel,
		MessageID: target.MessageID,
		SessionID: target.Header.SessionID,
	}
	if target.AsyncID != 0 {
		hdr.Flags |= common.FlagAsyncCommand
		hdr.AsyncID = target.AsyncID
	} else {
		hdr.ProcessID = target.Header.ProcessID
		hdr.TreeID = target.Header.TreeID
	}
	return CancelMessage{InPlace: &InPlaceMessage{Header: hdr, Body: cancelBody}}, nil
}

// --------------------------------------------------------------------------
// Lock cancel
// --------------------------------------------------------------------------

// SMB2 LOCK request layout
const (
	lockStructureSize = 48
	lockFixedSize     = 24 // StructureSize, LockCount, LockSequence, FileId
	lockElementSize   = 24 // Offset, Length, Flags, Reserved
	lockFileIDOffset  = 8
	lockFileIDSize    = 16

	LockFlagShared          = 0x00000001
	LockFlagExclusive       = 0x00000002
	LockFlagUnlock          = 0x00000004
	LockFlagFailImmediately = 0x00000010
)

var errBadLockRequest = errors.New("not a valid LOCK request body")

// LockCancel releases the ranges of a pending LOCK with a new LOCK request
// on the same file that unlocks every range. Not every server honours
// CANCEL for blocking locks.
func LockCancel(target CancelTarget) (CancelMessage, error) {
	body := target.Body
	if len(body) < lockFixedSize || binary.LittleEndian.Uint16(body[0:2]) != lockStructureSize {
		return CancelMessage{}, errBadLockRequest
	}
	count := int(binary.LittleEndian.Uint16(body[2:4]))
	if count == 0 || len(body) < lockFixedSize+count*lockElementSize {
		return CancelMessage{}, fmt.Errorf("%w: %d lock elements in %d bytes", errBadLockRequest, count, len(body))
	}

	out := make([]byte, lockFixedSize+count*lockElementSize)
	binary.LittleEndian.PutUint16(out[0:2], lockStructureSize)
	binary.LittleEndian.PutUint16(out[2:4], uint16(count))
	copy(out[lockFileIDOffset:lockFileIDOffset+lockFileIDSize], body[lockFileIDOffset:lockFileIDOffset+lockFileIDSize])
	for i := 0; i < count; i++ {
		src := body[lockFixedSize+i*lockElementSize:]
		dst := out[lockFixedSize+i*lockElementSize:]
		copy(dst[0:16], src[0:16]) // offset and length
		binary.LittleEndian.PutUint32(dst[16:20], LockFlagUnlock)
	}

	return CancelMessage{Request: &transport.Request{
		Command:   common.CmdLock,
		TreeID:    target.Header.TreeID,
		SessionID: target.Header.SessionID,
		Body:      [][]byte{out},
	}}, nil
}

// --------------------------------------------------------------------------
// Cancellation protocol
// --------------------------------------------------------------------------

// interrupt runs when the caller of a blocking request gave up. It sends the
// cancel, waits up to CancelWait for the server, and then either consumes
// the response that arrived or hands the request over to the receiver.
func (c *clientConnection) interrupt(req *pendingRequest, cause error) (*transport.Response, error) {
	c.parent.metrics.cancelled.Inc()
	interrupted := fmt.Errorf("mid %d (%s): %w: %w", req.mid, req.command, common.ErrInterrupted, cause)

	if req.getState() == stateSubmitted {
		c.sendCancel(req)
	}

	if wait := c.parent.config.CancelWait(); wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-req.notify.done:
			timer.Stop()
			return c.consumeInterrupted(req, interrupted)
		case <-timer.C:
		}
	}

	if req.abandon() {
		Logger.Debugf("mid %d orphaned after cancel", req.mid)
		return nil, interrupted
	}

	// completed between the cancel and abandon, done is closed right after
	<-req.notify.done
	return c.consumeInterrupted(req, interrupted)
}

// consumeInterrupted takes the result of a request whose caller gave up.
// A real response wins, a cancel acknowledgement is reported as interruption.
func (c *clientConnection) consumeInterrupted(req *pendingRequest, interrupted error) (*transport.Response, error) {
	resp, err := c.consume(req)
	if err != nil {
		return nil, err
	}
	if resp.Header.Status == common.StatusCancelled {
		resp.Release()
		return nil, interrupted
	}
	return resp, nil
}

// sendCancel builds the cancel for req with the configured policy and sends it
func (c *clientConnection) sendCancel(req *pendingRequest) {
	target := CancelTarget{
		MessageID: req.mid,
		AsyncID:   req.getAsyncID(),
		Header:    req.header,
		Body:      joinFragments(req.body),
	}

	msg, err := c.parent.cancelPolicy.encoderFor(req.command)(target)
	if err != nil {
		Logger.Warningf("Cancel encoder for %s failed, falling back to CANCEL: %v", req.command, err)
		msg, _ = GenericCancel(target)
	}

	if msg.Request != nil {
		if _, err := c.submit(context.Background(), msg.Request, discardNotifier(), false); err != nil {
			Logger.Warningf("Failed to send %s cancelling mid %d: %v", msg.Request.Command, req.mid, err)
		}
		return
	}

	hdr := msg.InPlace.Header
	hdr.MessageID = req.mid
	frame := [][]byte{hdr.Bytes(), msg.InPlace.Body}
	if err := c.send(req, frame, false); err != nil {
		if errors.Is(err, errStaleRequest) {
			Logger.Debugf("mid %d completed before its CANCEL was sent", req.mid)
			return
		}
		Logger.Warningf("Failed to send CANCEL for mid %d: %v", req.mid, err)
	}
}

func joinFragments(frags [][]byte) []byte {
	if len(frags) == 1 {
		return frags[0]
	}
	var n int
	for _, f := range frags {
		n += len(f)
	}
	out := make([]byte, 0, n)
	for _, f := range frags {
		out = append(out, f...)
	}
	return out
}
