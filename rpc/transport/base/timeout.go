package base

import (
	"fmt"
	"time"

	"github.com/ValentinKolb/dSMB/rpc/common"
)

const (
	minReaperInterval = 10 * time.Millisecond
	maxReaperInterval = time.Second
)

// reaperInterval returns how often deadlines are checked for timeout
func reaperInterval(timeout time.Duration) time.Duration {
	interval := timeout / 4
	if interval < minReaperInterval {
		return minReaperInterval
	}
	if interval > maxReaperInterval {
		return maxReaperInterval
	}
	return interval
}

// trackDeadline records when req has to be answered. It returns false and
// records nothing if req is already terminal. complete removes the deadline
// after finishing the request, so checking the state under deadlineMu
// leaves no deadline behind for a finished request. Requests that went
// async (interim STATUS_PENDING) are untracked, the server acknowledged them.
func (c *clientConnection) trackDeadline(req *pendingRequest, sent time.Time) bool {
	c.deadlineMu.Lock()
	defer c.deadlineMu.Unlock()
	if req.getState() != stateSubmitted {
		return false
	}
	if timeout := c.parent.config.Timeout(); timeout > 0 {
		c.deadlines.AddItem(req.mid, uint64(sent.Add(timeout).UnixNano()))
	}
	return true
}

func (c *clientConnection) untrackDeadline(mid uint64) {
	c.deadlineMu.Lock()
	c.deadlines.RemoveByKey(mid)
	c.deadlineMu.Unlock()
}

// runReaper periodically checks the oldest deadline until the connection stops
func (c *clientConnection) runReaper() {
	defer c.wg.Done()

	timeout := c.parent.config.Timeout()
	if timeout <= 0 {
		return
	}

	ticker := time.NewTicker(reaperInterval(timeout))
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case now := <-ticker.C:
			c.reapExpired(now)
		}
	}
}

// reapExpired declares the server unresponsive if the oldest request missed
// its deadline. The connection is reset, so every pending request fails
// with a retryable error. It returns true if the connection was reset.
func (c *clientConnection) reapExpired(now time.Time) bool {
	c.deadlineMu.Lock()
	mid, deadline, ok := c.deadlines.Peek()
	c.deadlineMu.Unlock()

	if !ok || uint64(now.UnixNano()) < deadline {
		return false
	}
	if _, live := c.registry.lookup(mid); !live {
		c.untrackDeadline(mid)
		Logger.Warningf("Dropped deadline of deleted mid %d on %s", mid, c.endpoint)
		return false
	}
	if c.State() != StateGood {
		return false
	}

	c.parent.metrics.timeouts.Inc()
	Logger.Warningf("mid %d on %s unanswered for more than %s, resetting connection",
		mid, c.endpoint, c.parent.config.Timeout())
	c.markNeedReconnect(fmt.Errorf("mid %d: %w", mid, common.ErrTimeout))
	return true
}
