package telemetry

import "sync"

// pendingEvent pairs a queued event with its pre-computed estimated size,
// so checkpointing never re-measures an event it's already budgeted.
type pendingEvent struct {
	event FlagAssigned
	size  int
}

// AssignLogger queues one FlagAssigned event per apply-eligible resolve and
// drains them into checkpoints, optionally bounded by an approximate
// encoded-byte budget. It has no bearing on resolve counters — those live
// in ResolveLogger — so the two can checkpoint independently of each other.
type AssignLogger struct {
	queueMu sync.Mutex
	queue   []FlagAssigned

	stateMu      sync.Mutex
	pending      []pendingEvent
	pendingBytes int
}

func NewAssignLogger() *AssignLogger {
	return &AssignLogger{}
}

// LogAssigns records one resolve's apply-eligible flags as a single queued
// event. Safe for concurrent use by many resolve calls.
func (l *AssignLogger) LogAssigns(event FlagAssigned) {
	l.queueMu.Lock()
	l.queue = append(l.queue, event)
	l.queueMu.Unlock()
}

func (l *AssignLogger) pop() (FlagAssigned, bool) {
	l.queueMu.Lock()
	defer l.queueMu.Unlock()
	if len(l.queue) == 0 {
		return FlagAssigned{}, false
	}
	ev := l.queue[0]
	l.queue = l.queue[1:]
	return ev, true
}

// Checkpoint drains every currently-queued event unconditionally.
func (l *AssignLogger) Checkpoint() WriteFlagLogsRequest {
	var req WriteFlagLogsRequest
	l.CheckpointFillWithLimit(&req, -1, false)
	return req
}

// CheckpointWithLimit drains at most limitBytes worth of estimated event
// size. When requireFull is true, nothing is flushed until the queue has
// accumulated at least limitBytes of pending events (except that a single
// event already larger than limitBytes is always flushed alone, to
// guarantee forward progress).
func (l *AssignLogger) CheckpointWithLimit(limitBytes int, requireFull bool) WriteFlagLogsRequest {
	var req WriteFlagLogsRequest
	l.CheckpointFillWithLimit(&req, limitBytes, requireFull)
	return req
}

// CheckpointFillWithLimit appends into an existing request, returning the
// number of bytes written. limitBytes < 0 means unbounded.
func (l *AssignLogger) CheckpointFillWithLimit(req *WriteFlagLogsRequest, limitBytes int, requireFull bool) int {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()

	start := req.encodedLen()
	unbounded := limitBytes < 0
	remaining := limitBytes - start
	if !unbounded {
		if remaining < 0 {
			remaining = 0
		}
	}

	for unbounded || l.pendingBytes < remaining {
		ev, ok := l.pop()
		if !ok {
			break
		}
		size := eventEncodedLen(ev)
		l.pending = append(l.pending, pendingEvent{event: ev, size: size})
		l.pendingBytes += size
	}

	written := 0
	if unbounded || l.pendingBytes >= remaining || !requireFull {
		for len(l.pending) > 0 {
			next := l.pending[0]
			fits := unbounded || written+next.size <= remaining || (written == 0 && start == 0)
			if !fits {
				break
			}
			written += next.size
			req.FlagAssigned = append(req.FlagAssigned, next.event)
			l.pending = l.pending[1:]
		}
		l.pendingBytes -= written
		if l.pendingBytes < 0 {
			l.pendingBytes = 0
		}
	}
	return written
}

// eventEncodedLen approximates one event's on-wire length including the
// length-delimiter and field-tag overhead a real protobuf encoding would
// add, so a byte budget configured against expected wire sizes still
// behaves sensibly against this estimate.
func eventEncodedLen(ev FlagAssigned) int {
	length := estimateFlagAssignedLen(ev)
	return length + varintLen(length) + 1
}

func varintLen(n int) int {
	if n <= 0 {
		return 1
	}
	count := 0
	for n > 0 {
		count++
		n >>= 7
	}
	return count
}
