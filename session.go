package corewire

import (
	"context"
	"log/slog"
	"sync"
)

// SessionRunState mirrors AgentState for a conversation's active stream.
type SessionRunState int32

const (
	RunIdle SessionRunState = iota
	RunProcessing
	RunCompleted
	RunFailed
	RunCancelled
)

func (s SessionRunState) IsTerminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// subscriberBufferSize bounds each reconnecting subscriber's live channel.
// When a slow consumer falls behind, the oldest buffered update is dropped
// rather than blocking the session's producer — matching the same
// never-block-the-writer posture as AgentHandle's channel-close barrier.
const subscriberBufferSize = 64

type subscriber struct {
	ch     chan ResponseUpdate
	cursor int
}

// Session owns one conversation's replay buffer and live subscriber set. A
// new Session is created lazily by the Monitor the first time a
// ConversationKey is seen and lives for the process lifetime of that key.
type Session struct {
	key    ConversationKey
	logger *slog.Logger

	mu          sync.Mutex
	state       SessionRunState
	buffer      []ResponseUpdate
	subscribers map[int]*subscriber
	nextSubID   int
	seq         uint64

	pending *ApprovalRequest
	approve chan ApprovalResult

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSession creates an idle session for key.
func NewSession(key ConversationKey, logger *slog.Logger) *Session {
	if logger == nil {
		logger = nopLogger
	}
	return &Session{
		key:         key,
		logger:      logger,
		subscribers: make(map[int]*subscriber),
		done:        make(chan struct{}),
	}
}

// State returns the current run state.
func (s *Session) State() SessionRunState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// beginRun resets the buffer, marks the session Processing, and wires a
// cancellable context for the run. Returns the run context and a function
// the Monitor must call exactly once when the run finishes.
func (s *Session) beginRun(ctx context.Context) (context.Context, func(cancelled bool)) {
	s.mu.Lock()
	s.state = RunProcessing
	s.buffer = nil
	s.seq = 0
	s.done = make(chan struct{})
	for id, sub := range s.subscribers {
		close(sub.ch)
		delete(s.subscribers, id)
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	done := s.done
	s.mu.Unlock()

	finish := func(cancelled bool) {
		s.mu.Lock()
		if cancelled {
			s.state = RunCancelled
		} else {
			s.state = RunCompleted
		}
		s.mu.Unlock()
		close(done)
	}
	return runCtx, finish
}

// Cancel stops the active run, if any, and resolves any pending approval
// with a synthetic rejection so the blocked tool call unwinds promptly.
func (s *Session) Cancel() {
	s.mu.Lock()
	cancel := s.cancel
	pending := s.approve
	s.pending = nil
	s.approve = nil
	s.mu.Unlock()

	if pending != nil {
		select {
		case pending <- ApprovalResult{Decision: DecisionRejected}:
		default:
		}
	}
	if cancel != nil {
		cancel()
	}
}

// Append adds an update to the replay buffer and broadcasts it to every live
// subscriber. Subscribers that are not keeping up have their oldest buffered
// update dropped (never block the append path).
func (s *Session) Append(u ResponseUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	u.Seq = s.seq
	s.buffer = append(s.buffer, u)
	for _, sub := range s.subscribers {
		select {
		case sub.ch <- u:
		default:
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- u:
			default:
			}
		}
	}
}

// Subscribe returns a channel that first replays every update currently in
// the buffer, then streams live updates as they're appended. The channel is
// closed when the run reaches a terminal state and has been fully drained,
// or when ctx is cancelled.
func (s *Session) Subscribe(ctx context.Context) <-chan ResponseUpdate {
	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	sub := &subscriber{ch: make(chan ResponseUpdate, subscriberBufferSize)}
	replay := append([]ResponseUpdate(nil), s.buffer...)
	s.subscribers[id] = sub
	s.mu.Unlock()

	out := make(chan ResponseUpdate, subscriberBufferSize)
	go func() {
		defer close(out)
		defer s.unsubscribe(id)
		for _, u := range replay {
			select {
			case out <- u:
			case <-ctx.Done():
				return
			}
			if u.IsTerminal() {
				return
			}
		}
		for {
			select {
			case u, ok := <-sub.ch:
				if !ok {
					return
				}
				select {
				case out <- u:
				case <-ctx.Done():
					return
				}
				if u.IsTerminal() {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (s *Session) unsubscribe(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.subscribers[id]; ok {
		close(sub.ch)
		delete(s.subscribers, id)
	}
}

// GetStreamState reports the run state and the current buffer length, which
// a reconnecting client uses to decide whether to Subscribe at all.
func (s *Session) GetStreamState() (SessionRunState, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, len(s.buffer)
}

// requestApproval registers req as the session's single pending approval and
// blocks until Resolve is called, the session is cancelled, or ctx is done.
// Returns an error if an approval is already pending (at-most-one invariant).
func (s *Session) requestApproval(ctx context.Context, req *ApprovalRequest) (ApprovalResult, error) {
	s.mu.Lock()
	if s.pending != nil {
		s.mu.Unlock()
		return ApprovalResult{}, errApprovalAlreadyPending
	}
	ch := make(chan ApprovalResult, 1)
	s.pending = req
	s.approve = ch
	s.mu.Unlock()

	s.Append(ResponseUpdate{Kind: UpdateApprovalPending, Approval: req})

	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		return ApprovalResult{Decision: DecisionRejected}, ctx.Err()
	}
}

// GetPendingApproval returns the session's single outstanding approval
// request, if any — used by reconnecting clients per the reconnect protocol.
func (s *Session) GetPendingApproval() (*ApprovalRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending, s.pending != nil
}

// ResolveApproval answers the session's pending approval request, if its ID
// matches. Mismatched or duplicate resolutions are no-ops, matching
// ErrSuspended's single-use resume semantics.
func (s *Session) ResolveApproval(approvalID string, result ApprovalResult) bool {
	s.mu.Lock()
	if s.pending == nil || s.pending.ID != approvalID {
		s.mu.Unlock()
		return false
	}
	ch := s.approve
	s.pending = nil
	s.approve = nil
	s.mu.Unlock()

	select {
	case ch <- result:
		return true
	default:
		return false
	}
}
