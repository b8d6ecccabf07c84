// Package queue coalesces concurrent requests per origin so a burst against
// a challenge-gated site triggers at most one challenge solve. The first
// request for an origin becomes the leader and walks the risky path
// (direct, solve, retry); everyone queued behind it either shares the
// leader's fate or re-runs their own action once the leader has proven the
// new session works.
package queue

import (
	"context"
	"log"
	"net/url"
	"sync"

	"torii/session"
)

// Action performs the request a PendingRequest was enqueued with.
type Action func(ctx context.Context) Result

// SolveFunc runs the challenge-solving path for a URL.
type SolveFunc func(ctx context.Context, solveURL string) Result

// RedirectFunc is notified before a solve when the challenge redirected to
// a different origin, so cookies land against the new origin.
type RedirectFunc func(oldOrigin, newOrigin string)

type pendingRequest struct {
	ctx    context.Context
	url    string
	action Action
	done   chan Result   // buffered; fulfilled at most once
	lead   chan struct{} // closed to promote this request to leader
}

// Queue is a per-origin leader-follower coalescer.
type Queue struct {
	mu      sync.Mutex
	pending map[string][]*pendingRequest

	solve      SolveFunc
	onRedirect RedirectFunc
}

// New builds a queue. solve runs the challenge path for a blocked leader;
// onRedirect may be nil.
func New(solve SolveFunc, onRedirect RedirectFunc) *Queue {
	return &Queue{
		pending:    make(map[string][]*pendingRequest),
		solve:      solve,
		onRedirect: onRedirect,
	}
}

// Enqueue registers the request and blocks until it completes. Requests for
// a URL with no extractable origin are not coalesced and run directly.
func (q *Queue) Enqueue(ctx context.Context, rawURL string, action Action) Result {
	origin := Origin(rawURL)
	if origin == "" {
		return action(ctx)
	}

	pr := &pendingRequest{
		ctx:    ctx,
		url:    rawURL,
		action: action,
		done:   make(chan Result, 1),
		lead:   make(chan struct{}),
	}

	q.mu.Lock()
	q.pending[origin] = append(q.pending[origin], pr)
	isLeader := len(q.pending[origin]) == 1
	q.mu.Unlock()

	if isLeader {
		return q.runLeader(origin, pr)
	}

	select {
	case res := <-pr.done:
		return res
	case <-pr.lead:
		// The previous leader was cancelled; this request inherits the slot.
		return q.runLeader(origin, pr)
	case <-ctx.Done():
		q.remove(origin, pr)
		return Cancelled()
	}
}

// runLeader executes the leader protocol. The queue mutex is never held
// across action execution or the challenge solve.
func (q *Queue) runLeader(origin string, leader *pendingRequest) Result {
	res := leader.action(leader.ctx)

	if leader.ctx.Err() != nil || res.Kind == KindCancelled {
		// A cancelled leader must not take its followers down; hand the
		// slot to the next request in line.
		q.promoteNext(origin, leader)
		return Cancelled()
	}

	if res.OK {
		q.parallelFanout(origin, leader)
		return res
	}

	if !res.ChallengeBlocked {
		q.failAll(origin, leader, Failure(res.Kind, res.Reason))
		return res
	}

	// Challenge path. Solve against the URL the CDN actually served the
	// challenge from; a redirect there means the origin moved.
	solveURL := res.FinalURL
	if solveURL == "" {
		solveURL = leader.url
	}
	if newOrigin := Origin(solveURL); newOrigin != "" && newOrigin != origin && q.onRedirect != nil {
		q.onRedirect(origin, newOrigin)
	}

	solveRes := q.solve(leader.ctx, solveURL)
	if !solveRes.OK {
		log.Printf("[RequestQueue:%s] challenge solve failed: %s", origin, solveRes.Reason)
		q.failAll(origin, leader, Failure(KindUnsolvable, "CF solve failed"))
		return solveRes
	}

	retry := leader.action(leader.ctx)
	if retry.ChallengeBlocked {
		// A second challenge right after a successful solve is not
		// re-entered; looping solves is worse than failing.
		retry.Kind = KindUnsolvable
		retry.Reason = "challenge persisted after solve"
	}
	q.verifyThenFanout(origin, leader)
	return retry
}

// parallelFanout drains the origin's deque and runs every remaining request
// independently.
func (q *Queue) parallelFanout(origin string, leader *pendingRequest) {
	followers := q.drain(origin, leader)
	for _, f := range followers {
		go func(f *pendingRequest) {
			f.done <- f.action(f.ctx)
		}(f)
	}
}

// verifyThenFanout runs the first follower sequentially to confirm the
// post-solve session actually works, then releases the rest in parallel. A
// verifier failure is terminal for the whole batch; nobody is re-queued.
func (q *Queue) verifyThenFanout(origin string, leader *pendingRequest) {
	followers := q.drain(origin, leader)
	if len(followers) == 0 {
		return
	}

	verifier := followers[0]
	vres := verifier.action(verifier.ctx)
	if vres.OK {
		verifier.done <- vres
		for _, f := range followers[1:] {
			go func(f *pendingRequest) {
				f.done <- f.action(f.ctx)
			}(f)
		}
		return
	}

	log.Printf("[RequestQueue:%s] post-solve verification failed, failing batch of %d",
		origin, len(followers))
	failure := Failure(KindVerificationFailed, "verification failed after challenge solve")
	verifier.done <- failure
	for _, f := range followers[1:] {
		f.done <- failure
	}
}

// failAll completes every follower with the given failure and drops the
// deque.
func (q *Queue) failAll(origin string, leader *pendingRequest, failure Result) {
	followers := q.drain(origin, leader)
	for _, f := range followers {
		f.done <- failure
	}
}

// drain removes the origin's deque under the lock and returns the pending
// requests other than the leader.
func (q *Queue) drain(origin string, leader *pendingRequest) []*pendingRequest {
	q.mu.Lock()
	defer q.mu.Unlock()

	deque := q.pending[origin]
	delete(q.pending, origin)

	followers := make([]*pendingRequest, 0, len(deque))
	for _, pr := range deque {
		if pr != leader {
			followers = append(followers, pr)
		}
	}
	return followers
}

// promoteNext removes a cancelled leader and wakes the next request, if
// any, as the new leader.
func (q *Queue) promoteNext(origin string, leader *pendingRequest) {
	q.mu.Lock()
	defer q.mu.Unlock()

	deque := q.pending[origin]
	rest := make([]*pendingRequest, 0, len(deque))
	for _, pr := range deque {
		if pr != leader {
			rest = append(rest, pr)
		}
	}
	if len(rest) == 0 {
		delete(q.pending, origin)
		return
	}
	q.pending[origin] = rest
	close(rest[0].lead)
}

// remove drops a single abandoned request from the deque if it is still
// queued. The leader may already have drained it; the buffered done channel
// makes that race harmless. A request can be promoted and cancelled at the
// same time: its select commits to ctx.Done while the old leader closes
// lead. The promotion would die with it, so it is passed on to the new head
// here.
func (q *Queue) remove(origin string, pr *pendingRequest) {
	q.mu.Lock()
	defer q.mu.Unlock()

	deque := q.pending[origin]
	idx := -1
	for i, p := range deque {
		if p == pr {
			idx = i
			break
		}
	}
	if idx == -1 {
		return
	}

	deque = append(deque[:idx], deque[idx+1:]...)
	if len(deque) == 0 {
		delete(q.pending, origin)
		return
	}
	q.pending[origin] = deque

	select {
	case <-pr.lead:
		if idx == 0 {
			close(deque[0].lead)
		}
	default:
	}
}

// PendingFor reports how many requests are queued for an origin. Test hook.
func (q *Queue) PendingFor(origin string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending[origin])
}

// Origin extracts the coalescing key (the bare host) from a URL. Malformed
// URLs map to "" and are never coalesced with each other.
func Origin(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return session.NormalizeHost(u.Hostname())
}
