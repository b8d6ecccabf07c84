package queue_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"torii/queue"
)

const testOrigin = "site.example"
const testURL = "https://site.example/watch/1"

// waitForPending polls until n requests are queued for the origin. It is
// called from worker goroutines, so it gives up silently after the deadline
// instead of failing the test; the result assertions catch the fallout.
func waitForPending(t *testing.T, q *queue.Queue, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for q.PendingFor(testOrigin) < n && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
}

func TestOrigin(t *testing.T) {
	assert.Equal(t, "site.example", queue.Origin("https://site.example/watch/1"))
	assert.Equal(t, "site.example", queue.Origin("https://www.site.example/"))
	assert.Equal(t, "", queue.Origin("://not-a-url"))
}

func TestUncoalescibleURLRunsDirectly(t *testing.T) {
	q := queue.New(nil, nil)
	res := q.Enqueue(context.Background(), "://not-a-url", func(ctx context.Context) queue.Result {
		return queue.Success([]byte("ok"), 200, "x")
	})
	assert.True(t, res.OK)
}

// A burst of K cold requests against a challenged origin triggers exactly one
// solve; every request completes successfully.
func TestBurstCoalescesToOneSolve(t *testing.T) {
	const k = 8

	var solved atomic.Bool
	var solveCount, actionCount atomic.Int32

	var q *queue.Queue
	solve := func(ctx context.Context, solveURL string) queue.Result {
		// Hold the solve until the whole burst is queued behind the leader.
		waitForPending(t, q, k)
		solveCount.Add(1)
		solved.Store(true)
		return queue.Success([]byte("solved"), 200, solveURL)
	}
	q = queue.New(solve, nil)

	action := func(ctx context.Context) queue.Result {
		actionCount.Add(1)
		if !solved.Load() {
			return queue.Blocked(503, testURL, []byte("just a moment"))
		}
		return queue.Success([]byte("content"), 200, testURL)
	}

	results := make([]queue.Result, k)
	var wg sync.WaitGroup
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = q.Enqueue(context.Background(), testURL, action)
		}(i)
	}
	wg.Wait()

	for i, res := range results {
		assert.True(t, res.OK, "request %d should succeed", i)
	}
	assert.Equal(t, int32(1), solveCount.Load(), "exactly one solve for the whole burst")
	// Leader (blocked + retry) plus one action per follower.
	assert.Equal(t, int32(k+1), actionCount.Load())
	assert.Equal(t, 0, q.PendingFor(testOrigin), "deque drained")
}

// A non-challenge leader failure fails every follower with the same reason
// without running their actions.
func TestLeaderFailureFailsFollowers(t *testing.T) {
	const k = 4
	var actionCount atomic.Int32

	var q *queue.Queue
	q = queue.New(nil, nil)

	action := func(ctx context.Context) queue.Result {
		actionCount.Add(1)
		waitForPending(t, q, k)
		return queue.Failure(queue.KindNetwork, "connection refused")
	}

	results := make([]queue.Result, k)
	var wg sync.WaitGroup
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = q.Enqueue(context.Background(), testURL, action)
		}(i)
	}
	wg.Wait()

	for i, res := range results {
		assert.False(t, res.OK, "request %d", i)
		assert.Equal(t, queue.KindNetwork, res.Kind)
	}
	assert.Equal(t, int32(1), actionCount.Load(), "followers never execute on fail-all")
}

// A failed solve fails the whole batch as unsolvable.
func TestSolveFailureFailsBatch(t *testing.T) {
	const k = 3

	var q *queue.Queue
	solve := func(ctx context.Context, solveURL string) queue.Result {
		waitForPending(t, q, k)
		return queue.Failure(queue.KindUnsolvable, "both modes timed out")
	}
	q = queue.New(solve, nil)

	action := func(ctx context.Context) queue.Result {
		return queue.Blocked(403, testURL, []byte("checking your browser"))
	}

	results := make([]queue.Result, k)
	var wg sync.WaitGroup
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = q.Enqueue(context.Background(), testURL, action)
		}(i)
	}
	wg.Wait()

	for _, res := range results {
		assert.False(t, res.OK)
		assert.Equal(t, queue.KindUnsolvable, res.Kind)
	}
}

// After a solve, the first follower verifies the session. When verification
// fails, all remaining followers fail too, but a later request starts fresh.
func TestVerifierFailureFailsBatchOnly(t *testing.T) {
	const followers = 3

	var leaderDone atomic.Bool
	var followerRuns atomic.Int32

	var q *queue.Queue
	solve := func(ctx context.Context, solveURL string) queue.Result {
		waitForPending(t, q, followers+1)
		return queue.Success([]byte("solved"), 200, solveURL)
	}
	q = queue.New(solve, nil)

	leaderAction := func(ctx context.Context) queue.Result {
		if leaderDone.Load() {
			return queue.Success([]byte("retry ok"), 200, testURL)
		}
		leaderDone.Store(true)
		return queue.Blocked(503, testURL, []byte("just a moment"))
	}
	followerAction := func(ctx context.Context) queue.Result {
		followerRuns.Add(1)
		return queue.Failure(queue.KindNetwork, "still broken")
	}

	var wg sync.WaitGroup
	var leaderRes queue.Result
	wg.Add(1)
	go func() {
		defer wg.Done()
		leaderRes = q.Enqueue(context.Background(), testURL, leaderAction)
	}()
	waitForPending(t, q, 1)

	followerRes := make([]queue.Result, followers)
	for i := 0; i < followers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			followerRes[i] = q.Enqueue(context.Background(), testURL, followerAction)
		}(i)
	}
	wg.Wait()

	assert.True(t, leaderRes.OK, "leader retry succeeded")
	for i, res := range followerRes {
		assert.False(t, res.OK, "follower %d", i)
		assert.Equal(t, queue.KindVerificationFailed, res.Kind)
	}
	assert.Equal(t, int32(1), followerRuns.Load(), "only the verifier executed")

	// A fresh request after the failed batch starts a new leader cycle.
	res := q.Enqueue(context.Background(), testURL, func(ctx context.Context) queue.Result {
		return queue.Success([]byte("fresh"), 200, testURL)
	})
	assert.True(t, res.OK)
}

// Cancelling the leader promotes the next queued request instead of failing
// the batch.
func TestLeaderCancellationPromotesFollower(t *testing.T) {
	var q *queue.Queue
	q = queue.New(nil, nil)

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leaderAction := func(ctx context.Context) queue.Result {
		<-ctx.Done()
		return queue.Cancelled()
	}

	var wg sync.WaitGroup
	var leaderRes, followerRes queue.Result

	wg.Add(1)
	go func() {
		defer wg.Done()
		leaderRes = q.Enqueue(leaderCtx, testURL, leaderAction)
	}()
	waitForPending(t, q, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		followerRes = q.Enqueue(context.Background(), testURL, func(ctx context.Context) queue.Result {
			return queue.Success([]byte("promoted"), 200, testURL)
		})
	}()
	waitForPending(t, q, 2)

	cancelLeader()
	wg.Wait()

	assert.Equal(t, queue.KindCancelled, leaderRes.Kind)
	assert.True(t, followerRes.OK, "follower inherited the leader slot")
}

// Cancelling the leader and the next-in-line together must not strand the
// rest of the batch, whichever order the cancellations land in.
func TestLeaderAndHeadFollowerCancelled(t *testing.T) {
	for i := 0; i < 25; i++ {
		var q *queue.Queue
		q = queue.New(nil, nil)

		leaderCtx, cancelLeader := context.WithCancel(context.Background())
		headCtx, cancelHead := context.WithCancel(context.Background())

		leaderAction := func(ctx context.Context) queue.Result {
			<-ctx.Done()
			return queue.Cancelled()
		}
		okAction := func(ctx context.Context) queue.Result {
			return queue.Success([]byte("ok"), 200, testURL)
		}

		var wg sync.WaitGroup
		var survivorRes queue.Result

		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Enqueue(leaderCtx, testURL, leaderAction)
		}()
		waitForPending(t, q, 1)

		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Enqueue(headCtx, testURL, okAction)
		}()
		waitForPending(t, q, 2)

		wg.Add(1)
		go func() {
			defer wg.Done()
			survivorRes = q.Enqueue(context.Background(), testURL, okAction)
		}()
		waitForPending(t, q, 3)

		if i%2 == 0 {
			cancelHead()
			cancelLeader()
		} else {
			cancelLeader()
			cancelHead()
		}
		wg.Wait()

		assert.True(t, survivorRes.OK, "iteration %d: last request must still complete", i)
	}
}

// A cancelled follower detaches without disturbing the rest of the batch.
func TestFollowerCancellation(t *testing.T) {
	release := make(chan struct{})

	var q *queue.Queue
	q = queue.New(nil, nil)

	leaderAction := func(ctx context.Context) queue.Result {
		<-release
		return queue.Success([]byte("ok"), 200, testURL)
	}

	var wg sync.WaitGroup
	var leaderRes, followerRes queue.Result

	wg.Add(1)
	go func() {
		defer wg.Done()
		leaderRes = q.Enqueue(context.Background(), testURL, leaderAction)
	}()
	waitForPending(t, q, 1)

	followerCtx, cancelFollower := context.WithCancel(context.Background())
	wg.Add(1)
	go func() {
		defer wg.Done()
		followerRes = q.Enqueue(followerCtx, testURL, func(ctx context.Context) queue.Result {
			return queue.Success([]byte("never"), 200, testURL)
		})
	}()
	waitForPending(t, q, 2)

	cancelFollower()
	require.Eventually(t, func() bool {
		return q.PendingFor(testOrigin) == 1
	}, 5*time.Second, 2*time.Millisecond)

	close(release)
	wg.Wait()

	assert.True(t, leaderRes.OK)
	assert.Equal(t, queue.KindCancelled, followerRes.Kind)
}
