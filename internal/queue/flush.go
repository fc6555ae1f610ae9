package queue

import (
	"context"
	"time"

	"github.com/goccy/go-json"

	"lifeline/internal/logging"
)

// slowFlush is the pass duration above which a flush is logged as a warning.
const slowFlush = 30 * time.Second

// FlushResult summarizes one pass over the pending list.
type FlushResult struct {
	Attempted            int
	Replayed             int
	Kept                 int
	CredentialsRefreshed bool
}

// Flush replays every persisted action in order. Actions that get a 2xx
// answer are removed; the rest stay for the next pass.
//
// The final write re-reads the list and removes only what this pass
// replayed, so actions queued meanwhile, or kept by an overlapping pass,
// survive exactly once.
func (q *Queue) Flush(ctx context.Context) FlushResult {
	timer := logging.StartTimer(logging.CategoryQueue, "flush")
	defer timer.StopWithThreshold(slowFlush)

	q.listMu.Lock()
	snapshot := q.load(ctx)
	q.listMu.Unlock()

	var result FlushResult
	if len(snapshot) == 0 {
		return result
	}

	replayed := make(map[string]bool, len(snapshot))
	for _, a := range snapshot {
		if ctx.Err() != nil {
			break
		}
		result.Attempted++
		ok, refreshed := q.replay(ctx, a)
		if ok {
			replayed[a.ID] = true
			result.Replayed++
		}
		if refreshed {
			result.CredentialsRefreshed = true
		}
	}

	q.listMu.Lock()
	current := q.load(ctx)
	remaining := make([]Action, 0, len(current))
	for _, a := range current {
		if !replayed[a.ID] {
			remaining = append(remaining, a)
		}
	}
	if len(replayed) > 0 {
		q.save(ctx, remaining)
	}
	q.listMu.Unlock()

	result.Kept = len(remaining)
	logging.Queue("flush: attempted=%d replayed=%d kept=%d", result.Attempted, result.Replayed, result.Kept)
	return result
}

// replay makes one attempt. ok means the action is done and can be dropped.
func (q *Queue) replay(ctx context.Context, a Action) (ok bool, refreshed bool) {
	resp, err := q.transport.Do(ctx, a.URL, a.Options)
	if err != nil {
		logging.QueueDebug("replay %s: network error, keeping: %v", a.ID, err)
		return false, false
	}
	if !resp.OK() {
		// 4xx and 5xx alike stay queued.
		logging.QueueWarn("replay %s: status %d, keeping", a.ID, resp.StatusCode)
		return false, false
	}

	if resp.Truncated {
		logging.QueueWarn("replay %s: response truncated, credentials not read", a.ID)
		return true, false
	}
	token, username := tokenFromResponse(resp)
	if token == "" || q.creds == nil {
		return true, false
	}

	if username == "" {
		if email, ok := q.creds.PendingLoginEmail(ctx); ok {
			username = email
		}
	}
	if username == "" {
		username = identityFromRequest(a.Options.Body)
	}

	if err := q.creds.Store(ctx, token, username); err != nil {
		logging.QueueWarn("replay %s: could not store credentials: %v", a.ID, err)
		return true, false
	}
	q.creds.ClearPendingLoginEmail(ctx)
	logging.Queue("replay %s: refreshed credentials for %q", a.ID, username)
	return true, true
}

// tokenFromResponse pulls token and username out of a JSON object body.
// Anything that is not an object with a non-empty string token yields "".
func tokenFromResponse(resp *Response) (token, username string) {
	var fields map[string]interface{}
	if err := resp.JSON(&fields); err != nil {
		return "", ""
	}
	token, _ = fields["token"].(string)
	username, _ = fields["username"].(string)
	return token, username
}

// identityFromRequest finds a username or email in the original request body.
func identityFromRequest(body string) string {
	if body == "" {
		return ""
	}
	var fields map[string]interface{}
	if err := json.Unmarshal([]byte(body), &fields); err != nil {
		return ""
	}
	if s, _ := fields["username"].(string); s != "" {
		return s
	}
	s, _ := fields["email"].(string)
	return s
}
