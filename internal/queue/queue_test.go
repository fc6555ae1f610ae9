package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"lifeline/internal/auth"
	"lifeline/internal/netstate"
	"lifeline/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var errNetwork = errors.New("dial tcp: connection refused")

// fakeServer answers per URL; unknown URLs fail like a dead network.
type fakeServer struct {
	mu        sync.Mutex
	responses map[string]*Response
	calls     []string
}

func newFakeServer() *fakeServer {
	return &fakeServer{responses: make(map[string]*Response)}
}

func (f *fakeServer) answer(url string, status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[url] = &Response{StatusCode: status, Body: []byte(body)}
}

func (f *fakeServer) Do(_ context.Context, url string, _ RequestOptions) (*Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, url)
	resp, ok := f.responses[url]
	if !ok {
		return nil, errNetwork
	}
	return resp, nil
}

func (f *fakeServer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestQueue(t *testing.T, tr Transport, signal netstate.Signal) (*Queue, *auth.Cache, *store.Adapter) {
	t.Helper()
	adapter := store.NewAdapter(store.NewMemoryBackend())
	cache := auth.NewCache(adapter)
	q := New(adapter, tr, cache, signal)
	t.Cleanup(q.Close)
	return q, cache, adapter
}

func ids(actions []Action) []string {
	out := make([]string, len(actions))
	for i, a := range actions {
		out[i] = a.ID
	}
	return out
}

func TestSubmit_SuccessIsNotQueued(t *testing.T) {
	srv := newFakeServer()
	srv.answer("/notes", http.StatusCreated, `{"id":1}`)
	q, _, _ := newTestQueue(t, srv, nil)

	resp, err := q.Submit(context.Background(), "/notes", RequestOptions{Method: "POST", Body: `{"text":"hi"}`})
	require.NoError(t, err)
	assert.True(t, resp.OK())
	assert.Empty(t, q.Pending(context.Background()))
}

func TestSubmit_NetworkFailureQueues(t *testing.T) {
	srv := newFakeServer()
	q, _, _ := newTestQueue(t, srv, nil)
	ctx := context.Background()

	resp, err := q.Submit(ctx, "/notes", RequestOptions{Method: "POST"})
	assert.Nil(t, resp)
	assert.ErrorIs(t, err, ErrDeferred)
	assert.ErrorIs(t, err, errNetwork)

	pending := q.Pending(ctx)
	require.Len(t, pending, 1)
	assert.Equal(t, "/notes", pending[0].URL)
	assert.Equal(t, "POST", pending[0].Options.Method)
}

func TestSubmit_OfflineQueuesWithoutNetwork(t *testing.T) {
	srv := newFakeServer()
	srv.answer("/notes", http.StatusOK, `{}`)
	q, _, _ := newTestQueue(t, srv, netstate.NewManual(false))

	_, err := q.Submit(context.Background(), "/notes", RequestOptions{Method: "PUT"})
	assert.ErrorIs(t, err, ErrDeferred)
	assert.Equal(t, 0, srv.callCount())
	assert.Len(t, q.Pending(context.Background()), 1)
}

func TestSubmit_RejectionIsReturnedNotQueued(t *testing.T) {
	srv := newFakeServer()
	srv.answer("/notes", http.StatusUnprocessableEntity, `{"error":"bad"}`)
	q, _, _ := newTestQueue(t, srv, nil)

	resp, err := q.Submit(context.Background(), "/notes", RequestOptions{Method: "POST"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Empty(t, q.Pending(context.Background()))
}

func TestEnqueue_UniqueIDsInSubmissionOrder(t *testing.T) {
	q, _, _ := newTestQueue(t, newFakeServer(), nil)
	ctx := context.Background()

	var want []string
	for i := 0; i < 50; i++ {
		want = append(want, q.Enqueue(ctx, fmt.Sprintf("/a/%d", i), RequestOptions{}).ID)
	}

	got := ids(q.Pending(ctx))
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("pending order mismatch (-want +got):\n%s", diff)
	}
	seen := make(map[string]bool)
	for _, id := range got {
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestFlush_NetworkErrorKeepsRecordUnchanged(t *testing.T) {
	q, _, _ := newTestQueue(t, newFakeServer(), nil)
	ctx := context.Background()

	original := q.Enqueue(ctx, "/unreachable", RequestOptions{Method: "POST", Body: `{"a":1}`, Headers: map[string]string{"X-Req": "1"}})

	result := q.Flush(ctx)
	assert.Equal(t, FlushResult{Attempted: 1, Kept: 1}, result)

	pending := q.Pending(ctx)
	require.Len(t, pending, 1)
	if diff := cmp.Diff(original, pending[0]); diff != "" {
		t.Errorf("record changed after failed replay (-want +got):\n%s", diff)
	}
}

func TestFlush_RejectedIsKept(t *testing.T) {
	srv := newFakeServer()
	srv.answer("/reject", http.StatusBadRequest, `{"error":"nope"}`)
	srv.answer("/busy", http.StatusServiceUnavailable, ``)
	q, _, _ := newTestQueue(t, srv, nil)
	ctx := context.Background()

	q.Enqueue(ctx, "/reject", RequestOptions{})
	q.Enqueue(ctx, "/busy", RequestOptions{})

	result := q.Flush(ctx)
	assert.Equal(t, 0, result.Replayed)
	assert.Len(t, q.Pending(ctx), 2)
}

func TestFlush_SuccessfulReplayNeverReappears(t *testing.T) {
	srv := newFakeServer()
	srv.answer("/ok", http.StatusOK, `not json at all`)
	q, _, _ := newTestQueue(t, srv, nil)
	ctx := context.Background()

	done := q.Enqueue(ctx, "/ok", RequestOptions{})
	stuck := q.Enqueue(ctx, "/down", RequestOptions{})

	for i := 0; i < 3; i++ {
		q.Flush(ctx)
		got := ids(q.Pending(ctx))
		assert.NotContains(t, got, done.ID)
		assert.Equal(t, []string{stuck.ID}, got)
	}
}

func TestFlush_KeptRecordsKeepRelativeOrder(t *testing.T) {
	srv := newFakeServer()
	srv.answer("/ok", http.StatusNoContent, ``)
	q, _, _ := newTestQueue(t, srv, nil)
	ctx := context.Background()

	a := q.Enqueue(ctx, "/down/1", RequestOptions{})
	q.Enqueue(ctx, "/ok", RequestOptions{})
	b := q.Enqueue(ctx, "/down/2", RequestOptions{})
	q.Enqueue(ctx, "/ok", RequestOptions{})
	c := q.Enqueue(ctx, "/down/3", RequestOptions{})

	result := q.Flush(ctx)
	assert.Equal(t, 5, result.Attempted)
	assert.Equal(t, 2, result.Replayed)
	assert.Equal(t, []string{a.ID, b.ID, c.ID}, ids(q.Pending(ctx)))
}

func TestFlush_TokenAndUsernameFromResponse(t *testing.T) {
	srv := newFakeServer()
	srv.answer("/login", http.StatusOK, `{"token":"abc","username":"u1"}`)
	q, cache, _ := newTestQueue(t, srv, nil)
	ctx := context.Background()

	q.Enqueue(ctx, "/login", RequestOptions{Method: "POST", Body: `{"email":"other@example.com"}`})
	result := q.Flush(ctx)

	assert.True(t, result.CredentialsRefreshed)
	creds := cache.Read(ctx)
	assert.Equal(t, "abc", creds.TokenValue())
	assert.Equal(t, "u1", creds.UsernameValue())
	assert.Empty(t, q.Pending(ctx))
}

func TestFlush_TokenWithPendingLoginEmail(t *testing.T) {
	srv := newFakeServer()
	srv.answer("/login", http.StatusOK, `{"token":"abc"}`)
	q, cache, adapter := newTestQueue(t, srv, nil)
	ctx := context.Background()

	cache.StashLoginEmail(ctx, "u2@example.com")
	q.Enqueue(ctx, "/login", RequestOptions{Method: "POST", Body: `{"email":"body@example.com"}`})
	q.Flush(ctx)

	creds := cache.Read(ctx)
	assert.Equal(t, "abc", creds.TokenValue())
	assert.Equal(t, "u2@example.com", creds.UsernameValue())
	assert.Nil(t, adapter.Get(ctx, store.KeyPendingLoginEmail), "marker must be cleared")
}

func TestFlush_UsernameFromOriginalRequest(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"username field", `{"username":"u3","email":"u3@example.com"}`, "u3"},
		{"email field", `{"email":"u4@example.com","password":"x"}`, "u4@example.com"},
		{"no identity", `{"password":"x"}`, ""},
		{"not json", `password=x`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newFakeServer()
			srv.answer("/login", http.StatusOK, `{"token":"tok"}`)
			q, cache, _ := newTestQueue(t, srv, nil)
			ctx := context.Background()

			q.Enqueue(ctx, "/login", RequestOptions{Method: "POST", Body: tt.body})
			q.Flush(ctx)

			creds := cache.Read(ctx)
			assert.Equal(t, "tok", creds.TokenValue())
			assert.Equal(t, tt.want, creds.UsernameValue())
		})
	}
}

func TestFlush_EmptyOrNonStringTokenIsIgnored(t *testing.T) {
	srv := newFakeServer()
	srv.answer("/a", http.StatusOK, `{"token":""}`)
	srv.answer("/b", http.StatusOK, `{"token":42}`)
	srv.answer("/c", http.StatusOK, `["token"]`)
	q, cache, _ := newTestQueue(t, srv, nil)
	ctx := context.Background()

	q.Enqueue(ctx, "/a", RequestOptions{})
	q.Enqueue(ctx, "/b", RequestOptions{})
	q.Enqueue(ctx, "/c", RequestOptions{})
	result := q.Flush(ctx)

	assert.Equal(t, 3, result.Replayed)
	assert.False(t, result.CredentialsRefreshed)
	assert.False(t, cache.Read(ctx).SignedIn())
}

func TestFlush_TruncatedResponseSkipsCredentials(t *testing.T) {
	tr := TransportFunc(func(_ context.Context, _ string, _ RequestOptions) (*Response, error) {
		return &Response{StatusCode: http.StatusOK, Body: []byte(`{"token":"abc"`), Truncated: true}, nil
	})
	q, cache, _ := newTestQueue(t, tr, nil)
	ctx := context.Background()

	q.Enqueue(ctx, "/login", RequestOptions{Method: "POST"})
	result := q.Flush(ctx)

	assert.Equal(t, 1, result.Replayed)
	assert.False(t, result.CredentialsRefreshed)
	assert.False(t, cache.Read(ctx).SignedIn())
	assert.Empty(t, q.Pending(ctx))
}

func TestFlush_ActionsQueuedDuringFlushSurvive(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	tr := TransportFunc(func(ctx context.Context, url string, _ RequestOptions) (*Response, error) {
		entered <- struct{}{}
		<-release
		return &Response{StatusCode: http.StatusOK}, nil
	})
	q, _, _ := newTestQueue(t, tr, nil)
	ctx := context.Background()

	q.Enqueue(ctx, "/first", RequestOptions{})

	done := make(chan FlushResult)
	go func() { done <- q.Flush(ctx) }()
	<-entered

	late := q.Enqueue(ctx, "/late", RequestOptions{})
	close(release)
	<-done

	assert.Equal(t, []string{late.ID}, ids(q.Pending(ctx)))
}

func TestFlush_OverlappingPassesNeverDuplicate(t *testing.T) {
	var calls atomic.Int32
	tr := TransportFunc(func(ctx context.Context, url string, _ RequestOptions) (*Response, error) {
		calls.Add(1)
		time.Sleep(time.Millisecond)
		if url == "/down" {
			return nil, errNetwork
		}
		return &Response{StatusCode: http.StatusOK}, nil
	})
	q, _, _ := newTestQueue(t, tr, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		q.Enqueue(ctx, "/ok", RequestOptions{})
		q.Enqueue(ctx, "/down", RequestOptions{})
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Flush(ctx)
		}()
	}
	wg.Wait()

	pending := q.Pending(ctx)
	assert.Len(t, pending, 5)
	seen := make(map[string]bool)
	for _, a := range pending {
		assert.Equal(t, "/down", a.URL)
		assert.False(t, seen[a.ID], "duplicate record %s", a.ID)
		seen[a.ID] = true
	}
}

func TestFlush_CancelledContextKeepsUnattempted(t *testing.T) {
	q, _, _ := newTestQueue(t, newFakeServer(), nil)
	ctx, cancel := context.WithCancel(context.Background())

	q.Enqueue(ctx, "/a", RequestOptions{})
	q.Enqueue(ctx, "/b", RequestOptions{})
	cancel()

	result := q.Flush(ctx)
	assert.Equal(t, 0, result.Attempted)
	assert.Len(t, q.Pending(context.Background()), 2)
}

func TestFlush_DurableAcrossQueueInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs.db")
	ctx := context.Background()

	first := store.Open(store.Options{Driver: store.DriverPreferences, SQLiteDriver: "sqlite", Path: path})
	q1 := New(first, newFakeServer(), auth.NewCache(first), nil)
	queued := q1.Enqueue(ctx, "/later", RequestOptions{Method: "DELETE"})
	q1.Close()
	require.NoError(t, first.Close())

	srv := newFakeServer()
	srv.answer("/later", http.StatusOK, `{}`)
	second := store.Open(store.Options{Driver: store.DriverPreferences, SQLiteDriver: "sqlite", Path: path})
	defer second.Close()
	q2 := New(second, srv, auth.NewCache(second), nil)
	defer q2.Close()

	require.Equal(t, []string{queued.ID}, ids(q2.Pending(ctx)))
	result := q2.Flush(ctx)
	assert.Equal(t, 1, result.Replayed)
	assert.Empty(t, q2.Pending(ctx))
}

func TestInit_FlushesAndSubscribesOnce(t *testing.T) {
	srv := newFakeServer()
	signal := netstate.NewManual(true)
	q, cache, adapter := newTestQueue(t, srv, signal)
	ctx := context.Background()

	adapter.Set(ctx, store.KeyToken, "persisted-token")
	q.Enqueue(ctx, "/sync", RequestOptions{Method: "POST"})

	result := q.Init(ctx)
	assert.Equal(t, 1, result.Attempted)
	assert.Equal(t, 1, result.Kept)
	assert.Equal(t, FlushResult{}, q.Init(ctx), "second Init is a no-op")
	assert.Equal(t, "persisted-token", cache.Read(ctx).TokenValue())

	srv.answer("/sync", http.StatusOK, `{}`)
	signal.SetOnline(false)
	signal.SetOnline(true)

	require.Eventually(t, func() bool { return len(q.Pending(ctx)) == 0 }, 2*time.Second, 5*time.Millisecond)
	// Startup flush plus exactly one event-driven flush.
	assert.Equal(t, 2, srv.callCount())
}

func TestClose_StopsEventFlushes(t *testing.T) {
	srv := newFakeServer()
	signal := netstate.NewManual(true)
	q, _, _ := newTestQueue(t, srv, signal)
	ctx := context.Background()

	q.Init(ctx)
	q.Enqueue(ctx, "/x", RequestOptions{})
	q.Close()
	q.Close()

	signal.SetOnline(false)
	signal.SetOnline(true)
	assert.Equal(t, 0, srv.callCount())
	assert.Len(t, q.Pending(ctx), 1)
}

func TestPurgeAndRemove(t *testing.T) {
	q, _, _ := newTestQueue(t, newFakeServer(), nil)
	ctx := context.Background()

	a := q.Enqueue(ctx, "/a", RequestOptions{})
	b := q.Enqueue(ctx, "/b", RequestOptions{})
	q.Enqueue(ctx, "/c", RequestOptions{})

	assert.True(t, q.Remove(ctx, b.ID))
	assert.False(t, q.Remove(ctx, b.ID))
	assert.Equal(t, a.ID, q.Pending(ctx)[0].ID)

	assert.Equal(t, 2, q.Purge(ctx))
	assert.Empty(t, q.Pending(ctx))
	assert.Equal(t, 0, q.Purge(ctx))
}

func TestHTTPTransport(t *testing.T) {
	var gotMethod, gotBody, gotHeader, gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotMethod, gotBody = r.Method, string(body)
		gotHeader, gotType = r.Header.Get("Authorization"), r.Header.Get("Content-Type")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"token":"t1"}`))
	}))
	defer srv.Close()

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}, Timeout: 5 * time.Second}
	tr := NewHTTPTransportWithClient(client)
	resp, err := tr.Do(context.Background(), srv.URL+"/login", RequestOptions{
		Method:  "post",
		Headers: map[string]string{"Authorization": "Bearer x"},
		Body:    `{"email":"a@b.c"}`,
	})
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, `{"email":"a@b.c"}`, gotBody)
	assert.Equal(t, "Bearer x", gotHeader)
	assert.Equal(t, "application/json", gotType)
	assert.True(t, resp.OK())

	// The buffered body can be decoded repeatedly.
	for i := 0; i < 2; i++ {
		var v struct {
			Token string `json:"token"`
		}
		require.NoError(t, resp.JSON(&v))
		assert.Equal(t, "t1", v.Token)
	}
}

func TestHTTPTransport_OversizedBodyIsMarkedTruncated(t *testing.T) {
	old := maxResponseBody
	maxResponseBody = 16
	defer func() { maxResponseBody = old }()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 16)))
		if r.URL.Path == "/big" {
			_, _ = w.Write([]byte("y"))
		}
	}))
	defer srv.Close()

	tr := NewHTTPTransportWithClient(&http.Client{Transport: &http.Transport{DisableKeepAlives: true}})
	resp, err := tr.Do(context.Background(), srv.URL+"/fits", RequestOptions{})
	require.NoError(t, err)
	assert.False(t, resp.Truncated)
	assert.Len(t, resp.Body, 16)

	resp, err = tr.Do(context.Background(), srv.URL+"/big", RequestOptions{})
	require.NoError(t, err)
	assert.True(t, resp.Truncated)
	assert.Equal(t, strings.Repeat("x", 16), string(resp.Body))
}

func TestHTTPTransport_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	tr := NewHTTPTransportWithClient(&http.Client{Transport: &http.Transport{DisableKeepAlives: true}})
	_, err := tr.Do(context.Background(), url, RequestOptions{})
	assert.Error(t, err)
}
