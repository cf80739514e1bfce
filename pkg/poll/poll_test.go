package poll

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudboss/metaboot/pkg/httpclient"
)

var errUnreachable = errors.New("connection refused")

// mockProber answers once readyAfter has elapsed since it was created,
// optionally only for a single URL.
type mockProber struct {
	mu         sync.Mutex
	created    time.Time
	readyAfter time.Duration
	readyURL   string
	delay      time.Duration
	probes     []string
}

func newMockProber(readyAfter time.Duration, readyURL string) *mockProber {
	return &mockProber{created: time.Now(), readyAfter: readyAfter, readyURL: readyURL}
}

func (m *mockProber) Probe(ctx context.Context, url string, timeout time.Duration) error {
	m.mu.Lock()
	m.probes = append(m.probes, url)
	m.mu.Unlock()

	if m.delay > 0 {
		probeCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		select {
		case <-time.After(m.delay):
		case <-probeCtx.Done():
			return probeCtx.Err()
		}
	}
	if m.readyAfter < 0 || time.Since(m.created) < m.readyAfter {
		return errUnreachable
	}
	if m.readyURL != "" && url != m.readyURL {
		return errUnreachable
	}
	return nil
}

func (m *mockProber) probed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.probes...)
}

func Test_Policy_Validate(t *testing.T) {
	testCases := []struct {
		description string
		policy      Policy
		err         bool
	}{
		{
			description: "Defaults are valid",
			policy:      Policy{Timeout: 10 * time.Second, MaxWait: 60 * time.Second},
		},
		{
			description: "Timeout equal to max wait",
			policy:      Policy{Timeout: time.Second, MaxWait: time.Second},
		},
		{
			description: "Timeout exceeds max wait",
			policy:      Policy{Timeout: 2 * time.Second, MaxWait: time.Second},
			err:         true,
		},
		{
			description: "Single round ignores max wait",
			policy:      Policy{Timeout: 2 * time.Second},
		},
		{
			description: "Zero timeout",
			policy:      Policy{MaxWait: time.Second},
			err:         true,
		},
		{
			description: "Negative interval",
			policy:      Policy{Timeout: time.Second, MaxWait: time.Minute, Interval: -time.Second},
			err:         true,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.description, func(t *testing.T) {
			err := tc.policy.Validate()
			if tc.err {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func Test_Poller_Wait(t *testing.T) {
	testCases := []struct {
		description string
		readyAfter  time.Duration
		readyURL    string
		urls        []string
		policy      Policy
		result      string
		err         error
	}{
		{
			description: "Reachable immediately",
			readyAfter:  0,
			urls:        []string{"http://a"},
			policy:      Policy{Timeout: 50 * time.Millisecond, MaxWait: time.Second, Interval: 10 * time.Millisecond},
			result:      "http://a",
		},
		{
			description: "Reachable before max wait",
			readyAfter:  100 * time.Millisecond,
			urls:        []string{"http://a"},
			policy:      Policy{Timeout: 50 * time.Millisecond, MaxWait: 2 * time.Second, Interval: 20 * time.Millisecond},
			result:      "http://a",
		},
		{
			description: "Second URL answers",
			readyAfter:  0,
			readyURL:    "http://b",
			urls:        []string{"http://a", "http://b"},
			policy:      Policy{Timeout: 50 * time.Millisecond, MaxWait: time.Second, Interval: 10 * time.Millisecond},
			result:      "http://b",
		},
		{
			description: "Never reachable",
			readyAfter:  -1,
			urls:        []string{"http://a"},
			policy:      Policy{Timeout: 50 * time.Millisecond, MaxWait: 200 * time.Millisecond, Interval: 20 * time.Millisecond},
			err:         ErrDeadlineExceeded,
		},
		{
			description: "Reachable after max wait",
			readyAfter:  10 * time.Second,
			urls:        []string{"http://a"},
			policy:      Policy{Timeout: 50 * time.Millisecond, MaxWait: 200 * time.Millisecond, Interval: 20 * time.Millisecond},
			err:         ErrDeadlineExceeded,
		},
		{
			description: "Single round when max wait is zero",
			readyAfter:  -1,
			urls:        []string{"http://a"},
			policy:      Policy{Timeout: 50 * time.Millisecond},
			err:         ErrDeadlineExceeded,
		},
		{
			description: "No URLs",
			policy:      Policy{Timeout: 50 * time.Millisecond, MaxWait: time.Second},
			err:         ErrNoURLs,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.description, func(t *testing.T) {
			prober := newMockProber(tc.readyAfter, tc.readyURL)
			poller := New(prober, nil)
			start := time.Now()
			url, err := poller.Wait(context.Background(), tc.urls, tc.policy)
			elapsed := time.Since(start)
			if tc.err != nil {
				assert.ErrorIs(t, err, tc.err)
				assert.Empty(t, url)
				assert.Less(t, elapsed, tc.policy.MaxWait+tc.policy.Timeout+250*time.Millisecond)
				var deadlineErr *DeadlineError
				if errors.As(err, &deadlineErr) {
					assert.Equal(t, tc.urls, deadlineErr.URLs)
					assert.GreaterOrEqual(t, deadlineErr.Elapsed, tc.policy.MaxWait)
					assert.ErrorIs(t, err, errUnreachable)
				}
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.result, url)
		})
	}
}

func Test_Poller_Wait_SlowProbes(t *testing.T) {
	prober := newMockProber(-1, "")
	prober.delay = time.Hour
	poller := New(prober, nil)
	policy := Policy{Timeout: 100 * time.Millisecond, MaxWait: 250 * time.Millisecond,
		Interval: 10 * time.Millisecond}

	start := time.Now()
	_, err := poller.Wait(context.Background(), []string{"http://a"}, policy)
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrDeadlineExceeded)
	assert.Less(t, elapsed, policy.MaxWait+policy.Timeout)
	assert.NotEmpty(t, prober.probed())
}

func Test_Poller_Wait_Canceled(t *testing.T) {
	prober := newMockProber(-1, "")
	poller := New(prober, nil)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err := poller.Wait(ctx, []string{"http://a"},
		Policy{Timeout: 10 * time.Millisecond, MaxWait: time.Minute, Interval: 10 * time.Millisecond})
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrDeadlineExceeded)
}

func Test_Poller_Wait_HTTP(t *testing.T) {
	var (
		mu    sync.Mutex
		ready bool
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if !ready {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		io.WriteString(w, "i-1234")
	}))
	defer srv.Close()
	time.AfterFunc(100*time.Millisecond, func() {
		mu.Lock()
		ready = true
		mu.Unlock()
	})

	client := httpclient.NewClient(httpclient.RetryPolicy{Timeout: time.Second, Attempts: 1},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	poller := New(client, nil)
	url := srv.URL + "/latest/meta-data/instance-id"

	found, err := poller.Wait(context.Background(), []string{url},
		Policy{Timeout: 500 * time.Millisecond, MaxWait: 5 * time.Second, Interval: 20 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, url, found)
}
