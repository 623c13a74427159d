package retry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func recordingPolicy(max int, slept *[]time.Duration) Policy {
	p := New(max)
	p.Sleep = func(ctx context.Context, d time.Duration) error {
		*slept = append(*slept, d)
		return nil
	}
	return p
}

func TestPolicy_RetriesTimeoutsWithLinearBackoff(t *testing.T) {
	var slept []time.Duration
	calls := 0
	p := recordingPolicy(3, &slept)

	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return timeoutErr{}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second}, slept)
}

func TestPolicy_GivesUpAfterMaxAttempts(t *testing.T) {
	var slept []time.Duration
	calls := 0
	p := recordingPolicy(3, &slept)

	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return timeoutErr{}
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.Contains(t, err.Error(), "failed after 3 attempts")
	assert.Equal(t, 3, calls)
	// no sleep after the final attempt
	assert.Len(t, slept, 2)
}

func TestPolicy_FailsFastOnOtherErrors(t *testing.T) {
	var slept []time.Duration
	calls := 0
	p := recordingPolicy(5, &slept)
	boom := errors.New("bad payload")

	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrExhausted)
	assert.Equal(t, 1, calls)
	assert.Empty(t, slept)
}

func TestPolicy_TransientMarker(t *testing.T) {
	var slept []time.Duration
	calls := 0
	p := recordingPolicy(2, &slept)
	var retried []int
	p.OnRetry = func(attempt int, err error) { retried = append(retried, attempt) }

	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return Transient(errors.New("status 429"))
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []int{1}, retried)
}

func TestIsTransient_HTTPClientTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	client := &http.Client{Timeout: 20 * time.Millisecond}
	_, err := client.Get(server.URL)

	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.False(t, IsTransient(errors.New("plain")))
	assert.False(t, IsTransient(nil))
}

func TestSleep_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
}
