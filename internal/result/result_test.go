package result

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedReply struct {
	mu      sync.Mutex
	payload any
	code    string
	message string
	details any
	calls   int
	done    chan struct{}
}

func newRecordedReply() *recordedReply {
	return &recordedReply{done: make(chan struct{})}
}

func (r *recordedReply) Success(payload any) {
	r.mu.Lock()
	r.payload = payload
	r.calls++
	r.mu.Unlock()
	close(r.done)
}

func (r *recordedReply) Error(code, message string, details any) {
	r.mu.Lock()
	r.code, r.message, r.details = code, message, details
	r.calls++
	r.mu.Unlock()
	close(r.done)
}

func TestOutcomeExactlyOneField(t *testing.T) {
	cases := []struct {
		name    string
		outcome Outcome
		ok      bool
	}{
		{"success bytes", Success([]byte("x")), true},
		{"success empty", Success([]byte{}), true},
		{"success nil", Success(nil), true},
		{"failure", Failure(errors.New("boom")), false},
		{"failure nil", Failure(nil), false},
		{"zero value", Outcome{}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			hasResult := tc.outcome.Result() != nil
			hasErr := tc.outcome.Err() != nil
			assert.NotEqual(t, hasResult, hasErr, "exactly one of result/err must be set")
			assert.Equal(t, tc.ok, tc.outcome.OK())
		})
	}

	assert.ErrorIs(t, Failure(nil).Err(), ErrUnknown)
	assert.ErrorIs(t, Outcome{}.Err(), ErrUnknown)
	assert.Equal(t, []byte{}, Success(nil).Result())
}

func TestDeliverEmptyResultIsEmptyString(t *testing.T) {
	a := NewAdapter(Direct{}, EncodingText)
	reply := newRecordedReply()

	a.Deliver(Success(nil), reply)

	require.Equal(t, 1, reply.calls)
	s, ok := reply.payload.(string)
	require.True(t, ok, "payload should be a string, got %T", reply.payload)
	assert.Equal(t, "", s)
	assert.Empty(t, reply.code)
}

func TestDeliverTextAndBytes(t *testing.T) {
	text := newRecordedReply()
	NewAdapter(Direct{}, EncodingText).Deliver(Success([]byte(`{"has":true}`)), text)
	assert.Equal(t, `{"has":true}`, text.payload)

	raw := newRecordedReply()
	NewAdapter(Direct{}, EncodingBytes).Deliver(Success([]byte{0xff, 0x00}), raw)
	assert.Equal(t, []byte{0xff, 0x00}, raw.payload)

	empty := newRecordedReply()
	NewAdapter(Direct{}, EncodingBytes).Deliver(Success(nil), empty)
	b, ok := empty.payload.([]byte)
	require.True(t, ok)
	assert.NotNil(t, b)
	assert.Len(t, b, 0)
}

func TestDeliverError(t *testing.T) {
	a := NewAdapter(nil, EncodingText)
	reply := newRecordedReply()

	a.Deliver(Failure(errors.New("database \"db1\" is not open")), reply)

	assert.Equal(t, ErrorCode, reply.code)
	assert.Equal(t, `database "db1" is not open`, reply.message)
	assert.Nil(t, reply.details)
	assert.Nil(t, reply.payload)

	blank := newRecordedReply()
	a.Deliver(Failure(errors.New("")), blank)
	assert.NotEmpty(t, blank.message)
}

func TestDeliverWaitsForLoop(t *testing.T) {
	loop := NewLoop()
	a := NewAdapter(loop, EncodingText)
	reply := newRecordedReply()

	a.Deliver(Success([]byte("hi")), reply)

	select {
	case <-reply.done:
		t.Fatal("delivery ran before the control loop was running")
	case <-time.After(20 * time.Millisecond):
	}
	assert.Equal(t, 1, loop.Pending())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = loop.Run(ctx) }()

	select {
	case <-reply.done:
	case <-time.After(time.Second):
		t.Fatal("delivery did not run on the control loop")
	}
	assert.Equal(t, "hi", reply.payload)
}

func TestLoopRunsCallbacksSeriallyInOrder(t *testing.T) {
	loop := NewLoop()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- loop.Run(ctx) }()

	const n = 200
	var (
		active  atomic.Int32
		overlap atomic.Bool
		mu      sync.Mutex
		order   []int
		wg      sync.WaitGroup
	)
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		loop.Post(func() {
			defer wg.Done()
			if active.Add(1) > 1 {
				overlap.Store(true)
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			active.Add(-1)
		})
	}
	wg.Wait()

	assert.False(t, overlap.Load(), "callbacks overlapped")
	for i, v := range order {
		if v != i {
			t.Fatalf("callback %d ran at position %d", v, i)
		}
	}

	cancel()
	select {
	case err := <-runErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestLoopDrainsOnShutdown(t *testing.T) {
	loop := NewLoop()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ran := false
	loop.Post(func() { ran = true })
	_ = loop.Run(ctx)
	assert.True(t, ran)
}

func TestLoopSurvivesPanickingCallback(t *testing.T) {
	l := NewLoop()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	ran := make(chan struct{})
	l.Post(func() { panic("callback exploded") })
	l.Post(func() { close(ran) })

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("loop stopped after a panicking callback")
	}
}

func TestParseEncoding(t *testing.T) {
	enc, err := ParseEncoding("BYTES")
	require.NoError(t, err)
	assert.Equal(t, EncodingBytes, enc)
	assert.Equal(t, "bytes", enc.String())

	enc, err = ParseEncoding("")
	require.NoError(t, err)
	assert.Equal(t, EncodingText, enc)

	_, err = ParseEncoding("utf16")
	assert.Error(t, err)
}
