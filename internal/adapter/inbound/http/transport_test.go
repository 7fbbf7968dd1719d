package http

import (
	"context"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestTransportStartAndShutdown(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	tr := NewTransport(
		NewHandler(nil, nil, testLogger()),
		WithAddr("127.0.0.1:0"),
		WithShutdownTimeout(time.Second),
		WithLogger(testLogger()),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- tr.Start(ctx)
	}()

	// Give the listener a moment to come up, then trigger shutdown.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("transport did not shut down")
	}
}

func TestTransportCloseBeforeStart(t *testing.T) {
	t.Parallel()

	tr := NewTransport(NewHandler(nil, nil, testLogger()))
	if err := tr.Close(); err != nil {
		t.Errorf("Close() before Start error = %v", err)
	}
}
