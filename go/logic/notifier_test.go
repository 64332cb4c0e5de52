/*
   Copyright 2025 The oplog-relay Authors
	 See https://github.com/openmigrate/oplog-relay/blob/master/LICENSE
*/

package logic

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/openmigrate/oplog-relay/go/oplog"
)

func TestPublishResolvesWaitersAtOrBelow(t *testing.T) {
	notifier := NewProgressNotifier()

	type outcome struct {
		pair oplog.OpTimePair
		err  error
	}
	results := make(chan outcome, 2)
	for _, donor := range []oplog.OpTime{opTime(10, 1), opTime(10, 5)} {
		donor := donor
		go func() {
			pair, err := notifier.WaitForOpTime(context.Background(), donor)
			results <- outcome{pair, err}
		}()
	}
	time.Sleep(20 * time.Millisecond)

	published := oplog.OpTimePair{Donor: opTime(10, 3), Recipient: opTime(100, 1)}
	notifier.Publish(published)

	select {
	case result := <-results:
		require.NoError(t, result.err)
		require.Equal(t, published, result.pair)
	case <-time.After(time.Second):
		t.Fatal("the waiter below the published donor optime never resolved")
	}

	// The waiter at (10,5) is still pending.
	select {
	case <-results:
		t.Fatal("waiter beyond the published position resolved early")
	case <-time.After(50 * time.Millisecond):
	}

	later := oplog.OpTimePair{Donor: opTime(10, 6), Recipient: opTime(100, 2)}
	notifier.Publish(later)
	select {
	case result := <-results:
		require.NoError(t, result.err)
		require.Equal(t, later, result.pair)
	case <-time.After(time.Second):
		t.Fatal("the remaining waiter never resolved")
	}
}

func TestWaitForAlreadyPassedPositionReturnsCurrentMark(t *testing.T) {
	notifier := NewProgressNotifier()
	notifier.Publish(oplog.OpTimePair{Donor: opTime(10, 0), Recipient: opTime(100, 1)})
	notifier.Publish(oplog.OpTimePair{Donor: opTime(20, 0), Recipient: opTime(100, 5)})

	// Asking for (10,0) resolves immediately, but with the CURRENT mark:
	// the pipeline is at (20,0)/(100,5) and never travels back.
	pair, err := notifier.WaitForOpTime(context.Background(), opTime(10, 0))
	require.NoError(t, err)
	require.Equal(t, opTime(20, 0), pair.Donor)
	require.Equal(t, opTime(100, 5), pair.Recipient)
}

func TestTerminateReleasesAllWaiters(t *testing.T) {
	notifier := NewProgressNotifier()
	terminal := errors.New("pipeline failed")

	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, err := notifier.WaitForOpTime(context.Background(), opTime(99, 0))
			errs <- err
		}()
	}
	time.Sleep(20 * time.Millisecond)
	notifier.Terminate(terminal)

	for i := 0; i < 3; i++ {
		select {
		case err := <-errs:
			require.ErrorIs(t, err, terminal)
		case <-time.After(time.Second):
			t.Fatal("a waiter was left pending after termination")
		}
	}

	// Waits registered after termination resolve immediately.
	_, err := notifier.WaitForOpTime(context.Background(), opTime(1, 0))
	require.ErrorIs(t, err, terminal)
}

func TestPublishAfterTerminateIsIgnored(t *testing.T) {
	notifier := NewProgressNotifier()
	notifier.Publish(oplog.OpTimePair{Donor: opTime(10, 0), Recipient: opTime(100, 1)})
	notifier.Terminate(nil)
	notifier.Publish(oplog.OpTimePair{Donor: opTime(20, 0), Recipient: opTime(100, 2)})

	pair, _ := notifier.LastPublished()
	require.Equal(t, opTime(10, 0), pair.Donor)
}

func TestWaitForOpTimeHonorsContext(t *testing.T) {
	notifier := NewProgressNotifier()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := notifier.WaitForOpTime(ctx, opTime(10, 0))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
