package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func waitForCancel(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestRunStagesStopsWhenFeedClosesNormally(t *testing.T) {
	done := make(chan error, 1)
	go func() {
		done <- runStages(context.Background(),
			func(context.Context) error { return nil },
			waitForCancel, waitForCancel,
		)
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, errFeedClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("stages kept running after the feed closed")
	}
}

func TestRunStagesReturnsFeedError(t *testing.T) {
	boom := errors.New("reconnects exhausted")
	err := runStages(context.Background(),
		func(context.Context) error { return boom },
		waitForCancel,
	)
	assert.ErrorIs(t, err, boom)
}

func TestRunStagesStopsOnStageFailure(t *testing.T) {
	boom := errors.New("metrics listen")
	err := runStages(context.Background(),
		waitForCancel,
		func(context.Context) error { return boom },
		waitForCancel,
	)
	assert.ErrorIs(t, err, boom)
}
