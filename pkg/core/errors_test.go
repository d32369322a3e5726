package core

import (
	"errors"
	"fmt"
	"testing"
)

func TestError_IsMatchesOnCode(t *testing.T) {
	err := ErrQueueFull.WithMessage("queue full, dropping task %s", "t-1")

	if !errors.Is(err, ErrQueueFull) {
		t.Error("WithMessage should preserve the sentinel code")
	}
	if errors.Is(err, ErrTaskTimeout) {
		t.Error("should not match a different code")
	}
	if err.Error() != "queue full, dropping task t-1" {
		t.Errorf("unexpected message: %s", err.Error())
	}
}

func TestError_IsMatchesThroughWrapping(t *testing.T) {
	wrapped := fmt.Errorf("submit: %w", ErrPoolShuttingDown)

	if !errors.Is(wrapped, ErrPoolShuttingDown) {
		t.Error("errors.Is should match through %w wrapping")
	}
}
