package callslot

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCompleteValueWakesWaiter(t *testing.T) {
	slot := New(1, "param")

	done := make(chan struct{})
	var gotValue any
	var gotErr error
	go func() {
		gotValue, gotErr = slot.Await()
		close(done)
	}()

	slot.CompleteValue("the answer")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Await did not wake")
	}
	require.NoError(t, gotErr)
	require.Equal(t, "the answer", gotValue)
}

func TestSecondCompletionIsNoOp(t *testing.T) {
	slot := New(1, nil)
	slot.CompleteValue("first")
	slot.CompleteError(errors.New("second"))

	v, err := slot.Await()
	require.NoError(t, err)
	require.Equal(t, "first", v)
}

func TestCompleteErrorWakesWaiter(t *testing.T) {
	slot := New(2, nil)
	boom := errors.New("boom")

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := slot.Await()
		require.ErrorIs(t, err, boom)
	}()

	slot.CompleteError(boom)
	<-done
}
