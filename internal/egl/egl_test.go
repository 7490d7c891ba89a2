package egl

import (
	"errors"
	"testing"
)

func TestRunSyncExecutesOnWorkerAndReturnsError(t *testing.T) {
	th, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer th.Close()

	if err := th.RunSync(func() error { return nil }); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	wantErr := errors.New("boom")
	if err := th.RunSync(func() error { return wantErr }); !errors.Is(err, wantErr) {
		t.Fatalf("expected %v, got %v", wantErr, err)
	}
}

func TestNewPropagatesInitFailure(t *testing.T) {
	wantErr := errors.New("no egl display")
	_, err := New(func() error { return wantErr })
	if err == nil || !errors.Is(err, wantErr) {
		t.Fatalf("expected init error to propagate, got %v", err)
	}
}

func TestRunAsyncInvokesCallback(t *testing.T) {
	th, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer th.Close()

	done := make(chan error, 1)
	th.RunAsync(func() error { return nil }, func(err error) { done <- err })

	if err := <-done; err != nil {
		t.Fatalf("expected nil error from callback, got %v", err)
	}
}

func TestCloseStopsAcceptingNewWork(t *testing.T) {
	th, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	th.Close()

	if err := th.RunSync(func() error { return nil }); err == nil {
		t.Fatal("expected RunSync after Close to fail")
	}
}
