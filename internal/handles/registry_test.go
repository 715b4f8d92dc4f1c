package handles

import (
	"errors"
	"sync"
	"testing"

	"github.com/psantana5/backendpool/pkg/faults"
	"github.com/psantana5/backendpool/pkg/models"
)

type recordingReleaser struct {
	mu       sync.Mutex
	released []int64
	failOn   int64
}

func (r *recordingReleaser) Release(h models.Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released = append(r.released, h.ID)
	if h.ID == r.failOn {
		return errors.New("native release failed")
	}
	return nil
}

func TestRegisterRejectsDuplicatesAndBadKinds(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(models.Handle{ID: 1, Kind: models.HandleQuery}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(models.Handle{ID: 1, Kind: models.HandleRecord}); err == nil {
		t.Error("expected duplicate id to be rejected")
	}
	if err := r.Register(models.Handle{ID: 2, Kind: "cursor"}); err == nil {
		t.Error("expected unknown kind to be rejected")
	}
	if r.Len() != 1 {
		t.Errorf("expected 1 handle, got %d", r.Len())
	}
}

func TestReleaseCallsBackendOnlyForNativeKinds(t *testing.T) {
	tests := []struct {
		kind       models.HandleKind
		wantNative bool
	}{
		{models.HandleQuery, true},
		{models.HandleRecord, true},
		{models.HandleField, false},
		{models.HandleAction, false},
		{models.HandleSession, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			r := NewRegistry()
			rel := &recordingReleaser{}
			if err := r.Register(models.Handle{ID: 7, Kind: tt.kind}); err != nil {
				t.Fatalf("Register: %v", err)
			}
			if err := r.Release(7, rel); err != nil {
				t.Fatalf("Release: %v", err)
			}
			if got := len(rel.released) == 1; got != tt.wantNative {
				t.Errorf("native release = %v, want %v", got, tt.wantNative)
			}
			if r.Len() != 0 {
				t.Error("handle should be gone after release")
			}
		})
	}
}

func TestReleaseUnknownHandle(t *testing.T) {
	err := NewRegistry().Release(42, &recordingReleaser{})
	if !errors.Is(err, faults.ErrSessionInvalidState) {
		t.Errorf("expected SessionInvalidState, got %v", err)
	}
}

func TestReleaseAllReportsLeak(t *testing.T) {
	r := NewRegistry()
	rel := &recordingReleaser{failOn: 2}
	for i, kind := range []models.HandleKind{models.HandleQuery, models.HandleRecord, models.HandleRecord, models.HandleField} {
		if err := r.Register(models.Handle{ID: int64(i + 1), Kind: kind}); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}

	leak, err := r.ReleaseAll(rel)
	if err == nil {
		t.Error("expected joined release error for handle 2")
	}
	if leak.Count() != 4 {
		t.Errorf("expected 4 leaked handles, got %d", leak.Count())
	}
	if leak.NativeReleases != 3 || len(rel.released) != 3 {
		t.Errorf("expected 3 native releases, got %d (%v)", leak.NativeReleases, rel.released)
	}
	if r.Len() != 0 {
		t.Error("registry should be empty after ReleaseAll")
	}

	warning := leak.Warning("close")
	if !errors.Is(warning, faults.ErrHandleLeakWarning) {
		t.Errorf("expected HandleLeakWarning, got %v", warning)
	}
	if (Leak{}).Warning("close") != nil {
		t.Error("empty leak should not produce a warning")
	}

	created, released := r.Stats()
	if created != 4 || released != 4 {
		t.Errorf("stats = %d/%d, want 4/4", created, released)
	}
}

func TestConcurrentRegisterAndRelease(t *testing.T) {
	r := NewRegistry()
	rel := &recordingReleaser{}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			if err := r.Register(models.Handle{ID: id, Kind: models.HandleRecord}); err != nil {
				t.Errorf("Register(%d): %v", id, err)
				return
			}
			if id%2 == 0 {
				if err := r.Release(id, rel); err != nil {
					t.Errorf("Release(%d): %v", id, err)
				}
			}
		}(int64(i))
	}
	wg.Wait()

	if r.Len() != 25 {
		t.Errorf("expected 25 outstanding handles, got %d", r.Len())
	}
	snap := r.Snapshot()
	for i := 1; i < len(snap); i++ {
		if snap[i-1].ID >= snap[i].ID {
			t.Fatal("snapshot should be ordered by id")
		}
	}
}
