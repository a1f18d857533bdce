package vmlifecycle

import (
	"context"
	"net"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/ekoeppen/shuru/internal/vmm"
)

type fakeHypervisor struct {
	startErr      error
	dialAttempts  int
	dialFailUntil int
	dialErr       error
	stopErr       error
	stopped       bool
	cleanedUp     bool
}

func (f *fakeHypervisor) Configure(cfg vmm.VMConfig) (vmm.Handle, error) { return vmm.Handle{}, nil }

func (f *fakeHypervisor) Start(ctx context.Context, h vmm.Handle) error { return f.startErr }

func (f *fakeHypervisor) DialVsock(ctx context.Context, h vmm.Handle, port uint32) (net.Conn, error) {
	f.dialAttempts++
	if f.dialAttempts <= f.dialFailUntil {
		if f.dialErr != nil {
			return nil, f.dialErr
		}
		return nil, syscall.ECONNREFUSED
	}
	client, _ := net.Pipe()
	return client, nil
}

func (f *fakeHypervisor) Stop(ctx context.Context, h vmm.Handle, graceful bool) error {
	f.stopped = true
	return f.stopErr
}

func (f *fakeHypervisor) Cleanup(h vmm.Handle) { f.cleanedUp = true }

func TestSession_Start_RetriesThenSucceeds(t *testing.T) {
	hv := &fakeHypervisor{dialFailUntil: 2}
	s := New(hv, "")

	conn, err := s.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer conn.Close()

	if s.State != StateRunning {
		t.Errorf("state = %s, want running", s.State)
	}
	if hv.dialAttempts != 3 {
		t.Errorf("dialAttempts = %d, want 3", hv.dialAttempts)
	}
}

func TestSession_Start_FatalDialErrorAbortsImmediately(t *testing.T) {
	hv := &fakeHypervisor{dialFailUntil: 1000, dialErr: os.ErrPermission}
	s := New(hv, "")

	_, err := s.Start(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if hv.dialAttempts != 1 {
		t.Errorf("dialAttempts = %d, want 1 (non-retryable error should not retry)", hv.dialAttempts)
	}
	if s.State != StateStopped {
		t.Errorf("state = %s, want stopped", s.State)
	}
}

func TestSession_Start_PlatformStartFailure(t *testing.T) {
	hv := &fakeHypervisor{startErr: context.DeadlineExceeded}
	s := New(hv, "")

	if _, err := s.Start(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if hv.dialAttempts != 0 {
		t.Errorf("dialAttempts = %d, want 0 (should not dial if platform start fails)", hv.dialAttempts)
	}
}

func TestSession_Stop_RemovesScratchDiskAndCleansUp(t *testing.T) {
	scratch, err := os.CreateTemp(t.TempDir(), "scratch-*.ext4")
	if err != nil {
		t.Fatal(err)
	}
	scratch.Close()

	hv := &fakeHypervisor{}
	s := New(hv, scratch.Name())
	s.State = StateRunning

	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !hv.stopped || !hv.cleanedUp {
		t.Error("expected Stop and Cleanup to be called")
	}
	if s.State != StateStopped {
		t.Errorf("state = %s, want stopped", s.State)
	}
	if _, err := os.Stat(scratch.Name()); !os.IsNotExist(err) {
		t.Error("expected scratch disk to be removed")
	}
}

func TestSession_OnStateChange_FiresOnTransitions(t *testing.T) {
	hv := &fakeHypervisor{}
	s := New(hv, "")

	var seen []State
	s.OnStateChange(func(id string, st State) { seen = append(seen, st) })

	conn, err := s.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	conn.Close()

	if len(seen) != 2 || seen[0] != StateStarting || seen[1] != StateRunning {
		t.Errorf("seen = %v, want [starting running]", seen)
	}
}

func TestSession_Start_DeadlineExceeded(t *testing.T) {
	hv := &fakeHypervisor{dialFailUntil: 1000}
	s := New(hv, "")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := s.Start(ctx); err == nil {
		t.Fatal("expected timeout error")
	}
}
