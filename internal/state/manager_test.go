package state

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/denisyuji/hdmi-usb/internal/logger"
)

func TestNewManager(t *testing.T) {
	mgr := setupTestManager(t)

	if mgr.GetDB() == nil {
		t.Error("Database should be initialized")
	}
	if err := mgr.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestManager_SaveSystemState_Update(t *testing.T) {
	mgr := setupTestManager(t)
	ctx := context.Background()

	if err := mgr.SaveSystemState(ctx, "last_device", "/dev/video0"); err != nil {
		t.Fatalf("SaveSystemState failed: %v", err)
	}
	if err := mgr.SaveSystemState(ctx, "last_device", "/dev/video2"); err != nil {
		t.Fatalf("SaveSystemState update failed: %v", err)
	}

	value, err := mgr.GetSystemState(ctx, "last_device")
	if err != nil {
		t.Fatalf("GetSystemState failed: %v", err)
	}
	if value != "/dev/video2" {
		t.Errorf("Expected '/dev/video2', got '%s'", value)
	}

	missing, err := mgr.GetSystemState(ctx, "nonexistent_key")
	if err != nil || missing != "" {
		t.Errorf("Expected empty value for missing key, got %q (%v)", missing, err)
	}
}

func TestManager_RecoverState_Empty(t *testing.T) {
	mgr := setupTestManager(t)

	recovered, err := mgr.RecoverState(context.Background())
	if err != nil {
		t.Fatalf("RecoverState failed: %v", err)
	}
	if len(recovered.Ownerships) != 0 || len(recovered.OpenAcquisitions) != 0 || len(recovered.SystemState) != 0 {
		t.Errorf("Expected empty recovered state, got %+v", recovered)
	}
}

func TestManager_RecoverState_AfterReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")
	ctx := context.Background()

	mgr, err := NewManager(dbPath, logger.NewNopLogger())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	if err := mgr.ClaimOwnership(ctx, Ownership{Device: "/dev/video2", Token: "tok-1", PID: 4242, PipelinePGID: 4300}); err != nil {
		t.Fatalf("ClaimOwnership failed: %v", err)
	}
	if err := mgr.RecordAcquisition(ctx, Acquisition{ID: "sess-1", Device: "/dev/video2", Token: "tok-1", PID: 4242}); err != nil {
		t.Fatalf("RecordAcquisition failed: %v", err)
	}
	mgr.Close()

	mgr2, err := NewManager(dbPath, logger.NewNopLogger())
	if err != nil {
		t.Fatalf("Failed to reopen manager: %v", err)
	}
	defer mgr2.Close()

	recovered, err := mgr2.RecoverState(ctx)
	if err != nil {
		t.Fatalf("RecoverState failed: %v", err)
	}
	if len(recovered.Ownerships) != 1 || recovered.Ownerships[0].PipelinePGID != 4300 {
		t.Fatalf("Expected recovered ownership with pgid 4300, got %+v", recovered.Ownerships)
	}
	if len(recovered.OpenAcquisitions) != 1 || recovered.OpenAcquisitions[0].ID != "sess-1" {
		t.Fatalf("Expected open acquisition sess-1, got %+v", recovered.OpenAcquisitions)
	}

	closed, err := mgr2.CloseStaleAcquisitions(ctx, "daemon restarted")
	if err != nil {
		t.Fatalf("CloseStaleAcquisitions failed: %v", err)
	}
	if closed != 1 {
		t.Errorf("Expected 1 stale acquisition closed, got %d", closed)
	}
}

func TestOwnership_ClaimAndRelease(t *testing.T) {
	mgr := setupTestManager(t)
	ctx := context.Background()

	if err := mgr.ClaimOwnership(ctx, Ownership{Device: "/dev/video2", Token: "a", PID: 1}); err != nil {
		t.Fatalf("ClaimOwnership failed: %v", err)
	}
	if err := mgr.ClaimOwnership(ctx, Ownership{Device: "/dev/video2", Token: "b", PID: 2}); err != nil {
		t.Fatalf("Second ClaimOwnership failed: %v", err)
	}

	o, err := mgr.GetOwnership(ctx, "/dev/video2")
	if err != nil || o == nil {
		t.Fatalf("GetOwnership failed: %v", err)
	}
	if o.Token != "b" || o.PID != 2 {
		t.Errorf("Expected latest claim to win, got %+v", o)
	}

	if err := mgr.SetPipelinePGID(ctx, "/dev/video2", "a", 99); err != ErrNotOwner {
		t.Errorf("Expected ErrNotOwner for stale token, got %v", err)
	}
	if err := mgr.SetPipelinePGID(ctx, "/dev/video2", "b", 99); err != nil {
		t.Errorf("SetPipelinePGID failed: %v", err)
	}

	// a stale token must not release the current owner
	if err := mgr.ReleaseOwnership(ctx, "/dev/video2", "a"); err != nil {
		t.Fatalf("ReleaseOwnership failed: %v", err)
	}
	if o, _ := mgr.GetOwnership(ctx, "/dev/video2"); o == nil {
		t.Fatal("Expected ownership to survive release with stale token")
	}

	if err := mgr.ReleaseOwnership(ctx, "/dev/video2", "b"); err != nil {
		t.Fatalf("ReleaseOwnership failed: %v", err)
	}
	if o, _ := mgr.GetOwnership(ctx, "/dev/video2"); o != nil {
		t.Errorf("Expected no ownership after release, got %+v", o)
	}
	if err := mgr.ReleaseOwnership(ctx, "/dev/video2", "b"); err != nil {
		t.Errorf("Expected double release to be a no-op, got %v", err)
	}
}

func TestAcquisition_Lifecycle(t *testing.T) {
	mgr := setupTestManager(t)
	ctx := context.Background()

	a := Acquisition{ID: "sess-1", Device: "/dev/video2", AudioDevice: "plughw:2,0", Token: "tok", PID: 10, DiscoveryAttempts: 3}
	if err := mgr.RecordAcquisition(ctx, a); err != nil {
		t.Fatalf("RecordAcquisition failed: %v", err)
	}
	for _, c := range []ConsumerRecord{
		{ID: "c1", SessionID: "sess-1", Kind: "preview"},
		{ID: "c2", SessionID: "sess-1", Kind: "network", Label: "192.168.1.20"},
	} {
		if err := mgr.RecordConsumerAttached(ctx, c); err != nil {
			t.Fatalf("RecordConsumerAttached failed: %v", err)
		}
	}
	if err := mgr.RecordConsumerDetached(ctx, "c2", 7); err != nil {
		t.Fatalf("RecordConsumerDetached failed: %v", err)
	}
	if err := mgr.IncrementRecoveries(ctx, "sess-1"); err != nil {
		t.Fatalf("IncrementRecoveries failed: %v", err)
	}

	active, err := mgr.ListConsumers(ctx, "sess-1", true)
	if err != nil {
		t.Fatalf("ListConsumers failed: %v", err)
	}
	if len(active) != 1 || active[0].ID != "c1" {
		t.Errorf("Expected only c1 active, got %+v", active)
	}

	all, _ := mgr.ListConsumers(ctx, "sess-1", false)
	if len(all) != 2 || all[1].Dropped != 7 {
		t.Errorf("Expected c2 with 7 dropped packets, got %+v", all)
	}

	if err := mgr.EndAcquisition(ctx, "sess-1", "closed"); err != nil {
		t.Fatalf("EndAcquisition failed: %v", err)
	}

	got, err := mgr.GetAcquisition(ctx, "sess-1")
	if err != nil || got == nil {
		t.Fatalf("GetAcquisition failed: %v", err)
	}
	if got.EndedAt == nil || got.EndReason != "closed" {
		t.Errorf("Expected ended acquisition, got %+v", got)
	}
	if got.Recoveries != 1 || got.DiscoveryAttempts != 3 || got.AudioDevice != "plughw:2,0" {
		t.Errorf("Unexpected acquisition fields: %+v", got)
	}

	active, _ = mgr.ListConsumers(ctx, "sess-1", true)
	if len(active) != 0 {
		t.Errorf("Expected ending the session to detach consumers, got %+v", active)
	}
}

func TestListAcquisitions_NewestFirst(t *testing.T) {
	mgr := setupTestManager(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		err := mgr.RecordAcquisition(ctx, Acquisition{
			ID:        fmt.Sprintf("sess-%d", i),
			Device:    "/dev/video2",
			Token:     "tok",
			StartedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("RecordAcquisition failed: %v", err)
		}
	}

	list, err := mgr.ListAcquisitions(ctx, 2)
	if err != nil {
		t.Fatalf("ListAcquisitions failed: %v", err)
	}
	if len(list) != 2 || list[0].ID != "sess-2" {
		t.Errorf("Expected two newest sessions starting with sess-2, got %+v", list)
	}
}

func TestManager_ConcurrentAccess(t *testing.T) {
	mgr := setupTestManager(t)
	ctx := context.Background()

	done := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		go func(idx int) {
			if err := mgr.SaveSystemState(ctx, fmt.Sprintf("key_%d", idx), "value"); err != nil {
				t.Errorf("Concurrent SaveSystemState failed: %v", err)
			}
			done <- true
		}(i)
	}
	for i := 0; i < 10; i++ {
		<-done
	}

	for i := 0; i < 10; i++ {
		key := fmt.Sprintf("key_%d", i)
		value, err := mgr.GetSystemState(ctx, key)
		if err != nil || value != "value" {
			t.Errorf("Expected 'value' for %s, got %q (%v)", key, value, err)
		}
	}
}
