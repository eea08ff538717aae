package notifier

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shelfarr/Shelfarr/internal/domain"
	"github.com/shelfarr/Shelfarr/internal/testutil"
)

// recordingSender captures sent messages instead of hitting the network.
type recordingSender struct {
	mu    sync.Mutex
	calls []struct{ URL, Message string }
	err   error
}

func (r *recordingSender) send(url, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, struct{ URL, Message string }{url, message})
	return r.err
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *recordingSender) last() struct{ URL, Message string } {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[len(r.calls)-1]
}

func newTestNotifier(t *testing.T, urls ...string) (*Notifier, *testutil.MockEventBus, *recordingSender, *testutil.MockClock) {
	t.Helper()
	if len(urls) == 0 {
		urls = []string{"ntfy://host/topic"}
	}
	bus := testutil.NewMockEventBus()
	clk := testutil.NewMockClock()
	n := NewNotifier(bus, urls, clk)
	sender := &recordingSender{}
	n.send = sender.send
	n.Start()
	return n, bus, sender, clk
}

func TestScanCompletedSendsSummary(t *testing.T) {
	n, bus, sender, _ := newTestNotifier(t)

	bus.Emit("scan", "s1", domain.ScanCompleted, map[string]interface{}{
		"new":     int64(5),
		"updated": int64(2),
		"moved":   int64(1),
		"missing": int64(3),
		"errors":  int64(1),
	})
	n.Stop()

	if sender.count() != 1 {
		t.Fatalf("send calls = %d, want 1", sender.count())
	}
	msg := sender.last().Message
	for _, want := range []string{"5 new", "2 updated", "1 moved", "3 missing", "1 errors"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Message missing %q: %q", want, msg)
		}
	}

	sent := bus.GetEvents(domain.NotificationSent)
	if len(sent) != 1 {
		t.Fatalf("NotificationSent events = %d, want 1", len(sent))
	}
	if got := sent[0].GetStringOr("trigger_event", ""); got != string(domain.ScanCompleted) {
		t.Errorf("trigger_event = %q", got)
	}
}

func TestVolumeOfflineMessage(t *testing.T) {
	n, bus, sender, _ := newTestNotifier(t)

	bus.Emit("volume", "3", domain.VolumeWentOffline, map[string]interface{}{
		"label":  "nas-models",
		"reason": "mount root does not exist",
	})
	n.Stop()

	if sender.count() != 1 {
		t.Fatalf("send calls = %d, want 1", sender.count())
	}
	msg := sender.last().Message
	if !strings.Contains(msg, "nas-models") || !strings.Contains(msg, "mount root does not exist") {
		t.Errorf("Unexpected offline message: %q", msg)
	}
}

func TestSendFailurePublishesNotificationFailed(t *testing.T) {
	n, bus, sender, _ := newTestNotifier(t)
	sender.err = fmt.Errorf("connection refused")

	bus.Emit("scan", "s1", domain.ScanFailed, map[string]interface{}{
		"error": "volume unreachable",
	})
	n.Stop()

	failed := bus.GetEvents(domain.NotificationFailed)
	if len(failed) != 1 {
		t.Fatalf("NotificationFailed events = %d, want 1", len(failed))
	}
	if got := failed[0].GetStringOr("error", ""); !strings.Contains(got, "connection refused") {
		t.Errorf("error field = %q", got)
	}
	if len(bus.GetEvents(domain.NotificationSent)) != 0 {
		t.Error("NotificationSent published despite send failure")
	}
}

func TestFanOutToAllTargets(t *testing.T) {
	n, bus, sender, _ := newTestNotifier(t, "ntfy://host/topic", "discord://token@id")

	bus.Emit("dedup", "pass", domain.DedupCompleted, map[string]interface{}{
		"groups_examined": 4,
		"confirmed":       2,
	})
	n.Stop()

	if sender.count() != 2 {
		t.Fatalf("send calls = %d, want 2 (one per target)", sender.count())
	}
	if !strings.Contains(sender.last().Message, "2 duplicate(s)") {
		t.Errorf("Dedup message = %q", sender.last().Message)
	}
}

func TestThrottleSuppressesRepeats(t *testing.T) {
	n, bus, sender, clk := newTestNotifier(t)

	bus.Emit("volume", "1", domain.VolumeWentOffline, map[string]interface{}{"label": "a"})
	bus.Emit("volume", "2", domain.VolumeWentOffline, map[string]interface{}{"label": "b"})
	n.wg.Wait()

	if sender.count() != 1 {
		t.Fatalf("send calls = %d, want 1 (second offline throttled)", sender.count())
	}

	// After the throttle window the same event type goes through again.
	clk.Advance(defaultThrottle + time.Second)
	bus.Emit("volume", "2", domain.VolumeWentOffline, map[string]interface{}{"label": "b"})
	n.Stop()

	if sender.count() != 2 {
		t.Errorf("send calls = %d, want 2 after throttle window", sender.count())
	}
}

func TestScanFailedBypassesThrottle(t *testing.T) {
	n, bus, sender, _ := newTestNotifier(t)

	bus.Emit("scan", "s1", domain.ScanFailed, map[string]interface{}{"error": "a"})
	bus.Emit("scan", "s2", domain.ScanFailed, map[string]interface{}{"error": "b"})
	n.Stop()

	if sender.count() != 2 {
		t.Errorf("send calls = %d, want 2 (failures are never throttled)", sender.count())
	}
}

func TestNoURLsDisablesNotifier(t *testing.T) {
	bus := testutil.NewMockEventBus()
	n := NewNotifier(bus, nil, testutil.NewMockClock())
	sender := &recordingSender{}
	n.send = sender.send
	n.Start()

	bus.Emit("scan", "s1", domain.ScanCompleted, nil)
	n.Stop()

	if sender.count() != 0 {
		t.Errorf("Disabled notifier sent %d message(s)", sender.count())
	}
	if err := n.SendTest(); err == nil {
		t.Error("SendTest should fail with no URLs configured")
	}
}

func TestSendTest(t *testing.T) {
	n, _, sender, _ := newTestNotifier(t, "ntfy://host/topic", "ntfy://host/other")

	if err := n.SendTest(); err != nil {
		t.Fatalf("SendTest failed: %v", err)
	}
	if sender.count() != 2 {
		t.Errorf("SendTest reached %d target(s), want 2", sender.count())
	}

	sender.err = fmt.Errorf("boom")
	if err := n.SendTest(); err == nil {
		t.Error("SendTest should surface the send error")
	}
}
