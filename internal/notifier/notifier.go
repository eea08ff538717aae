// Package notifier pushes catalog events to external services via shoutrrr.
package notifier

import (
	"fmt"
	"sync"
	"time"

	"github.com/containrrr/shoutrrr"

	"github.com/shelfarr/Shelfarr/internal/clock"
	"github.com/shelfarr/Shelfarr/internal/domain"
	"github.com/shelfarr/Shelfarr/internal/eventbus"
	"github.com/shelfarr/Shelfarr/internal/logger"
)

// defaultThrottle is the minimum gap between notifications for the same
// event type, so a flapping mount cannot spam every configured service.
const defaultThrottle = 5 * time.Minute

// sendFunc delivers one message to one shoutrrr URL.
type sendFunc func(url, message string) error

// Notifier subscribes to catalog events and fans each one out to every
// configured shoutrrr URL.
type Notifier struct {
	bus      eventbus.Publisher
	urls     []string
	clk      clock.Clock
	send     sendFunc
	throttle time.Duration

	mu       sync.Mutex
	lastSent map[domain.EventType]time.Time
	wg       sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewNotifier creates a notifier for the given shoutrrr URLs. An optional
// Clock can be provided for testing; if none is provided, RealClock is used.
func NewNotifier(bus eventbus.Publisher, urls []string, clocks ...clock.Clock) *Notifier {
	var c clock.Clock = clock.NewRealClock()
	if len(clocks) > 0 && clocks[0] != nil {
		c = clocks[0]
	}
	return &Notifier{
		bus:      bus,
		urls:     urls,
		clk:      c,
		send:     shoutrrr.Send,
		throttle: defaultThrottle,
		lastSent: make(map[domain.EventType]time.Time),
		stopChan: make(chan struct{}),
	}
}

// notifiableEvents are the event types forwarded to external services.
// Per-item noise (individual missing entries, render failures) stays out;
// those are summarized by the completion events instead.
var notifiableEvents = []domain.EventType{
	domain.VolumeWentOffline,
	domain.VolumeBackOnline,
	domain.ScanCompleted,
	domain.ScanFailed,
	domain.DedupCompleted,
	domain.SystemHealthDegraded,
}

// Start subscribes to the notifiable events. A notifier with no URLs
// configured subscribes to nothing.
func (n *Notifier) Start() {
	if len(n.urls) == 0 {
		logger.Infof("Notifier disabled: no notification URLs configured")
		return
	}
	for _, eventType := range notifiableEvents {
		n.bus.Subscribe(eventType, n.handleEvent)
	}
	logger.Infof("Notifier started with %d target(s)", len(n.urls))
}

// Stop waits for in-flight sends to finish.
func (n *Notifier) Stop() {
	n.stopOnce.Do(func() { close(n.stopChan) })
	n.wg.Wait()
}

func (n *Notifier) handleEvent(event domain.Event) {
	if !n.shouldSend(event.EventType) {
		logger.Debugf("Throttled notification for %s", event.EventType)
		return
	}

	select {
	case <-n.stopChan:
		return
	default:
	}

	message := formatMessage(event)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.deliver(event, message)
	}()
}

// shouldSend applies per-event-type throttling. ScanFailed and health events
// always go through; suppressing a failure report is worse than repeating it.
func (n *Notifier) shouldSend(eventType domain.EventType) bool {
	if eventType == domain.ScanFailed || eventType == domain.SystemHealthDegraded {
		return true
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	now := n.clk.Now()
	if last, ok := n.lastSent[eventType]; ok && now.Sub(last) < n.throttle {
		return false
	}
	n.lastSent[eventType] = now
	return true
}

// deliver sends the message to every configured URL and records the outcome
// on the event stream so the timeline shows what was pushed where.
func (n *Notifier) deliver(event domain.Event, message string) {
	failures := 0
	for _, url := range n.urls {
		if err := n.send(url, message); err != nil {
			failures++
			logger.Errorf("Notification for %s failed: %v", event.EventType, err)
			n.bus.Emit(event.AggregateType, event.AggregateID, domain.NotificationFailed, map[string]interface{}{
				"trigger_event": string(event.EventType),
				"error":         err.Error(),
			})
			continue
		}
		logger.Debugf("Notification sent for %s", event.EventType)
		n.bus.Emit(event.AggregateType, event.AggregateID, domain.NotificationSent, map[string]interface{}{
			"trigger_event": string(event.EventType),
		})
	}
	if failures > 0 {
		logger.Warnf("Notification for %s failed on %d of %d target(s)", event.EventType, failures, len(n.urls))
	}
}

// SendTest pushes a test message to every configured URL and returns the
// first failure, if any.
func (n *Notifier) SendTest() error {
	if len(n.urls) == 0 {
		return fmt.Errorf("no notification URLs configured")
	}
	var firstErr error
	for _, url := range n.urls {
		if err := n.send(url, "Shelfarr test notification: your configuration works."); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("test notification failed: %w", err)
		}
	}
	return firstErr
}

// messageFormatter renders one event type into a human-readable message.
type messageFormatter func(event domain.Event) string

var messageFormatters = map[domain.EventType]messageFormatter{
	domain.VolumeWentOffline: fmtVolumeWentOffline,
	domain.VolumeBackOnline:  fmtVolumeBackOnline,
	domain.ScanCompleted:     fmtScanCompleted,
	domain.ScanFailed:        fmtScanFailed,
	domain.DedupCompleted:    fmtDedupCompleted,
	domain.SystemHealthDegraded: func(event domain.Event) string {
		reason := event.GetStringOr("reason", "unknown")
		return fmt.Sprintf("⚠️ Shelfarr health degraded: %s", reason)
	},
}

func formatMessage(event domain.Event) string {
	if formatter, ok := messageFormatters[event.EventType]; ok {
		return formatter(event)
	}
	return fmt.Sprintf("📢 Shelfarr event: %s", event.EventType)
}

func fmtVolumeWentOffline(event domain.Event) string {
	label := event.GetStringOr("label", event.AggregateID)
	reason := event.GetStringOr("reason", "unreachable")
	return fmt.Sprintf("🔌 Volume offline: %s\n⚠️ %s", label, reason)
}

func fmtVolumeBackOnline(event domain.Event) string {
	label := event.GetStringOr("label", event.AggregateID)
	return fmt.Sprintf("✅ Volume back online: %s", label)
}

func fmtScanCompleted(event domain.Event) string {
	newItems := event.GetInt64Or("new", 0)
	updated := event.GetInt64Or("updated", 0)
	moved := event.GetInt64Or("moved", 0)
	missing := event.GetInt64Or("missing", 0)
	duplicates := event.GetInt64Or("duplicates", 0)
	errors := event.GetInt64Or("errors", 0)

	msg := fmt.Sprintf("✅ Scan complete\n📊 %d new, %d updated, %d moved", newItems, updated, moved)
	if missing > 0 {
		msg += fmt.Sprintf(", %d missing", missing)
	}
	if duplicates > 0 {
		msg += fmt.Sprintf(", %d duplicates", duplicates)
	}
	if errors > 0 {
		msg += fmt.Sprintf("\n⚠️ %d errors", errors)
	}
	return msg
}

func fmtScanFailed(event domain.Event) string {
	reason := event.GetStringOr("error", "unknown error")
	return fmt.Sprintf("❌ Scan failed\n⚠️ %s", reason)
}

func fmtDedupCompleted(event domain.Event) string {
	confirmed := event.GetInt64Or("confirmed", 0)
	groups := event.GetInt64Or("groups_examined", 0)
	if confirmed == 0 {
		return fmt.Sprintf("🔍 Dedup pass done: %d collision group(s), no duplicates confirmed", groups)
	}
	return fmt.Sprintf("🔍 Dedup pass done: %d duplicate(s) confirmed across %d group(s)", confirmed, groups)
}
