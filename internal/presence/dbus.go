package presence

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
)

const (
	notificationsName = "org.freedesktop.Notifications"
	notificationsPath = dbus.ObjectPath("/org/freedesktop/Notifications")
	notifyMethod      = notificationsName + ".Notify"
	closeMethod       = notificationsName + ".CloseNotification"

	callTimeout = 2 * time.Second
)

// DBusNotifier keeps one persistent desktop notification showing the
// latest telemetry. Each update replaces the previous notification in
// place. Updates are coalesced: only the newest text is sent.
type DBusNotifier struct {
	obj     dbus.BusObject
	conn    *dbus.Conn
	appName string
	summary string

	updates chan string

	mu sync.Mutex
	id uint32 // notification id from the daemon, 0 before the first Notify
}

// NewDBusNotifier connects to the session bus.
func NewDBusNotifier(appName, summary string) (*DBusNotifier, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("presence: connect session bus: %w", err)
	}
	n := newDBusNotifier(conn.Object(notificationsName, notificationsPath), appName, summary)
	n.conn = conn
	return n, nil
}

func newDBusNotifier(obj dbus.BusObject, appName, summary string) *DBusNotifier {
	return &DBusNotifier{
		obj:     obj,
		appName: appName,
		summary: summary,
		updates: make(chan string, 1),
	}
}

// OnTelemetryUpdated queues text for display without blocking.
func (n *DBusNotifier) OnTelemetryUpdated(text string) {
	for {
		select {
		case n.updates <- text:
			return
		default:
		}
		// Drop the stale pending update and retry.
		select {
		case <-n.updates:
		default:
		}
	}
}

// Run delivers queued updates until ctx is cancelled, then withdraws the
// notification.
func (n *DBusNotifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			n.withdraw()
			return
		case text := <-n.updates:
			if err := n.notify(ctx, text); err != nil {
				slog.Warn("[PRESENCE] notify", "error", err)
			}
		}
	}
}

func (n *DBusNotifier) notify(ctx context.Context, text string) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	n.mu.Lock()
	defer n.mu.Unlock()

	hints := map[string]dbus.Variant{
		"resident":  dbus.MakeVariant(true),
		"transient": dbus.MakeVariant(false),
		"urgency":   dbus.MakeVariant(byte(0)),
	}
	var id uint32
	err := n.obj.CallWithContext(ctx, notifyMethod, 0,
		n.appName, n.id, "", n.summary, text, []string{}, hints, int32(0),
	).Store(&id)
	if err != nil {
		return err
	}
	n.id = id
	return nil
}

func (n *DBusNotifier) withdraw() {
	n.mu.Lock()
	id := n.id
	n.id = 0
	n.mu.Unlock()
	if id == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	if err := n.obj.CallWithContext(ctx, closeMethod, 0, id).Err; err != nil {
		slog.Debug("[PRESENCE] close notification", "error", err)
	}
}

// Close withdraws the notification and releases the bus connection.
func (n *DBusNotifier) Close() error {
	n.withdraw()
	if n.conn != nil {
		return n.conn.Close()
	}
	return nil
}
