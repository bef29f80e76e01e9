package link

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaz8081/pixelble/internal/ble"
	"github.com/chaz8081/pixelble/internal/ble/bletest"
	"github.com/chaz8081/pixelble/internal/ble/protocol"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

var (
	pixelA  = ble.Peripheral{Address: "AA:BB:CC:DD:EE:01", Name: ble.DefaultDeviceName, RSSI: -40}
	pixelB  = ble.Peripheral{Address: "AA:BB:CC:DD:EE:02", Name: ble.DefaultDeviceName, RSSI: -61}
	speaker = ble.Peripheral{Address: "11:22:33:44:55:66", Name: "Speaker", RSSI: -50}
)

// recordingPresence captures presence updates.
type recordingPresence struct {
	mu    sync.Mutex
	texts []string
}

func (p *recordingPresence) OnTelemetryUpdated(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.texts = append(p.texts, text)
}

func (p *recordingPresence) Texts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.texts...)
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.Session.SettleDelay = time.Millisecond
	opts.ReconnectDelay = 20 * time.Millisecond
	opts.DisconnectTimeout = 100 * time.Millisecond
	return opts
}

func startController(t *testing.T, adapter ble.Adapter, opts Options) *Controller {
	t.Helper()
	c := NewController(adapter, opts)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-errCh
	})
	return c
}

func waitStatus(t *testing.T, c *Controller, want Status) {
	t.Helper()
	require.Eventually(t, func() bool { return c.Status().Get() == want },
		waitFor, tick, "status never reached %s (now %s)", want, c.Status().Get())
}

func connectReady(t *testing.T, c *Controller, address string) {
	t.Helper()
	require.NoError(t, c.Connect(address))
	waitStatus(t, c, StatusReady)
}

func TestScanSurfacesEachMatchingDeviceOnce(t *testing.T) {
	adapter := bletest.NewAdapter(pixelA, speaker, pixelA, pixelB, pixelA)
	c := startController(t, adapter, testOptions())

	require.NoError(t, c.StartScan())
	require.Eventually(t, func() bool { return len(c.Devices().Get()) == 2 }, waitFor, tick)

	assert.Equal(t, StatusScanning, c.Status().Get())
	assert.Equal(t, []ble.Peripheral{pixelA, pixelB}, c.Devices().Get())

	require.NoError(t, c.StopScan())
	assert.Equal(t, StatusIdle, c.Status().Get())
	require.NoError(t, c.StopScan(), "stop is idempotent")
}

func TestStartScanTwice(t *testing.T) {
	c := startController(t, bletest.NewAdapter(pixelA), testOptions())
	require.NoError(t, c.StartScan())
	assert.ErrorIs(t, c.StartScan(), ble.ErrScanInProgress)
	assert.Equal(t, StatusScanning, c.Status().Get())
}

func TestStartScanRefusedWhileConnected(t *testing.T) {
	adapter := bletest.NewAdapter(pixelA, pixelB)
	c := startController(t, adapter, testOptions())
	connectReady(t, c, pixelA.Address)

	assert.ErrorIs(t, c.StartScan(), ErrBusy)
	assert.Equal(t, StatusReady, c.Status().Get())
	assert.Empty(t, c.Devices().Get())
	assert.Zero(t, adapter.Scans())
}

func TestConnectStopsScanAndClearsDevices(t *testing.T) {
	adapter := bletest.NewAdapter(pixelA)
	c := startController(t, adapter, testOptions())

	require.NoError(t, c.StartScan())
	require.Eventually(t, func() bool { return len(c.Devices().Get()) == 1 }, waitFor, tick)

	connectReady(t, c, pixelA.Address)

	assert.Empty(t, c.Devices().Get())
	assert.True(t, c.Connected().Get())
	assert.Equal(t, pixelA.Address, c.Target().Get())
	st := c.State()
	require.NotNil(t, st.Target)
	assert.Equal(t, pixelA, *st.Target, "target keeps the advertised identity")
	assert.NoError(t, st.LastError)

	conn := adapter.LatestConnection()
	assert.True(t, conn.Char.Subscribed())
}

func TestConnectIsNotReentrant(t *testing.T) {
	adapter := bletest.NewAdapter()
	c := startController(t, adapter, testOptions())
	connectReady(t, c, pixelA.Address)

	assert.NoError(t, c.Connect(pixelA.Address), "same target is a no-op")
	assert.ErrorIs(t, c.Connect(pixelB.Address), ErrBusy)
	assert.Equal(t, []string{pixelA.Address}, adapter.Dialed())
	assert.Equal(t, pixelA.Address, c.Target().Get())
}

func TestSendDroppedUnlessReady(t *testing.T) {
	adapter := bletest.NewAdapter()
	opts := testOptions()
	opts.Session.SettleDelay = time.Hour
	c := startController(t, adapter, opts)

	assert.ErrorIs(t, c.SendCommand([]byte("!.")), ble.ErrNotReady)

	require.NoError(t, c.Connect(pixelA.Address))
	waitStatus(t, c, StatusNegotiating)
	assert.ErrorIs(t, c.Send(protocol.ClearAll{}), ble.ErrNotReady)

	assert.Empty(t, adapter.LatestConnection().Char.Writes())
	assert.NoError(t, c.LastError().Get(), "dropped sends are not surfaced")
}

func TestSendWritesEncodedInstruction(t *testing.T) {
	adapter := bletest.NewAdapter()
	c := startController(t, adapter, testOptions())
	connectReady(t, c, pixelA.Address)

	require.NoError(t, c.Send(protocol.SetAll{Brightness: 100, R: 255}))
	require.NoError(t, c.Send(protocol.SetPixel{Index: 3, Brightness: 120, G: 255, B: 128}))

	writes := adapter.LatestConnection().Char.Writes()
	require.Len(t, writes, 2)
	assert.Equal(t, "*100,255,0,0.", string(writes[0]))
	assert.Equal(t, "_3,120,0,255,128.", string(writes[1]))
}

func TestWriteFailureSurfaces(t *testing.T) {
	adapter := bletest.NewAdapter()
	adapter.SetConnectionFactory(func() *bletest.Connection {
		conn := bletest.NewConnection()
		conn.Char.WriteErr = errors.New("gatt busy")
		return conn
	})
	c := startController(t, adapter, testOptions())
	connectReady(t, c, pixelA.Address)

	assert.ErrorIs(t, c.SendCommand([]byte("!.")), ble.ErrWriteFailed)
	assert.ErrorIs(t, c.LastError().Get(), ble.ErrWriteFailed)
	assert.Equal(t, StatusReady, c.Status().Get())
}

func TestTelemetryUpdatesStateAndPresence(t *testing.T) {
	adapter := bletest.NewAdapter()
	presence := &recordingPresence{}
	opts := testOptions()
	opts.Presence = presence
	c := startController(t, adapter, opts)
	connectReady(t, c, pixelA.Address)
	char := adapter.LatestConnection().Char

	char.SimulateNotification([]byte("D:1,A:512\n"))
	want := protocol.Reading{Digital: 1, Analog: 512}
	require.Eventually(t, func() bool { return c.Telemetry().Get()[pixelA.Address] == want }, waitFor, tick)
	assert.Equal(t, []string{"Digital: 1 | Analog: 512"}, presence.Texts())

	for _, junk := range []string{"garbage", "D:5", "D:5,A:"} {
		char.SimulateNotification([]byte(junk))
	}
	char.SimulateNotification([]byte("D:0,A:7"))
	want = protocol.Reading{Digital: 0, Analog: 7}
	require.Eventually(t, func() bool { return c.Telemetry().Get()[pixelA.Address] == want }, waitFor, tick)

	assert.Len(t, presence.Texts(), 2, "malformed frames never reach presence")
	assert.NoError(t, c.LastError().Get(), "malformed frames are not surfaced")
}

func TestAbnormalLossReconnectsToSameTarget(t *testing.T) {
	adapter := bletest.NewAdapter(pixelA, pixelB)
	c := startController(t, adapter, testOptions())
	connectReady(t, c, pixelA.Address)

	first := adapter.LatestConnection()
	first.Char.SimulateNotification([]byte("D:1,A:1"))
	require.Eventually(t, func() bool { return len(c.Telemetry().Get()) == 1 }, waitFor, tick)

	first.SimulateDisconnect(ble.StatusConnectionTimeout)

	require.Eventually(t, func() bool { return len(adapter.Dialed()) == 2 }, waitFor, tick)
	assert.Equal(t, []string{pixelA.Address, pixelA.Address}, adapter.Dialed())
	waitStatus(t, c, StatusReady)

	assert.Equal(t, 1, first.Closes(), "lost link handle is released")
	assert.Equal(t, pixelA.Address, c.Target().Get())
	assert.Contains(t, c.Telemetry().Get(), pixelA.Address, "telemetry survives a link loss")
	assert.NoError(t, c.LastError().Get(), "error clears once ready again")
}

func TestAbnormalLossSurfacesError(t *testing.T) {
	adapter := bletest.NewAdapter()
	opts := testOptions()
	opts.ReconnectDelay = time.Hour
	c := startController(t, adapter, opts)
	connectReady(t, c, pixelA.Address)

	adapter.LatestConnection().SimulateDisconnect(ble.StatusRemoteTerminated)
	waitStatus(t, c, StatusIdle)

	var cfe *ble.ConnectionFailedError
	require.Eventually(t, func() bool { return errors.As(c.LastError().Get(), &cfe) }, waitFor, tick)
	assert.Equal(t, ble.StatusRemoteTerminated, cfe.Status)
	assert.False(t, c.Connected().Get())
	assert.Empty(t, c.Target().Get())
	assert.Nil(t, c.State().Target)

	snap := c.Snapshot()
	assert.Equal(t, pixelA.Address, snap.ReconnectPending)
	assert.Equal(t, 1, snap.ReconnectAttempts)
}

func TestCleanPeripheralCloseDoesNotReconnect(t *testing.T) {
	adapter := bletest.NewAdapter()
	c := startController(t, adapter, testOptions())
	connectReady(t, c, pixelA.Address)

	adapter.LatestConnection().SimulateDisconnect(ble.StatusSuccess)
	waitStatus(t, c, StatusIdle)

	time.Sleep(60 * time.Millisecond)
	assert.Len(t, adapter.Dialed(), 1)
	assert.Empty(t, c.Snapshot().ReconnectPending)
}

func TestCallerDisconnectSuppressesReconnect(t *testing.T) {
	adapter := bletest.NewAdapter()
	adapter.SetConnectionFactory(func() *bletest.Connection {
		conn := bletest.NewConnection()
		conn.Silent = true
		return conn
	})
	c := startController(t, adapter, testOptions())
	connectReady(t, c, pixelA.Address)
	conn := adapter.LatestConnection()
	conn.Char.SimulateNotification([]byte("D:1,A:9"))
	require.Eventually(t, func() bool { return len(c.Telemetry().Get()) == 1 }, waitFor, tick)

	require.NoError(t, c.Disconnect())
	assert.Equal(t, StatusDisconnecting, c.Status().Get())
	assert.Equal(t, 1, conn.Disconnects())

	// The platform reports a non-success teardown status.
	conn.SimulateDisconnect(ble.StatusConnectionTimeout)
	waitStatus(t, c, StatusIdle)

	time.Sleep(60 * time.Millisecond)
	assert.Len(t, adapter.Dialed(), 1, "no reconnect after caller disconnect")
	assert.Empty(t, c.Telemetry().Get())
	assert.Empty(t, c.Target().Get())
	assert.Equal(t, 1, conn.Closes())
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	adapter := bletest.NewAdapter()
	opts := testOptions()
	opts.ReconnectDelay = 80 * time.Millisecond
	c := startController(t, adapter, opts)
	connectReady(t, c, pixelA.Address)

	adapter.LatestConnection().SimulateDisconnect(ble.StatusConnectionTimeout)
	require.Eventually(t, func() bool { return c.Snapshot().ReconnectPending == pixelA.Address }, waitFor, tick)

	require.NoError(t, c.Disconnect())
	time.Sleep(150 * time.Millisecond)

	assert.Len(t, adapter.Dialed(), 1)
	assert.Empty(t, c.Snapshot().ReconnectPending)
	assert.Equal(t, StatusIdle, c.Status().Get())
}

func TestDisconnectTimeoutReleasesLink(t *testing.T) {
	adapter := bletest.NewAdapter()
	adapter.SetConnectionFactory(func() *bletest.Connection {
		conn := bletest.NewConnection()
		conn.Silent = true
		return conn
	})
	c := startController(t, adapter, testOptions())
	connectReady(t, c, pixelA.Address)

	require.NoError(t, c.Disconnect())
	waitStatus(t, c, StatusIdle)
	assert.Equal(t, 1, adapter.LatestConnection().Closes())
}

func TestDisconnectWhileNegotiating(t *testing.T) {
	adapter := bletest.NewAdapter()
	opts := testOptions()
	opts.Session.SettleDelay = time.Hour
	c := startController(t, adapter, opts)

	require.NoError(t, c.Connect(pixelA.Address))
	waitStatus(t, c, StatusNegotiating)
	require.NoError(t, c.Disconnect())
	waitStatus(t, c, StatusIdle)

	assert.Equal(t, 1, adapter.LatestConnection().Closes())
	assert.NoError(t, c.LastError().Get())
}

func TestMissingServiceIsTerminal(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*bletest.Connection)
		want  error
	}{
		{"service", func(c *bletest.Connection) { c.DiscoverErr = ble.ErrServiceNotFound }, ble.ErrServiceNotFound},
		{"characteristic", func(c *bletest.Connection) { c.DiscoverErr = ble.ErrCharacteristicNotFound }, ble.ErrCharacteristicNotFound},
		{"descriptor", func(c *bletest.Connection) { c.Char.NotifyErr = ble.ErrDescriptorNotFound }, ble.ErrDescriptorNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter := bletest.NewAdapter()
			adapter.SetConnectionFactory(func() *bletest.Connection {
				conn := bletest.NewConnection()
				tt.setup(conn)
				return conn
			})
			c := startController(t, adapter, testOptions())
			require.NoError(t, c.Connect(pixelA.Address))

			require.Eventually(t, func() bool { return errors.Is(c.LastError().Get(), tt.want) }, waitFor, tick)
			assert.Equal(t, StatusIdle, c.Status().Get())
			assert.Equal(t, 1, adapter.LatestConnection().Closes())

			time.Sleep(60 * time.Millisecond)
			assert.Len(t, adapter.Dialed(), 1, "no retry after a missing service")
		})
	}
}

func TestTransientNegotiationFailureRetries(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*bletest.Connection)
	}{
		{"descriptor write busy", func(c *bletest.Connection) {
			c.Char.NotifyErr = errors.New("gatt: write descriptor: operation in progress")
		}},
		{"discovery exchange fails", func(c *bletest.Connection) { c.DiscoverErr = errors.New("gatt: att timeout") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter := bletest.NewAdapter()
			dials := 0
			adapter.SetConnectionFactory(func() *bletest.Connection {
				// Called with the adapter lock held.
				dials++
				conn := bletest.NewConnection()
				if dials == 1 {
					tt.setup(conn)
				}
				return conn
			})
			opts := testOptions()
			opts.ReconnectDelay = 150 * time.Millisecond
			c := startController(t, adapter, opts)
			require.NoError(t, c.Connect(pixelA.Address))

			var cfe *ble.ConnectionFailedError
			require.Eventually(t, func() bool { return errors.As(c.LastError().Get(), &cfe) }, waitFor, tick)
			assert.Equal(t, ble.StatusGattError, cfe.Status)
			assert.NotErrorIs(t, c.LastError().Get(), ble.ErrDescriptorNotFound)
			assert.NotErrorIs(t, c.LastError().Get(), ble.ErrServiceNotFound)
			assert.Equal(t, pixelA.Address, c.Snapshot().ReconnectPending)

			waitStatus(t, c, StatusReady)
			assert.Equal(t, []string{pixelA.Address, pixelA.Address}, adapter.Dialed())
			assert.NoError(t, c.LastError().Get())
		})
	}
}

func TestConnectCancelsPendingReconnect(t *testing.T) {
	adapter := bletest.NewAdapter()
	opts := testOptions()
	opts.ReconnectDelay = 80 * time.Millisecond
	c := startController(t, adapter, opts)
	connectReady(t, c, pixelA.Address)

	adapter.LatestConnection().SimulateDisconnect(ble.StatusConnectionTimeout)
	require.Eventually(t, func() bool { return c.Snapshot().ReconnectPending == pixelA.Address }, waitFor, tick)

	connectReady(t, c, pixelB.Address)
	assert.Empty(t, c.Snapshot().ReconnectPending)

	// The cancelled retry must not fire after its delay.
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, []string{pixelA.Address, pixelB.Address}, adapter.Dialed())
	assert.Equal(t, StatusReady, c.Status().Get())
	assert.Equal(t, pixelB.Address, c.Target().Get())
}

func TestConnectFailureRetriesUntilReachable(t *testing.T) {
	adapter := bletest.NewAdapter()
	adapter.SetConnectErr(errors.New("page timeout"))
	c := startController(t, adapter, testOptions())

	require.NoError(t, c.Connect(pixelA.Address))
	require.Eventually(t, func() bool { return len(adapter.Dialed()) >= 3 }, waitFor, tick)
	for _, addr := range adapter.Dialed() {
		assert.Equal(t, pixelA.Address, addr)
	}

	adapter.SetConnectErr(nil)
	waitStatus(t, c, StatusReady)
	assert.Empty(t, c.Snapshot().ReconnectPending)
}

func TestScanFailureSurfaces(t *testing.T) {
	adapter := bletest.NewAdapter()
	adapter.SetScanErr(errors.New("bluez: not ready"))
	c := startController(t, adapter, testOptions())

	require.NoError(t, c.StartScan())
	require.Eventually(t, func() bool { return errors.Is(c.LastError().Get(), ble.ErrScanUnavailable) }, waitFor, tick)
	waitStatus(t, c, StatusIdle)
}

func TestRadioDisabled(t *testing.T) {
	adapter := bletest.NewAdapter(pixelA)
	adapter.SetEnableErr(errors.New("no adapter"))
	c := startController(t, adapter, testOptions())

	assert.ErrorIs(t, c.StartScan(), ble.ErrScanUnavailable)
	assert.ErrorIs(t, c.Connect(pixelA.Address), ble.ErrScanUnavailable)
	assert.False(t, c.RadioEnabled().Get())
	assert.ErrorIs(t, c.LastError().Get(), ble.ErrScanUnavailable)
}

func TestRequestsAfterShutdown(t *testing.T) {
	adapter := bletest.NewAdapter()
	c := NewController(adapter, testOptions())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	connectReady(t, c, pixelA.Address)
	cancel()
	require.NoError(t, <-done)

	assert.ErrorIs(t, c.StartScan(), ErrClosed)
	assert.ErrorIs(t, c.Disconnect(), ErrClosed)
	assert.Equal(t, 1, adapter.LatestConnection().Closes())
	assert.Error(t, c.Run(context.Background()), "Run is single use")
}

func TestSnapshotJSON(t *testing.T) {
	adapter := bletest.NewAdapter()
	c := startController(t, adapter, testOptions())
	connectReady(t, c, pixelA.Address)
	adapter.LatestConnection().Char.SimulateNotification([]byte("D:1,A:42"))
	require.Eventually(t, func() bool { return len(c.Snapshot().Telemetry) == 1 }, waitFor, tick)

	data, err := json.Marshal(c.Snapshot())
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "ready", got["status"])
	assert.Equal(t, true, got["connected"])
	assert.Equal(t, pixelA.Address, got["target"])
	assert.Equal(t, map[string]any{"digital": float64(1), "analog": float64(42)},
		got["telemetry"].(map[string]any)[pixelA.Address])
}

func TestSimulatedPeripheralEndToEnd(t *testing.T) {
	sim := ble.NewSimAdapter(ble.DefaultDeviceName)
	sim.AdvertiseInterval = 5 * time.Millisecond
	sim.TelemetryInterval = 5 * time.Millisecond
	c := startController(t, sim, testOptions())

	require.NoError(t, c.StartScan())
	require.Eventually(t, func() bool { return len(c.Devices().Get()) == 1 }, waitFor, tick)
	assert.Equal(t, sim.Peripheral, c.Devices().Get()[0])

	connectReady(t, c, sim.Peripheral.Address)
	require.Eventually(t, func() bool {
		_, ok := c.Telemetry().Get()[sim.Peripheral.Address]
		return ok
	}, waitFor, tick)
	require.NoError(t, c.Send(protocol.ClearAll{}))

	require.NoError(t, c.Disconnect())
	waitStatus(t, c, StatusIdle)
	assert.Empty(t, c.Telemetry().Get())
}
