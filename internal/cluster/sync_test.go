package cluster

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-gateway/internal/broker"
	"github.com/nerrad567/gray-logic-gateway/internal/device"
	"github.com/nerrad567/gray-logic-gateway/internal/envelope"
	"github.com/nerrad567/gray-logic-gateway/internal/hooks"
	"github.com/nerrad567/gray-logic-gateway/internal/variables"
)

// ===== Setup =====

func TestNew_RequiresCollaborators(t *testing.T) {
	if _, err := New(Deps{}, Options{GatewayID: gwLocal}); err == nil {
		t.Error("New() accepted empty deps")
	}
	if _, err := New(Deps{}, Options{}); err == nil {
		t.Error("New() accepted empty gateway id")
	}
}

func TestSync_StartRegistersTopology(t *testing.T) {
	h := newHarness(t, testOptions(gwLocal))
	tr := h.transport

	tr.mu.Lock()
	defer tr.mu.Unlock()

	if len(tr.exchanges) != 1 || tr.exchanges[0].Name != DefaultExchange || tr.exchanges[0].Type != "topic" {
		t.Errorf("exchanges = %+v", tr.exchanges)
	}
	if len(tr.queues) != 1 || tr.queues[0].Name != "ybo_gw_"+gwLocal {
		t.Errorf("queues = %+v", tr.queues)
	}
	if len(tr.bindings) != len(envelope.Filters(gwLocal)) {
		t.Errorf("bindings = %d, want %d", len(tr.bindings), len(envelope.Filters(gwLocal)))
	}
	if len(tr.subscriptions) != 1 || tr.subscriptions[0].Handler == nil {
		t.Errorf("subscriptions = %+v", tr.subscriptions)
	}
	if len(tr.onConnect) != 1 {
		t.Errorf("connect callbacks = %d, want 1", len(tr.onConnect))
	}
}

func TestSync_StartAfterStop(t *testing.T) {
	h := newHarness(t, testOptions(gwLocal))
	if err := h.sync.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := h.sync.Start(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("Start() after Stop error = %v, want ErrStopped", err)
	}
}

// ===== Inbound filtering =====

func TestSync_InboundFiltering(t *testing.T) {
	tests := []struct {
		name       string
		env        func(t *testing.T) envelope.Envelope
		wantReason string
		wantLogged bool
	}{
		{
			name: "own echo",
			env: func(t *testing.T) envelope.Envelope {
				e, _ := envelope.New(envelope.MessageData, gwLocal, envelope.DestinationAll, envelope.ComponentLib, ComponentAtoms, map[string]any{})
				return e
			},
			wantReason: "echo",
		},
		{
			name: "addressed to another gateway",
			env: func(t *testing.T) envelope.Envelope {
				e, _ := envelope.New(envelope.MessageData, gwPeer, "gw-other-000009", envelope.ComponentLib, ComponentAtoms, map[string]any{})
				return e
			},
			wantReason: "destination",
		},
		{
			name: "unknown module",
			env: func(t *testing.T) envelope.Envelope {
				e, _ := envelope.New(envelope.MessageData, gwPeer, envelope.DestinationAll, envelope.ComponentModule, "zwave", nil)
				return e
			},
			wantReason: "unknown_module",
			wantLogged: true,
		},
		{
			name: "unknown lib component",
			env: func(t *testing.T) envelope.Envelope {
				e, _ := envelope.New(envelope.MessageData, gwPeer, envelope.DestinationCluster, envelope.ComponentLib, "bogus", nil)
				return e
			},
			wantReason: "unknown_component",
			wantLogged: true,
		},
		{
			name: "bad presence status",
			env: func(t *testing.T) envelope.Envelope {
				e, _ := envelope.New(envelope.MessageData, gwPeer, envelope.DestinationAll, envelope.ComponentLib, ComponentGateway, Presence{Status: "sleepy"})
				return e
			},
			wantReason: "payload",
			wantLogged: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, testOptions(gwLocal))
			h.deliver(t, tt.env(t))

			if got := h.metrics.droppedFor(tt.wantReason); got != 1 {
				t.Errorf("dropped[%s] = %d, want 1", tt.wantReason, got)
			}
			if got := len(h.sync.IncomingLog()) == 1; got != tt.wantLogged {
				t.Errorf("logged = %v, want %v", got, tt.wantLogged)
			}
		})
	}
}

func TestSync_UndecodableDelivery(t *testing.T) {
	h := newHarness(t, testOptions(gwLocal))
	h.sync.HandleDelivery(context.Background(), broker.Delivery{
		Message: broker.Message{RoutingKey: "ybo_gw/" + gwPeer + "/all/lib/atoms", Body: []byte("not json")},
	})
	if h.metrics.droppedFor("decode") != 1 {
		t.Error("undecodable delivery not counted as dropped")
	}
}

func TestSync_RegisterModule(t *testing.T) {
	h := newHarness(t, testOptions(gwLocal))

	var got []string
	err := h.sync.RegisterModule("zwave", func(_ context.Context, env envelope.Envelope) error {
		got = append(got, env.SourceID)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := h.sync.RegisterModule("zwave", func(context.Context, envelope.Envelope) error { return nil }); !errors.Is(err, ErrModuleExists) {
		t.Errorf("duplicate RegisterModule() error = %v", err)
	}

	env, _ := envelope.New(envelope.MessageData, gwPeer, gwLocal, envelope.ComponentModule, "zwave", map[string]int{"node": 4})
	h.deliver(t, env)

	if len(got) != 1 || got[0] != gwPeer {
		t.Errorf("module handler saw %v", got)
	}
}

func TestSync_HandlerPanicIsContained(t *testing.T) {
	h := newHarness(t, testOptions(gwLocal))
	_ = h.sync.RegisterModule("flaky", func(context.Context, envelope.Envelope) error { panic("boom") })

	env, _ := envelope.New(envelope.MessageData, gwPeer, gwLocal, envelope.ComponentModule, "flaky", nil)
	h.deliver(t, env)

	if h.metrics.droppedFor("handler") != 1 {
		t.Error("panicking handler not counted as dropped")
	}
}

// ===== Variables =====

func TestSync_ImportsPeerVariables(t *testing.T) {
	h := newHarness(t, testOptions(gwLocal))

	h.deliverData(t, gwPeer, envelope.DestinationAll, ComponentStates, map[string]any{"is_dark": true})

	v, ok := h.states.Get(gwPeer, "is_dark")
	if !ok || v.Value != true || v.Source != variables.SourceSync {
		t.Errorf("imported state = %+v, %v", v, ok)
	}
	if _, ok := h.sync.Peers().Get(gwPeer); !ok {
		t.Error("sender not added to the peer directory")
	}
	if len(h.sent(t)) != 0 {
		t.Errorf("imported values were echoed: %d messages", len(h.sent(t)))
	}
}

func TestSync_LocalChangesGatedUntilSnapshot(t *testing.T) {
	h := newHarness(t, testOptions(gwLocal))
	ctx := context.Background()

	if err := h.atoms.Set(ctx, "os", "linux"); err != nil {
		t.Fatal(err)
	}
	if n := len(h.sent(t)); n != 0 {
		t.Fatalf("%d messages sent before the startup snapshot", n)
	}

	h.transport.connect()
	waitFor(t, "startup snapshot", h.sync.OKToPublish)

	first := h.sent(t)[0]
	if first.ComponentName != ComponentGateway || first.DestinationID != envelope.DestinationAll {
		t.Errorf("first message = %s to %s, want presence to all", first.ComponentName, first.DestinationID)
	}
	atoms := h.sentTo(t, envelope.DestinationAll, ComponentAtoms)
	if len(atoms) != 1 {
		t.Fatalf("atoms snapshots = %d, want 1", len(atoms))
	}
	var snap map[string]any
	if err := atoms[0].DecodePayload(&snap); err != nil || snap["os"] != "linux" {
		t.Errorf("atoms snapshot = %v, %v", snap, err)
	}
	for _, name := range []string{ComponentStates, ComponentDeviceStatus} {
		if len(h.sentTo(t, envelope.DestinationAll, name)) != 1 {
			t.Errorf("snapshot missing %s", name)
		}
	}

	if err := h.atoms.Set(ctx, "os", "freebsd"); err != nil {
		t.Fatal(err)
	}
	if len(h.sentTo(t, envelope.DestinationAll, ComponentAtoms)) != 2 {
		t.Error("local change after snapshot was not forwarded")
	}
}

// ===== Presence =====

func TestSync_PeerOnlineGetsItsOwnSnapshot(t *testing.T) {
	h := newHarness(t, testOptions(gwLocal))

	var mu sync.Mutex
	var online []string
	_ = h.hooks.Register(hooks.PeerOnline, "test", func(_ context.Context, p any) error {
		mu.Lock()
		defer mu.Unlock()
		online = append(online, p.(string))
		return nil
	})

	h.deliverData(t, gwPeer, envelope.DestinationAll, ComponentGateway, Presence{Status: StatusOnline})

	waitFor(t, "snapshot to peer", func() bool {
		return len(h.sentTo(t, gwPeer, ComponentDeviceStatus)) == 1
	})
	for _, name := range []string{ComponentAtoms, ComponentStates} {
		if len(h.sentTo(t, gwPeer, name)) != 1 {
			t.Errorf("snapshot to peer missing %s", name)
		}
	}
	if n := len(h.sentTo(t, envelope.DestinationAll, "")); n != 0 {
		t.Errorf("%d broadcast messages, want snapshot addressed to the peer only", n)
	}

	p, _ := h.sync.Peers().Get(gwPeer)
	if p.Status != StatusOnline || p.Role != RoleSlave {
		t.Errorf("peer = %+v", p)
	}
	mu.Lock()
	if len(online) != 1 || online[0] != gwPeer {
		t.Errorf("peer online hook saw %v", online)
	}
	mu.Unlock()

	// A second announcement inside the resync interval is not answered.
	h.deliverData(t, gwPeer, envelope.DestinationAll, ComponentGateway, Presence{Status: StatusOnline})
	time.Sleep(30 * time.Millisecond)
	if n := len(h.sentTo(t, gwPeer, ComponentDeviceStatus)); n != 1 {
		t.Errorf("snapshots to peer = %d after repeated announcement, want 1", n)
	}

	h.deliverData(t, gwPeer, envelope.DestinationAll, ComponentGateway, Presence{Status: StatusOffline})
	if p, _ := h.sync.Peers().Get(gwPeer); p.Status != StatusOffline {
		t.Errorf("status after offline = %s", p.Status)
	}
}

func TestSync_MasterPresenceSetsRole(t *testing.T) {
	opts := testOptions(gwLocal)
	opts.MasterID = ""
	h := newHarness(t, opts)

	h.deliverData(t, gwMaster, envelope.DestinationAll, ComponentGateway, Presence{Status: StatusOnline, IsMaster: true})

	p, ok := h.sync.Peers().Get(gwMaster)
	if !ok || p.Role != RoleMaster {
		t.Errorf("master peer = %+v, %v", p, ok)
	}
}

func TestSync_OfflineMessage(t *testing.T) {
	h := newHarness(t, testOptions(gwLocal))

	msg, err := h.sync.OfflineMessage()
	if err != nil {
		t.Fatal(err)
	}
	env, err := h.codec.Decode(msg.RoutingKey, msg.Body)
	if err != nil {
		t.Fatal(err)
	}
	var p Presence
	if err := env.DecodePayload(&p); err != nil || p.Status != StatusOffline {
		t.Errorf("offline payload = %+v, %v", p, err)
	}
	if env.DestinationID != envelope.DestinationAll || msg.Exchange != DefaultExchange {
		t.Errorf("offline message to %s on %s", env.DestinationID, msg.Exchange)
	}

	// Each build is a new message.
	var build broker.WillFunc = h.sync.OfflineMessage
	again, err := build()
	if err != nil {
		t.Fatal(err)
	}
	if again.MessageID == "" || again.MessageID == msg.MessageID {
		t.Errorf("rebuilt offline message id = %q, first = %q", again.MessageID, msg.MessageID)
	}
}

// ===== Devices =====

func TestSync_DeviceStatusFromPeer(t *testing.T) {
	h := newHarness(t, testOptions(gwLocal))

	h.deliverData(t, gwPeer, envelope.DestinationAll, ComponentDeviceStatus, []DeviceStatus{
		{DeviceID: "dev-peer", GatewayID: gwPeer, Status: device.Status{"on": true}},
		{DeviceID: "dev-local", GatewayID: gwLocal, Status: device.Status{"on": true}},
		{DeviceID: "dev-missing", GatewayID: gwPeer, Status: device.Status{"on": true}},
	})

	d, _ := h.devices.Get("dev-peer")
	if d.Status["on"] != true {
		t.Errorf("peer device status = %v", d.Status)
	}
	d, _ = h.devices.Get("dev-local")
	if d.Status["on"] == true {
		t.Error("peer overwrote the status of a locally owned device")
	}
	if len(h.sent(t)) != 0 {
		t.Error("synced status was re-broadcast")
	}
}

func TestSync_DeviceCommandOwnership(t *testing.T) {
	tests := []struct {
		name       string
		self       string
		from       string
		deviceID   string
		wantStored bool
		wantStatus device.CommandStatus
		wantAck    bool
	}{
		{name: "slave owner acknowledges", self: gwLocal, from: gwMaster, deviceID: "dev-local", wantStored: true, wantStatus: device.CommandReceived, wantAck: true},
		{name: "slave ignores foreign device", self: gwLocal, from: gwMaster, deviceID: "dev-peer"},
		{name: "master tracks foreign device", self: gwMaster, from: gwLocal, deviceID: "dev-peer", wantStored: true, wantStatus: device.CommandPending},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, testOptions(tt.self))
			h.deliverData(t, tt.from, envelope.DestinationCluster, ComponentDeviceCommand, []device.Command{
				{ID: "req-1", DeviceID: tt.deviceID, Command: "on"},
			})

			c, err := h.devices.GetCommand("req-1")
			if !tt.wantStored {
				if !errors.Is(err, device.ErrCommandNotFound) {
					t.Errorf("GetCommand() error = %v, want ErrCommandNotFound", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("GetCommand() error = %v", err)
			}
			if c.Status != tt.wantStatus || c.SourceGatewayID != tt.from {
				t.Errorf("command = %+v", c)
			}

			acks := h.sentTo(t, envelope.DestinationCluster, ComponentDeviceCommandStatus)
			if got := len(acks) == 1; got != tt.wantAck {
				t.Fatalf("acknowledgements = %d", len(acks))
			}
			if tt.wantAck {
				var st []CommandStatus
				if err := acks[0].DecodePayload(&st); err != nil || len(st) != 1 || st[0].Status != device.CommandReceived {
					t.Errorf("ack payload = %+v, %v", st, err)
				}
			}
			if n := len(h.sentTo(t, envelope.DestinationCluster, ComponentDeviceCommand)); n != 0 {
				t.Errorf("synced command re-sent %d times", n)
			}
		})
	}
}

func TestSync_LocalCommandSentToCluster(t *testing.T) {
	h := newHarness(t, testOptions(gwLocal))

	_, err := h.devices.Command(context.Background(), device.Command{ID: "req-7", DeviceID: "dev-peer", Command: "off"}, variables.SourceLocal)
	if err != nil {
		t.Fatal(err)
	}
	sent := h.sentTo(t, envelope.DestinationCluster, ComponentDeviceCommand)
	if len(sent) != 1 {
		t.Fatalf("device_command messages = %d, want 1", len(sent))
	}
	if h.transport.lanes[0] != broker.LaneHigh {
		t.Errorf("lane = %s, want high", h.transport.lanes[0])
	}

	h.deliverData(t, gwPeer, envelope.DestinationCluster, ComponentDeviceCommandStatus, []CommandStatus{
		{RequestID: "req-7", DeviceID: "dev-peer", Status: device.CommandDone},
	})
	c, _ := h.devices.GetCommand("req-7")
	if c.Status != device.CommandDone {
		t.Errorf("status after peer update = %s", c.Status)
	}
}

// ===== Requests =====

func TestSync_AnswersVariableRequest(t *testing.T) {
	h := newHarness(t, testOptions(gwLocal))
	_ = h.states.Set(context.Background(), "mode", "home")
	_ = h.states.Set(context.Background(), "alarm", "off")

	req, _ := envelope.New(envelope.MessageRequest, gwPeer, gwLocal, envelope.ComponentLib, ComponentStates, []string{"mode"})
	req.CorrelationID = "corr-9"
	h.deliver(t, req)

	msgs := h.transport.messages()
	if len(msgs) != 1 {
		t.Fatalf("published %d messages, want 1 reply", len(msgs))
	}
	if msgs[0].ReplyCorrelationID != "corr-9" {
		t.Errorf("ReplyCorrelationID = %q", msgs[0].ReplyCorrelationID)
	}
	reply := h.sent(t)[0]
	if reply.DestinationID != gwPeer || reply.ReplyToID != req.MessageID {
		t.Errorf("reply = %+v", reply)
	}
	var got map[string]any
	if err := reply.DecodePayload(&got); err != nil || len(got) != 1 || got["mode"] != "home" {
		t.Errorf("reply payload = %v, %v", got, err)
	}
}

// ===== Logs =====

func TestSync_MessageLogs(t *testing.T) {
	h := newHarness(t, testOptions(gwLocal))

	h.deliverData(t, gwPeer, envelope.DestinationAll, ComponentAtoms, map[string]any{"a": 1})
	if err := h.sync.Send(gwPeer, envelope.ComponentLib, ComponentNotification, "hello", broker.LaneNormal); err != nil {
		t.Fatal(err)
	}

	in, out := h.sync.IncomingLog(), h.sync.OutgoingLog()
	if len(in) != 1 || in[0].Component != "lib.atoms" || in[0].Direction != Inbound {
		t.Errorf("incoming log = %+v", in)
	}
	if len(out) != 1 || out[0].DestinationID != gwPeer || out[0].Direction != Outbound {
		t.Errorf("outgoing log = %+v", out)
	}

	p, _ := h.sync.Peers().Get(gwPeer)
	if len(p.Recent) != 2 {
		t.Errorf("peer recent communications = %d, want 2", len(p.Recent))
	}
}
