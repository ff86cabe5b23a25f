//go:build e2e

package e2e

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bluenviron/gomavlib/v3"
	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
)

// fakeAutopilot is a MAVLink TCP server that behaves like an ArduPilot
// vehicle flying a mission: it sends heartbeats and MISSION_CURRENT, and
// answers MISSION_REQUEST_LIST with MISSION_COUNT. The current waypoint
// advances by one on every request until it reaches the last item.
type fakeAutopilot struct {
	node     *gomavlib.Node
	count    uint16
	current  atomic.Uint32
	requests atomic.Int32
}

func startAutopilot(t *testing.T, count, start uint16) (*fakeAutopilot, string) {
	t.Helper()
	addr := fmt.Sprintf("127.0.0.1:%d", freePort(t))
	node := &gomavlib.Node{
		Endpoints:        []gomavlib.EndpointConf{gomavlib.EndpointTCPServer{Address: addr}},
		Dialect:          common.Dialect,
		OutVersion:       gomavlib.V2,
		OutSystemID:      1,
		OutComponentID:   1,
		HeartbeatDisable: true,
	}
	if err := node.Initialize(); err != nil {
		t.Fatalf("autopilot: %v", err)
	}
	ap := &fakeAutopilot{node: node, count: count}
	ap.current.Store(uint32(start))

	done := make(chan struct{})
	go ap.serve()
	go ap.broadcast(done)
	t.Cleanup(func() {
		close(done)
		node.Close()
	})
	return ap, "tcp:" + addr
}

func (ap *fakeAutopilot) serve() {
	for evt := range ap.node.Events() {
		frm, ok := evt.(*gomavlib.EventFrame)
		if !ok {
			continue
		}
		if _, ok := frm.Message().(*common.MessageMissionRequestList); !ok {
			continue
		}
		ap.requests.Add(1)
		ap.node.WriteMessageTo(frm.Channel, &common.MessageMissionCount{ //nolint:errcheck
			TargetSystem:    frm.SystemID(),
			TargetComponent: frm.ComponentID(),
			Count:           ap.count,
		})
		ap.sendCurrent()
		if cur := ap.current.Load(); ap.count > 0 && cur < uint32(ap.count-1) {
			ap.current.Store(cur + 1)
		}
	}
}

func (ap *fakeAutopilot) broadcast(done <-chan struct{}) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		ap.node.WriteMessageAll(&common.MessageHeartbeat{ //nolint:errcheck
			Type:         common.MAV_TYPE_QUADROTOR,
			Autopilot:    common.MAV_AUTOPILOT_ARDUPILOTMEGA,
			SystemStatus: common.MAV_STATE_ACTIVE,
		})
		ap.sendCurrent()
		select {
		case <-done:
			return
		case <-ticker.C:
		}
	}
}

func (ap *fakeAutopilot) sendCurrent() {
	ap.node.WriteMessageAll(&common.MessageMissionCurrent{ //nolint:errcheck
		Seq: uint16(ap.current.Load()),
	})
}
