package mission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bluenviron/gomavlib/v3"
	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
	"github.com/bluenviron/gomavlib/v3/pkg/message"
)

const (
	defaultSystemID    = 255 // ground control station range
	defaultPollTimeout = 3 * time.Second
	defaultLinkTimeout = 10 * time.Second
	defaultSerialBaud  = 57600
)

// ErrNoAutopilot is returned by a poll before any autopilot heartbeat has
// been seen.
var ErrNoAutopilot = errors.New("no autopilot heartbeat received")

// ErrUnreachable is returned by Dial when no MAVLink link came up within
// ConnectTimeout.
var ErrUnreachable = errors.New("flight controller unreachable")

// ControllerConfig configures the MAVLink connection to the flight
// controller.
type ControllerConfig struct {
	// Address is one of tcp:host:port, udp:host:port, udpin:host:port or
	// serial:/dev/ttyX[:baud].
	Address string

	// SystemID is the MAVLink system id used by the relay (default 255).
	SystemID byte

	// PollTimeout bounds a single mission-state poll (default 3s).
	PollTimeout time.Duration

	// ConnectTimeout bounds how long Dial waits for the link to come up:
	// a channel opening or an autopilot heartbeat (default 10s).
	ConnectTimeout time.Duration

	Logger *slog.Logger
}

// ParseAddress converts a connection address into a gomavlib endpoint.
func ParseAddress(addr string) (gomavlib.EndpointConf, error) {
	scheme, rest, ok := strings.Cut(strings.TrimSpace(addr), ":")
	if !ok || rest == "" {
		return nil, fmt.Errorf("invalid flight controller address %q (want scheme:address)", addr)
	}
	switch strings.ToLower(scheme) {
	case "tcp", "udp", "udpin":
		if _, _, err := net.SplitHostPort(rest); err != nil {
			return nil, fmt.Errorf("invalid flight controller address %q: %w", addr, err)
		}
	}
	switch strings.ToLower(scheme) {
	case "tcp":
		return gomavlib.EndpointTCPClient{Address: rest}, nil
	case "udp":
		return gomavlib.EndpointUDPClient{Address: rest}, nil
	case "udpin":
		return gomavlib.EndpointUDPServer{Address: rest}, nil
	case "serial":
		device, baud := rest, defaultSerialBaud
		if i := strings.LastIndex(rest, ":"); i > 0 {
			if b, err := strconv.Atoi(rest[i+1:]); err == nil {
				device, baud = rest[:i], b
			}
		}
		return gomavlib.EndpointSerial{Device: device, Baud: baud}, nil
	default:
		return nil, fmt.Errorf("unsupported flight controller scheme %q", scheme)
	}
}

// IsFinalWaypoint reports whether the current mission item is the last of
// count items.
func IsFinalWaypoint(current, count uint16) bool {
	return count > 0 && current == count-1
}

// Controller is a MAVLink client that answers "is the vehicle heading to
// its final waypoint".
type Controller struct {
	node    *gomavlib.Node
	send    func(message.Message)
	logger  *slog.Logger
	timeout time.Duration

	mu        sync.Mutex
	targetSys byte
	targetCmp byte
	hasTarget bool

	counts    chan uint16
	currents  chan uint16
	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	once      sync.Once
}

// Dial opens the MAVLink endpoint, starts reading from it and waits up to
// cfg.ConnectTimeout for the link to come up. A TCP client that never
// reaches its peer fails with ErrUnreachable.
func Dial(cfg ControllerConfig) (*Controller, error) {
	ep, err := ParseAddress(cfg.Address)
	if err != nil {
		return nil, err
	}
	if cfg.SystemID == 0 {
		cfg.SystemID = defaultSystemID
	}
	node := &gomavlib.Node{
		Endpoints:   []gomavlib.EndpointConf{ep},
		Dialect:     common.Dialect,
		OutVersion:  gomavlib.V2,
		OutSystemID: cfg.SystemID,
	}
	if err := node.Initialize(); err != nil {
		return nil, fmt.Errorf("open flight controller %s: %w", cfg.Address, err)
	}

	send := func(m message.Message) {
		node.WriteMessageAll(m) //nolint:errcheck
	}
	c := newController(send, cfg.PollTimeout, cfg.Logger)
	c.node = node
	go c.run(node.Events())
	if err := c.awaitLink(cfg.ConnectTimeout); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("open flight controller %s: %w", cfg.Address, err)
	}
	c.logger.Info("flight controller opened", "address", cfg.Address)
	return c, nil
}

// awaitLink blocks until a channel opens or an autopilot is heard.
func (c *Controller) awaitLink(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = defaultLinkTimeout
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-c.ready:
		return nil
	case <-c.done:
		return fmt.Errorf("%w: node closed", ErrUnreachable)
	case <-t.C:
		return fmt.Errorf("%w: no link after %v", ErrUnreachable, timeout)
	}
}

func (c *Controller) markReady() {
	c.readyOnce.Do(func() { close(c.ready) })
}

func newController(send func(message.Message), timeout time.Duration, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = defaultPollTimeout
	}
	return &Controller{
		send:     send,
		logger:   logger,
		timeout:  timeout,
		counts:   make(chan uint16, 1),
		currents: make(chan uint16, 1),
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (c *Controller) run(events <-chan gomavlib.Event) {
	for evt := range events {
		switch e := evt.(type) {
		case *gomavlib.EventFrame:
			c.handle(e.SystemID(), e.ComponentID(), e.Message())
		case *gomavlib.EventChannelOpen:
			c.logger.Debug("mavlink channel open", "channel", e.Channel)
			c.markReady()
		case *gomavlib.EventChannelClose:
			c.logger.Debug("mavlink channel closed", "channel", e.Channel)
		}
	}
	c.closeDone()
}

func (c *Controller) handle(sys, cmp byte, msg message.Message) {
	switch m := msg.(type) {
	case *common.MessageHeartbeat:
		if m.Autopilot == common.MAV_AUTOPILOT_INVALID {
			return // another ground station or a peripheral
		}
		c.mu.Lock()
		if !c.hasTarget || c.targetSys != sys {
			c.logger.Info("autopilot found", "system_id", sys, "component_id", cmp)
		}
		c.targetSys, c.targetCmp, c.hasTarget = sys, cmp, true
		c.mu.Unlock()
		c.markReady()
	case *common.MessageMissionCurrent:
		if c.fromTarget(sys) {
			offer(c.currents, m.Seq)
		}
	case *common.MessageMissionCount:
		if c.fromTarget(sys) {
			offer(c.counts, m.Count)
		}
	}
}

func (c *Controller) fromTarget(sys byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasTarget && c.targetSys == sys
}

func (c *Controller) target() (sys, cmp byte, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.targetSys, c.targetCmp, c.hasTarget
}

// IsAtFinalWaypoint requests the mission item count, waits for the next
// MISSION_CURRENT report, and compares the two. Each call is a fresh
// exchange; nothing is cached between polls.
func (c *Controller) IsAtFinalWaypoint(ctx context.Context) (bool, error) {
	sys, cmp, ok := c.target()
	if !ok {
		return false, ErrNoAutopilot
	}
	drain(c.counts)
	drain(c.currents)
	c.send(&common.MessageMissionRequestList{TargetSystem: sys, TargetComponent: cmp})

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var (
		count, current         uint16
		haveCount, haveCurrent bool
	)
	for !haveCount || !haveCurrent {
		select {
		case count = <-c.counts:
			haveCount = true
		case current = <-c.currents:
			haveCurrent = true
		case <-c.done:
			return false, errors.New("flight controller closed")
		case <-ctx.Done():
			missing := "MISSION_COUNT"
			if haveCount {
				missing = "MISSION_CURRENT"
			}
			return false, fmt.Errorf("waiting for %s: %w", missing, ctx.Err())
		}
	}
	// The count was requested only to learn its size; end the transfer.
	c.send(&common.MessageMissionAck{TargetSystem: sys, TargetComponent: cmp, Type: common.MAV_MISSION_ACCEPTED})

	c.logger.Debug("mission state", "current", current, "count", count)
	return IsFinalWaypoint(current, count), nil
}

// Close shuts down the MAVLink node.
func (c *Controller) Close() error {
	if c.node != nil {
		c.node.Close()
	}
	c.closeDone()
	return nil
}

func (c *Controller) closeDone() {
	c.once.Do(func() { close(c.done) })
}

// offer stores v, replacing any unread value.
func offer(ch chan uint16, v uint16) {
	for {
		select {
		case ch <- v:
			return
		default:
			drain(ch)
		}
	}
}

func drain(ch chan uint16) {
	select {
	case <-ch:
	default:
	}
}
