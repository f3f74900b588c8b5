// Package bridge connects a CAN bus to the application.
//
// A [Bridge] owns the bus, a receive filter table, a periodic transmit
// scheduler and a send queue. Received frames are dispatched to the
// filters from a single forwarding routine, which is also the only
// writer of the bus : periodic and ad-hoc frames only ever go through
// the send queue.
package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/7ony/CAN-TCP/internal/metrics"
	can "github.com/7ony/CAN-TCP/pkg/can"
	"github.com/benbjohnson/clock"
	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

const (
	DefaultInterface   = "socketcan"
	DefaultInboundSize = 256
)

type Config struct {
	Interface   string        // Bus backend e.g. socketcan, socketcanv2, virtualcan, loopback
	RxCapacity  int           // Maximum number of receive filters
	TxCapacity  int           // Maximum number of periodic bindings
	QueueSize   int           // Send queue size
	InboundSize int           // Received frames waiting for dispatch
	TickPeriod  time.Duration // Periodic scheduler cadence
	EarlyMargin time.Duration // Periodic frames are sent this much before their deadline
	Clock       clock.Clock   // Time source of the scheduler, real clock if nil
}

func DefaultConfig() Config {
	return Config{
		Interface:   DefaultInterface,
		RxCapacity:  DefaultRxCapacity,
		TxCapacity:  DefaultTxCapacity,
		QueueSize:   DefaultQueueSize,
		InboundSize: DefaultInboundSize,
		TickPeriod:  DefaultTickPeriod,
		EarlyMargin: DefaultEarlyMargin,
	}
}

type Bridge struct {
	lifeMu  sync.Mutex // serializes Open and Close
	mu      sync.RWMutex
	cfg     Config
	active  bool
	channel string
	bus     can.Bus
	queue   *SendQueue
	inbound chan can.Frame
	rx      *BindTable
	tx      *Scheduler

	tickCancel context.CancelFunc
	tickWg     sync.WaitGroup
	loopCancel context.CancelFunc
	loopWg     sync.WaitGroup
}

func NewBridge(cfg Config) *Bridge {
	if cfg.Interface == "" {
		cfg.Interface = DefaultInterface
	}
	if cfg.InboundSize <= 0 {
		cfg.InboundSize = DefaultInboundSize
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Bridge{
		cfg: cfg,
		rx:  NewBindTable(cfg.RxCapacity),
		tx:  NewScheduler(cfg.TxCapacity, cfg.EarlyMargin, cfg.Clock),
	}
}

// Open the bridge on the given CAN channel e.g. can0.
// Opening an already active bridge does nothing and returns [ErrAlreadyActive].
func (b *Bridge) Open(channel string) error {
	b.lifeMu.Lock()
	defer b.lifeMu.Unlock()
	if b.IsActive() {
		log.Infof("[BRIDGE] already active on %v", b.Channel())
		return ErrAlreadyActive
	}

	bus, err := can.NewBus(b.cfg.Interface, channel)
	if err != nil {
		return fmt.Errorf("%w : %v", ErrSocket, err)
	}
	if err := bus.Connect(); err != nil {
		_ = bus.Disconnect()
		return fmt.Errorf("%w : %v", ErrSocket, err)
	}

	queue, err := NewSendQueue(b.cfg.QueueSize)
	if err != nil {
		_ = bus.Disconnect()
		return err
	}

	inbound := make(chan can.Frame, b.cfg.InboundSize)
	if err := bus.Subscribe(&inboundListener{inbound: inbound, channel: channel}); err != nil {
		_ = bus.Disconnect()
		queue.Close()
		return fmt.Errorf("%w : %v", ErrThread, err)
	}
	loopCtx, loopCancel := context.WithCancel(context.Background())
	b.loopWg.Add(1)
	go func() {
		defer b.loopWg.Done()
		b.forward(loopCtx, bus, queue, inbound)
	}()

	if b.cfg.TickPeriod <= 0 {
		loopCancel()
		b.loopWg.Wait()
		_ = bus.Disconnect()
		queue.Close()
		return fmt.Errorf("%w : invalid period %v", ErrTimer, b.cfg.TickPeriod)
	}
	tickCtx, tickCancel := context.WithCancel(context.Background())
	b.tickWg.Add(1)
	go func() {
		defer b.tickWg.Done()
		b.tx.Run(tickCtx, b.cfg.TickPeriod, queue)
	}()

	b.mu.Lock()
	b.bus = bus
	b.queue = queue
	b.inbound = inbound
	b.channel = channel
	b.loopCancel = loopCancel
	b.tickCancel = tickCancel
	b.active = true
	b.mu.Unlock()
	metrics.BridgeActive.Set(1)
	log.Infof("[BRIDGE] opened %v on %v", b.cfg.Interface, channel)
	return nil
}

// Close the bridge. The periodic scheduler is stopped first so that
// no tick can run against released resources. Bind tables are cleared.
// Close must not be called from a filter callback.
func (b *Bridge) Close() error {
	b.lifeMu.Lock()
	defer b.lifeMu.Unlock()

	b.mu.Lock()
	if !b.active {
		b.mu.Unlock()
		return nil
	}
	// From here SendFrame is rejected, callbacks still running may use the bridge
	b.active = false
	bus, queue, channel := b.bus, b.queue, b.channel
	tickCancel, loopCancel := b.tickCancel, b.loopCancel
	b.bus, b.queue, b.inbound, b.channel = nil, nil, nil, ""
	b.tickCancel, b.loopCancel = nil, nil
	b.mu.Unlock()

	tickCancel()
	b.tickWg.Wait()

	loopCancel()
	b.loopWg.Wait()

	var err error
	if e := bus.Disconnect(); e != nil {
		err = multierr.Append(err, fmt.Errorf("disconnect %v : %w", channel, e))
	}
	if discarded := queue.Close(); discarded > 0 {
		log.Debugf("[BRIDGE] discarded %v pending frames", discarded)
	}
	b.rx.Reset()
	b.tx.Reset()
	metrics.BridgeActive.Set(0)
	log.Infof("[BRIDGE] closed %v", channel)
	return err
}

func (b *Bridge) IsActive() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.active
}

// Channel the bridge is opened on, empty if not active
func (b *Bridge) Channel() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.channel
}

// Queue a frame for sending on the bus, this never blocks
func (b *Bridge) SendFrame(frame can.Frame) error {
	if err := frame.ValidateStandard(); err != nil {
		return fmt.Errorf("%w : %v", ErrInvalidArgument, err)
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.active {
		return ErrNotActive
	}
	if !b.queue.TryPush(frame) {
		metrics.Dropped(metrics.DropQueueFull)
		return ErrQueueFull
	}
	return nil
}

// Send the content of buffer every period with the given id.
// Bindings live until the bridge is closed
func (b *Bridge) BindPeriodic(id uint16, buffer *Buffer, period time.Duration) error {
	return b.tx.Add(id, buffer, period)
}

// Copy received frames matching id/mask into buffer and/or call callback.
// Bindings live until the bridge is closed
func (b *Bridge) BindFilter(id uint16, mask uint16, buffer *Buffer, callback FrameCallback) error {
	return b.rx.Add(id, mask, buffer, callback)
}

// Enable reception of own frames if supported by the bus backend
func (b *Bridge) SetReceiveOwn(enabled bool) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.active {
		return ErrNotActive
	}
	owner, ok := b.bus.(can.ReceiveOwner)
	if !ok {
		return fmt.Errorf("%w : %T does not support receive own", ErrInvalidArgument, b.bus)
	}
	return owner.SetReceiveOwn(enabled)
}

// Single routine dispatching received frames and writing queued frames
func (b *Bridge) forward(ctx context.Context, bus can.Bus, queue *SendQueue, inbound <-chan can.Frame) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-inbound:
			if err := frame.Validate(); err != nil {
				metrics.Dropped(metrics.DropInvalid)
				log.Warnf("[BRIDGE] dropping received frame : %v", err)
				continue
			}
			metrics.FramesReceivedTotal.Inc()
			if matches := b.rx.Dispatch(frame); matches > 0 {
				metrics.FilterMatchesTotal.Add(float64(matches))
			}
		case frame := <-queue.C():
			if err := bus.Send(frame); err != nil {
				metrics.Dropped(metrics.DropWriteError)
				log.Warnf("[BRIDGE] failed to write frame x%x : %v", frame.ID, err)
				continue
			}
			metrics.FramesSentTotal.Inc()
		}
	}
}

// Receives frames from the bus backend and hands them to the forwarding routine
type inboundListener struct {
	inbound chan<- can.Frame
	channel string
}

func (l *inboundListener) Handle(frame can.Frame) {
	select {
	case l.inbound <- frame:
	default:
		metrics.Dropped(metrics.DropInboundFull)
		log.Warnf("[BRIDGE][%v] reception overflow, frame x%x dropped", l.channel, frame.ID)
	}
}
