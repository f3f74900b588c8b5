// Package app implements the gateway command protocol.
//
// TCP clients drive the CAN bridge with text commands, one per line :
//
//	register-<file>      open the bridge and record every received frame
//	                     to the XML file <file>, frames are also broadcast
//	                     to every client. enregistrer-<file> is an alias
//	cansend <id>#<data>  send a frame e.g. cansend 123#DEADBEEF
//	stop                 close the bridge
//	exit                 say goodbye and shut the gateway down
package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/7ony/CAN-TCP/pkg/bridge"
	can "github.com/7ony/CAN-TCP/pkg/can"
	"github.com/7ony/CAN-TCP/pkg/config"
	"github.com/7ony/CAN-TCP/pkg/server"
	"github.com/avast/retry-go"
	"github.com/benbjohnson/clock"
	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

const openRetryDelay = 200 * time.Millisecond

// Commands waiting for the worker, further commands are refused
const commandQueueSize = 64

var ErrBusy = errors.New("too many pending commands")

type job struct {
	cmd    command
	client *server.Client
}

type Gateway struct {
	cfg    config.Config
	clock  clock.Clock
	server *server.Server
	bridge *bridge.Bridge

	mu        sync.Mutex
	frameLog  *FrameLog
	recording bool // catch-all filter is bound

	done     chan struct{}
	doneOnce sync.Once

	// Commands run on a single worker, in reception order, so that a slow
	// bridge open never holds the client multiplexer
	jobs       chan job
	ctx        context.Context
	cancel     context.CancelFunc
	workerOnce sync.Once
	workerWg   sync.WaitGroup
}

// Create a gateway, clk is used for frame timestamps, real clock if nil
func NewGateway(cfg config.Config, clk clock.Clock) *Gateway {
	if clk == nil {
		clk = clock.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		cfg:    cfg,
		clock:  clk,
		bridge: bridge.NewBridge(cfg.BridgeConfig()),
		done:   make(chan struct{}),
		jobs:   make(chan job, commandQueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	g.server = server.NewServer(g.handleReceive, g.handleConnect, nil)
	return g
}

// Start accepting clients
func (g *Gateway) Start() error {
	g.workerOnce.Do(func() {
		g.workerWg.Add(1)
		go g.work()
	})
	return g.server.Start(g.cfg.Server.Port)
}

// Run the gateway until ctx is done or a client sends exit
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.Start(); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		log.Infof("[APP] shutting down : %v", ctx.Err())
	case <-g.done:
		log.Infof("[APP] shutting down on client request")
	}
	return g.Shutdown()
}

// Stop the server and the command worker then close the bridge,
// no command can reopen it in between. A pending open is abandoned
func (g *Gateway) Shutdown() error {
	var err error
	if e := g.server.Stop(); e != nil && !errors.Is(e, server.ErrNotStarted) {
		err = e
	}
	g.cancel()
	g.workerWg.Wait()
	g.stopRecording()
	return multierr.Append(err, g.bridge.Close())
}

// Closed when a client requested exit
func (g *Gateway) Done() <-chan struct{} {
	return g.done
}

func (g *Gateway) Server() *server.Server {
	return g.server
}

func (g *Gateway) Bridge() *bridge.Bridge {
	return g.bridge
}

func (g *Gateway) handleConnect(s *server.Server, client *server.Client, userData any) {
	log.Infof("[APP] new client %v:%v", client.Addr, client.Port)
}

// Runs on the server multiplexer, commands are only queued here
func (g *Gateway) handleReceive(data []byte, s *server.Server, client *server.Client, userData any) {
	log.Debugf("[APP] %v bytes from %v:%v", len(data), client.Addr, client.Port)
	for _, command := range splitCommands(data) {
		select {
		case g.jobs <- job{cmd: command, client: client}:
		default:
			log.Warnf("[APP] dropping command %q from %v : %v", command.raw, client, ErrBusy)
			_, _ = s.Send(client, []byte(fmt.Sprintf("error : %v\n", ErrBusy)))
		}
	}
}

func (g *Gateway) work() {
	defer g.workerWg.Done()
	for {
		select {
		case <-g.ctx.Done():
			return
		case j := <-g.jobs:
			if err := g.execute(j.cmd, j.client); err != nil {
				log.Warnf("[APP] command %q from %v failed : %v", j.cmd.raw, j.client, err)
				_, _ = g.server.Send(j.client, []byte(fmt.Sprintf("error : %v\n", err)))
			}
		}
	}
}

func (g *Gateway) execute(cmd command, client *server.Client) error {
	if cmd.err != nil {
		return cmd.err
	}
	switch cmd.kind {
	case commandRegister:
		return g.register(cmd.file)
	case commandSend:
		if err := g.open(); err != nil {
			return err
		}
		return g.bridge.SendFrame(cmd.frame)
	case commandStop:
		g.stopRecording()
		return g.bridge.Close()
	case commandExit:
		_, _ = g.server.Send(client, []byte("Bye bye !\n"))
		g.doneOnce.Do(func() { close(g.done) })
		return nil
	default:
		log.Debugf("[APP] ignoring unknown command %q", cmd.raw)
		return nil
	}
}

// Open the bridge if needed, the interface may take a moment to come up
func (g *Gateway) open() error {
	channel := g.cfg.Bridge.Channel
	return retry.Do(
		func() error {
			err := g.bridge.Open(channel)
			if errors.Is(err, bridge.ErrAlreadyActive) {
				return nil
			}
			return err
		},
		retry.Attempts(maxUint(g.cfg.App.OpenRetries, 1)),
		retry.Delay(openRetryDelay),
		retry.RetryIf(func(err error) bool { return errors.Is(err, bridge.ErrSocket) }),
		retry.OnRetry(func(n uint, err error) {
			log.Warnf("[APP] opening %v failed (attempt %v) : %v", channel, n+1, err)
		}),
		retry.LastErrorOnly(true),
		retry.Context(g.ctx),
	)
}

// Start recording received frames to file
func (g *Gateway) register(file string) error {
	// Only the base name is used, logs always land in the log directory
	path := filepath.Join(g.cfg.App.FrameLogDir, filepath.Base(file))
	frameLog, err := OpenFrameLog(path, g.cfg.Bridge.Channel)
	if err != nil {
		return err
	}
	if err := g.open(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.frameLog = frameLog
	if g.recording {
		log.Infof("[APP] recording now goes to %v", path)
		return nil
	}
	if err := g.bridge.BindFilter(0, 0, nil, g.dump); err != nil {
		return err
	}
	g.recording = true
	log.Infof("[APP] recording %v to %v", g.cfg.Bridge.Channel, path)
	return nil
}

func (g *Gateway) stopRecording() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.frameLog = nil
	g.recording = false
}

// Called for every received frame while recording
func (g *Gateway) dump(frame can.Frame) {
	record, err := encodeFrame(frame, g.clock.Now())
	if err != nil {
		log.Warnf("[APP] encoding frame x%x : %v", frame.ID, err)
		return
	}
	g.mu.Lock()
	frameLog := g.frameLog
	g.mu.Unlock()
	if frameLog != nil {
		if err := frameLog.Append(record); err != nil {
			log.Warnf("[APP] writing %v : %v", frameLog.Path(), err)
		}
	}
	_, _ = g.server.Send(nil, frameDocument(g.cfg.Bridge.Channel, record))
}

func maxUint(a, b uint) uint {
	if a > b {
		return a
	}
	return b
}
