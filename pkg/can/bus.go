package can

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

const CanRtrFlag uint32 = 0x40000000
const CanEffFlag uint32 = 0x80000000
const CanErrFlag uint32 = 0x20000000
const CanSffMask uint32 = 0x000007FF

// Maximum payload of a classic CAN frame
const MaxDLC = 8

var ErrInvalidFrame = errors.New("invalid CAN frame")

// A CAN frame
type Frame struct {
	ID    uint32
	Flags uint8
	DLC   uint8
	Data  [8]byte
}

func NewFrame(id uint32, flags uint8, dlc uint8) Frame {
	return Frame{ID: id, Flags: flags, DLC: dlc}
}

// Build a standard frame from a payload, payload is truncated to 8 bytes
func NewFrameWithData(id uint32, data []byte) Frame {
	frame := Frame{ID: id}
	frame.DLC = uint8(copy(frame.Data[:], data))
	return frame
}

// Payload returns the valid part of the frame data
func (f Frame) Payload() []byte {
	dlc := f.DLC
	if dlc > MaxDLC {
		dlc = MaxDLC
	}
	return f.Data[:dlc]
}

// Validate checks the DLC and, for frames without the extended flag, the 11-bit id
func (f Frame) Validate() error {
	if f.DLC > MaxDLC {
		return fmt.Errorf("%w : dlc %v out of range", ErrInvalidFrame, f.DLC)
	}
	if f.ID&(CanEffFlag|CanErrFlag) == 0 && f.ID&^CanRtrFlag > CanSffMask {
		return fmt.Errorf("%w : id x%x exceeds 11 bits", ErrInvalidFrame, f.ID)
	}
	return nil
}

// ValidateStandard is Validate restricted to standard data or remote frames,
// extended and error frames are refused
func (f Frame) ValidateStandard() error {
	if f.ID&(CanEffFlag|CanErrFlag) != 0 {
		return fmt.Errorf("%w : id x%x is not a standard frame id", ErrInvalidFrame, f.ID)
	}
	return f.Validate()
}

// Interface for handling a received CAN frame
type FrameListener interface {
	Handle(frame Frame)
}

// FrameListenerFunc adapts a function to a FrameListener
type FrameListenerFunc func(frame Frame)

func (fn FrameListenerFunc) Handle(frame Frame) {
	fn(frame)
}

// A CAN Bus interface
type Bus interface {
	Connect(...any) error                   // Connect to the CAN bus
	Disconnect() error                      // Disconnect from CAN bus
	Send(frame Frame) error                 // Send a frame on the bus
	Subscribe(callback FrameListener) error // Subscribe to all received CAN frames
}

// Optional capability of a Bus, used for testing
type ReceiveOwner interface {
	SetReceiveOwn(enabled bool) error
}

type NewInterfaceFunc func(channel string) (Bus, error)

var (
	registryMu        sync.RWMutex
	interfaceRegistry = make(map[string]NewInterfaceFunc)
)

// Register a new CAN bus interface type
// This should be called inside an init() function of plugin
func RegisterInterface(interfaceType string, newInterface NewInterfaceFunc) {
	registryMu.Lock()
	defer registryMu.Unlock()
	interfaceRegistry[interfaceType] = newInterface
}

// List registered interface types
func Interfaces() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(interfaceRegistry))
	for name := range interfaceRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Create a new CAN bus with given interface
// Available interfaces depend on which backend packages are imported
// e.g. socketcan, socketcanv2, virtualcan, loopback
func NewBus(canInterface string, channel string) (Bus, error) {
	registryMu.RLock()
	createInterface, ok := interfaceRegistry[canInterface]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported interface : %v", canInterface)
	}
	return createInterface(channel)
}
