package socketcanv2

import (
	"encoding/binary"
	"fmt"

	can "github.com/7ony/CAN-TCP/pkg/can"
)

// Size of a classic struct can_frame
//
//	can_id  u32  [0:4]  host order, carries EFF/RTR/ERR flags
//	can_dlc u8   [4]
//	pad     u8   [5]    reused as frame flags
//	res0/1  u8   [6:8]
//	data    [8]  [8:16]
const SocketCANFrameSize = 16

// Encode a frame into the raw socketcan layout.
// Linux targets handled here are little endian.
func MarshalFrame(frame can.Frame) [SocketCANFrameSize]byte {
	var raw [SocketCANFrameSize]byte
	binary.LittleEndian.PutUint32(raw[0:4], frame.ID)
	raw[4] = frame.DLC
	raw[5] = frame.Flags
	copy(raw[8:], frame.Data[:])
	return raw
}

// Decode a raw socketcan frame, a short buffer or a bad dlc is an error
func UnmarshalFrame(raw []byte) (can.Frame, error) {
	if len(raw) != SocketCANFrameSize {
		return can.Frame{}, fmt.Errorf("%w : short read %v/%v", can.ErrInvalidFrame, len(raw), SocketCANFrameSize)
	}
	frame := can.Frame{
		ID:    binary.LittleEndian.Uint32(raw[0:4]),
		DLC:   raw[4],
		Flags: raw[5],
	}
	if frame.DLC > can.MaxDLC {
		return can.Frame{}, fmt.Errorf("%w : dlc %v", can.ErrInvalidFrame, frame.DLC)
	}
	copy(frame.Data[:], raw[8:])
	return frame, nil
}
