package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	can "github.com/7ony/CAN-TCP/pkg/can"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeFrame(t *testing.T) {
	frame := can.NewFrameWithData(0x123, []byte{0x0A, 0xFF})
	record, err := encodeFrame(frame, time.UnixMilli(1700000000123))
	require.Nil(t, err)
	assert.Equal(t,
		"<trame><id>0x123</id><dlc>2</dlc><timestamp>1700000000123</timestamp>"+
			"<data><data0>0xA</data0><data1>0xFF</data1></data></trame>",
		string(record))

	record, err = encodeFrame(can.NewFrame(0x7FF, 0, 0), time.UnixMilli(0))
	require.Nil(t, err)
	assert.Equal(t, "<trame><id>0x7FF</id><dlc>0</dlc><timestamp>0</timestamp><data></data></trame>", string(record))
}

func TestFrameDocument(t *testing.T) {
	assert.Equal(t,
		`<?xml version="1.0" encoding="UTF-8"?><can0><trame></trame></can0>`+"\n",
		string(frameDocument("can0", []byte("<trame></trame>"))))
}

func TestFrameLogAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frames.xml")
	frameLog, err := OpenFrameLog(path, "can0")
	require.Nil(t, err)
	content, _ := os.ReadFile(path)
	assert.Equal(t, `<?xml version="1.0" encoding="UTF-8"?><can0></can0>`, string(content))

	assert.Nil(t, frameLog.Append([]byte("<trame>1</trame>")))
	assert.Nil(t, frameLog.Append([]byte("<trame>2</trame>")))
	assert.Equal(t, 2, frameLog.Count())
	content, _ = os.ReadFile(path)
	assert.Equal(t, `<?xml version="1.0" encoding="UTF-8"?><can0><trame>1</trame><trame>2</trame></can0>`, string(content))

	// Reopening keeps existing records
	frameLog, err = OpenFrameLog(path, "can0")
	require.Nil(t, err)
	assert.Nil(t, frameLog.Append([]byte("<trame>3</trame>")))
	content, _ = os.ReadFile(path)
	assert.Equal(t, `<?xml version="1.0" encoding="UTF-8"?><can0><trame>1</trame><trame>2</trame><trame>3</trame></can0>`, string(content))
}

func TestFrameLogCorrupted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frames.xml")
	require.Nil(t, os.WriteFile(path, []byte("not a frame log"), 0o644))
	frameLog, err := OpenFrameLog(path, "can0")
	require.Nil(t, err)
	assert.ErrorIs(t, frameLog.Append([]byte("<trame></trame>")), ErrCorruptedLog)
}
