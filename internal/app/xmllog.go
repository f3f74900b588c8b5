package app

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	can "github.com/7ony/CAN-TCP/pkg/can"
)

var ErrCorruptedLog = errors.New("frame log does not end with its root element")

// XML record of a received frame
type trame struct {
	XMLName   xml.Name  `xml:"trame"`
	ID        string    `xml:"id"`
	DLC       uint8     `xml:"dlc"`
	Timestamp int64     `xml:"timestamp"`
	Data      trameData `xml:"data"`
}

type trameData struct {
	Bytes []trameByte
}

// Element named data0, data1 ...
type trameByte struct {
	XMLName xml.Name
	Value   string `xml:",chardata"`
}

// Encode frame as <trame><id>0x123</id><dlc>2</dlc><timestamp>ms</timestamp><data><data0>0xA</data0>...</data></trame>
func encodeFrame(frame can.Frame, timestamp time.Time) ([]byte, error) {
	record := trame{
		ID:        fmt.Sprintf("0x%X", frame.ID),
		DLC:       frame.DLC,
		Timestamp: timestamp.UnixMilli(),
	}
	for i, b := range frame.Payload() {
		record.Data.Bytes = append(record.Data.Bytes, trameByte{
			XMLName: xml.Name{Local: fmt.Sprintf("data%d", i)},
			Value:   fmt.Sprintf("0x%X", b),
		})
	}
	return xml.Marshal(record)
}

// Standalone document holding a single record, as broadcast to clients
func frameDocument(root string, record []byte) []byte {
	doc := bytes.NewBufferString(xml.Header[:len(xml.Header)-1])
	fmt.Fprintf(doc, "<%s>%s</%s>\n", root, record, root)
	return doc.Bytes()
}

// FrameLog is an XML file of received frames, records are appended
// inside a root element named after the CAN channel
type FrameLog struct {
	mu    sync.Mutex
	path  string
	root  string
	count int
}

// Open the log at path, the file is created if it does not exist.
// An existing file is appended to
func OpenFrameLog(path string, root string) (*FrameLog, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() == 0 {
		header := xml.Header[:len(xml.Header)-1]
		if _, err := fmt.Fprintf(file, "%s<%s></%s>", header, root, root); err != nil {
			return nil, err
		}
	}
	return &FrameLog{path: path, root: root}, nil
}

func (l *FrameLog) Path() string {
	return l.path
}

// Number of records appended since the log was opened
func (l *FrameLog) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Append a record just before the closing root element
func (l *FrameLog) Append(record []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	file, err := os.OpenFile(l.path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer file.Close()

	closing := []byte(fmt.Sprintf("</%s>", l.root))
	offset, err := file.Seek(-int64(len(closing)), io.SeekEnd)
	if err != nil {
		return fmt.Errorf("%w : %v", ErrCorruptedLog, err)
	}
	tail := make([]byte, len(closing))
	if _, err := io.ReadFull(file, tail); err != nil || !bytes.Equal(tail, closing) {
		return fmt.Errorf("%w : %v", ErrCorruptedLog, l.path)
	}
	if _, err := file.WriteAt(append(append([]byte{}, record...), closing...), offset); err != nil {
		return err
	}
	l.count++
	return nil
}
