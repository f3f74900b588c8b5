package app

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	can "github.com/7ony/CAN-TCP/pkg/can"
)

var ErrInvalidCommand = errors.New("invalid command")

type commandKind uint8

const (
	commandUnknown commandKind = iota
	commandRegister
	commandSend
	commandStop
	commandExit
)

type command struct {
	kind  commandKind
	raw   string
	file  string    // register
	frame can.Frame // cansend
	err   error     // malformed arguments
}

// Split received data into commands, one per non empty line
func splitCommands(data []byte) []command {
	commands := []command{}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		commands = append(commands, parseCommand(line))
	}
	return commands
}

// Commands are matched on their prefix, anything after the keyword
// is ignored for stop and exit
func parseCommand(line string) command {
	cmd := command{raw: line}
	switch {
	case strings.HasPrefix(line, "enregistrer"), strings.HasPrefix(line, "register"):
		cmd.kind = commandRegister
		_, file, found := strings.Cut(line, "-")
		cmd.file = strings.TrimSpace(file)
		if !found || cmd.file == "" {
			cmd.err = fmt.Errorf("%w : missing file name in %q", ErrInvalidCommand, line)
		}
	case strings.HasPrefix(line, "cansend"):
		cmd.kind = commandSend
		cmd.frame, cmd.err = parseFrame(strings.TrimSpace(strings.TrimPrefix(line, "cansend")))
	case strings.HasPrefix(line, "stop"):
		cmd.kind = commandStop
	case strings.HasPrefix(line, "exit"):
		cmd.kind = commandExit
	}
	return cmd
}

// Parse a frame written as <id>#<data> e.g. 123#DEADBEEF, id and data in hexadecimal
func parseFrame(text string) (can.Frame, error) {
	idText, dataText, _ := strings.Cut(text, "#")
	id, err := strconv.ParseUint(strings.TrimSpace(idText), 16, 32)
	if err != nil {
		return can.Frame{}, fmt.Errorf("%w : bad id %q", ErrInvalidCommand, idText)
	}
	data, err := hex.DecodeString(strings.TrimSpace(dataText))
	if err != nil {
		return can.Frame{}, fmt.Errorf("%w : bad data %q : %v", ErrInvalidCommand, dataText, err)
	}
	if len(data) > can.MaxDLC {
		return can.Frame{}, fmt.Errorf("%w : %v data bytes, max is %v", ErrInvalidCommand, len(data), can.MaxDLC)
	}
	frame := can.NewFrameWithData(uint32(id), data)
	if err := frame.ValidateStandard(); err != nil {
		return can.Frame{}, fmt.Errorf("%w : %v", ErrInvalidCommand, err)
	}
	return frame, nil
}
