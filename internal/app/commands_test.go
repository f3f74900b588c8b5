package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseCommands(t *testing.T) {
	commands := splitCommands([]byte("register-frames.xml\r\n\ncansend 7AA#010203\nstop\nexit\nhello\n"))
	assert.Len(t, commands, 5)

	assert.Equal(t, commandRegister, commands[0].kind)
	assert.Equal(t, "frames.xml", commands[0].file)

	assert.Equal(t, commandSend, commands[1].kind)
	assert.Nil(t, commands[1].err)
	assert.EqualValues(t, 0x7AA, commands[1].frame.ID)
	assert.EqualValues(t, 3, commands[1].frame.DLC)
	assert.Equal(t, []byte{1, 2, 3}, commands[1].frame.Payload())

	assert.Equal(t, commandStop, commands[2].kind)
	assert.Equal(t, commandExit, commands[3].kind)
	assert.Equal(t, commandUnknown, commands[4].kind)
	assert.Nil(t, commands[4].err)
}

func TestParseRegister(t *testing.T) {
	cmd := parseCommand("enregistrer-can-log.xml")
	assert.Equal(t, commandRegister, cmd.kind)
	assert.Equal(t, "can-log.xml", cmd.file)

	cmd = parseCommand("register")
	assert.Equal(t, commandRegister, cmd.kind)
	assert.ErrorIs(t, cmd.err, ErrInvalidCommand)
}

func TestParseFrame(t *testing.T) {
	frame, err := parseFrame("123#DEADBEEF")
	assert.Nil(t, err)
	assert.EqualValues(t, 0x123, frame.ID)
	assert.Equal(t, []byte{0xDE, 0xAD, 0xBE, 0xEF}, frame.Payload())

	// Remote frames without data
	frame, err = parseFrame("10#")
	assert.Nil(t, err)
	assert.EqualValues(t, 0, frame.DLC)

	for _, text := range []string{"xyz#00", "123#ABC", "123#0011223344556677889900", "800#00", "80000123#00", "20000123#00", ""} {
		_, err := parseFrame(text)
		assert.ErrorIs(t, err, ErrInvalidCommand, text)
	}
}
