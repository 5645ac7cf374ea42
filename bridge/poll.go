package bridge

import (
	"github.com/cockroachdb/errors"
	"github.com/lcx/dcf/codec"
)

// CommandKind is the request carried by a Command.
type CommandKind int16

const (
	CmdSend CommandKind = 1
	CmdGet  CommandKind = 2
)

// Command is the engine's per-tick network command block. The engine fills
// it and calls Poll once per simulation tick.
type Command struct {
	Command    CommandKind
	RemoteNode int
	DataLength int
	Data       [codec.MaxPayload]byte
}

// Poll executes cmd. CmdSend sends Data[:DataLength] to RemoteNode. CmdGet
// fills Data, DataLength and RemoteNode from one received envelope, or sets
// RemoteNode to -1 when nothing is available.
func (b *Bridge) Poll(cmd *Command) error {
	if cmd == nil {
		return errors.New("nil command")
	}
	switch cmd.Command {
	case CmdSend:
		b.Send(cmd.Data[:], cmd.DataLength, cmd.RemoteNode)
	case CmdGet:
		n, remote, ok := b.Receive(cmd.Data[:])
		if !ok {
			cmd.RemoteNode = RemoteNode
			return nil
		}
		cmd.DataLength = n
		cmd.RemoteNode = remote
	default:
		return errors.Newf("unknown command %d", cmd.Command)
	}
	return nil
}
