package frame

import "fmt"

// Command is the one-byte frame command tag.
type Command uint8

const (
	CmdData     Command = 0
	CmdCredit   Command = 1
	CmdOpen     Command = 2
	CmdClose    Command = 3
	CmdCloseAck Command = 4
	CmdError    Command = 5
)

// Valid reports whether c is a known command.
func (c Command) Valid() bool {
	return c <= CmdError
}

func (c Command) String() string {
	switch c {
	case CmdData:
		return "DATA"
	case CmdCredit:
		return "CREDIT"
	case CmdOpen:
		return "OPEN"
	case CmdClose:
		return "CLOSE"
	case CmdCloseAck:
		return "CLOSE_ACK"
	case CmdError:
		return "ERROR"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}
