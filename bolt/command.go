package bolt

import (
	"encoding/binary"
	"fmt"

	"github.com/influxdata/replication"
)

// Op is the operation of a command.
type Op byte

const (
	OpSet    Op = 1
	OpDelete Op = 2
)

func (o Op) String() string {
	switch o {
	case OpSet:
		return "set"
	case OpDelete:
		return "delete"
	}
	return fmt.Sprintf("Op(%d)", byte(o))
}

// commandHeaderSize is op(1) + key length(4).
const commandHeaderSize = 1 + 4

// Command is the payload of a mutation applied to the store.
type Command struct {
	Op    Op
	Key   []byte
	Value []byte
}

// EncodeSet returns the payload that sets key to value.
func EncodeSet(key, value []byte) []byte {
	return Command{Op: OpSet, Key: key, Value: value}.Encode()
}

// EncodeDelete returns the payload that deletes key.
func EncodeDelete(key []byte) []byte {
	return Command{Op: OpDelete, Key: key}.Encode()
}

// Encode returns op | key length | key | value.
func (c Command) Encode() []byte {
	b := make([]byte, commandHeaderSize, commandHeaderSize+len(c.Key)+len(c.Value))
	b[0] = byte(c.Op)
	binary.BigEndian.PutUint32(b[1:5], uint32(len(c.Key)))
	b = append(b, c.Key...)
	return append(b, c.Value...)
}

// DecodeCommand decodes a payload produced by Encode.
func DecodeCommand(b []byte) (Command, error) {
	if len(b) < commandHeaderSize {
		return Command{}, &replication.Error{Code: replication.EInvalid, Msg: fmt.Sprintf("command too short: %d bytes", len(b))}
	}

	c := Command{Op: Op(b[0])}
	if c.Op != OpSet && c.Op != OpDelete {
		return Command{}, &replication.Error{Code: replication.EInvalid, Msg: fmt.Sprintf("unknown command %s", c.Op)}
	}

	n := int(binary.BigEndian.Uint32(b[1:5]))
	if n == 0 || n > len(b)-commandHeaderSize {
		return Command{}, &replication.Error{Code: replication.EInvalid, Msg: fmt.Sprintf("bad key length %d", n)}
	}
	c.Key = b[commandHeaderSize : commandHeaderSize+n]
	if rest := b[commandHeaderSize+n:]; len(rest) > 0 {
		if c.Op == OpDelete {
			return Command{}, &replication.Error{Code: replication.EInvalid, Msg: "delete carries a value"}
		}
		c.Value = rest
	}
	return c, nil
}
