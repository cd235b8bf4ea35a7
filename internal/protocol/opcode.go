package protocol

// Opcode identifies the semantic type of an inbound message. The set is
// closed: anything that does not parse rejects at the validator.
type Opcode uint8

const (
	OpUnknown Opcode = iota
	OpMove
	OpAttack
	OpChat
	OpHeartbeat
	OpStoreTransaction
	OpRegister
	OpPlaceBuilding
	OpUpgrade
	OpPing
)

var opcodeNames = map[Opcode]string{
	OpMove:             "move",
	OpAttack:           "attack",
	OpChat:             "chat",
	OpHeartbeat:        "heartbeat",
	OpStoreTransaction: "store",
	OpRegister:         "register",
	OpPlaceBuilding:    "build",
	OpUpgrade:          "upgrade",
	OpPing:             "ping",
}

var opcodesByName = func() map[string]Opcode {
	m := make(map[string]Opcode, len(opcodeNames))
	for op, name := range opcodeNames {
		m[name] = op
	}
	return m
}()

// String returns the wire name of the opcode.
func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return "unknown"
}

// ParseOpcode maps a wire name to its opcode. The second return is false
// for anything outside the catalog.
func ParseOpcode(name string) (Opcode, bool) {
	op, ok := opcodesByName[name]
	return op, ok
}

// Opcodes returns every recognized opcode, for metric pre-registration and
// config validation.
func Opcodes() []Opcode {
	ops := make([]Opcode, 0, len(opcodeNames))
	for op := range opcodeNames {
		ops = append(ops, op)
	}
	return ops
}
