package model

// ControlType is the 4 bit packet type in the high nibble of the first fixed header byte.
type ControlType uint8

// Control Packets
const (
	CONNECT     ControlType = 1
	CONNACK     ControlType = 2
	PUBLISH     ControlType = 3
	PUBACK      ControlType = 4
	PUBREC      ControlType = 5
	PUBREL      ControlType = 6
	PUBCOMP     ControlType = 7
	SUBSCRIBE   ControlType = 8
	SUBACK      ControlType = 9
	UNSUBSCRIBE ControlType = 10
	UNSUBACK    ControlType = 11
	PINGREQ     ControlType = 12
	PINGRESP    ControlType = 13
	DISCONNECT  ControlType = 14
)

var controlNames = [16]string{
	"RESERVED", "CONNECT", "CONNACK", "PUBLISH", "PUBACK", "PUBREC", "PUBREL", "PUBCOMP",
	"SUBSCRIBE", "SUBACK", "UNSUBSCRIBE", "UNSUBACK", "PINGREQ", "PINGRESP", "DISCONNECT", "RESERVED",
}

func (t ControlType) String() string {
	return controlNames[t&0x0F]
}

// [MQTT-2.2.2-1, 2-2]
var (
	controlTypeValid = [16]bool{
		false, true, true, true, true, true, true, true,
		true, true, true, true, true, true, true, false,
	}

	// flags that must be set for the control type
	requiredFlags = [16]uint8{
		0, 0, 0, 0, 0, 0, 0x02, 0,
		0x02, 0, 0x02, 0, 0, 0, 0, 0,
	}

	// which of the flag bits are fixed for the control type
	requiredFlagsMask = [16]uint8{
		0, 0x0F, 0x0F, 0, 0x0F, 0x0F, 0x0F, 0x0F,
		0x0F, 0x0F, 0x0F, 0x0F, 0x0F, 0x0F, 0x0F, 0,
	}
)

// Valid reports whether t is one of the defined control packet types.
func (t ControlType) Valid() bool {
	return t < 16 && controlTypeValid[t]
}

// FlagsAllowed reports whether flags match the required bit pattern for t.
// t must be valid.
func (t ControlType) FlagsAllowed(flags uint8) bool {
	return (flags^requiredFlags[t&0x0F])&requiredFlagsMask[t&0x0F] == 0
}

// Publish flags
const (
	PublishRetain  = 0x01
	PublishQoSMask = 0x06
	PublishDup     = 0x08
)

// Connect flags
const (
	ConnectReserved     = 0x01
	ConnectCleanSession = 0x02
	ConnectWillFlag     = 0x04
	ConnectWillQoSMask  = 0x18
	ConnectWillRetain   = 0x20
	ConnectPassword     = 0x40
	ConnectUserName     = 0x80
)

const (
	ProtocolName  = "MQTT"
	ProtocolLevel = 4
)

// ConnackCode is the CONNACK return code.
type ConnackCode uint8

const (
	ConnackAccepted ConnackCode = iota
	ConnackRefusedProtocolVersion
	ConnackRefusedIdentifierRejected
	ConnackRefusedServerUnavailable
	ConnackRefusedBadUserNameOrPassword
	ConnackRefusedNotAuthorized
)

// SubackFailure is the SUBACK return code for a rejected topic filter.
const SubackFailure = 0x80

// MaxRemainingLength is the largest value representable in 4 encoded bytes.
const MaxRemainingLength = 268435455
