package ble

// Opcode is the BLE PDU procedure selector, per spec.md §4.J.
type Opcode byte

const (
	OpcodeCharacteristicSignatureRead Opcode = 1
	OpcodeCharacteristicWrite         Opcode = 2
	OpcodeCharacteristicRead          Opcode = 3
	OpcodeCharacteristicTimedWrite    Opcode = 4
	OpcodeCharacteristicExecuteWrite  Opcode = 5
	OpcodeServiceSignatureRead        Opcode = 6
	OpcodeCharacteristicConfiguration Opcode = 7
	OpcodeProtocolConfiguration       Opcode = 8
	OpcodeToken                       Opcode = 9
	OpcodeTokenUpdate                 Opcode = 10
	OpcodeInfo                        Opcode = 11
)

// isServiceOperation reports whether opcode addresses a service
// instance id rather than a characteristic instance id, mirroring
// HAPBLEPDUOpcodeIsServiceOperation's true/false split.
func (o Opcode) isServiceOperation() bool {
	switch o {
	case OpcodeServiceSignatureRead, OpcodeProtocolConfiguration:
		return true
	default:
		return false
	}
}

// TLV tags used inside characteristic-operation request/response bodies,
// distinct from (and chosen to not collide within their own namespace
// with) the pairing packages' tags, since BLE PDU bodies are a separate
// TLV universe per spec.md §4.A/§4.J.
const (
	tlvValue                  byte = 0x01
	tlvAdditionalAuthData     byte = 0x02
	tlvOrigin                 byte = 0x08 // 0 = local, 1 = remote
	tlvTTL                    byte = 0x03
	tlvReturnResponse         byte = 0x04
	tlvBroadcastInterval      byte = 0x05
	tlvHAPCharacteristicPropertiesDescriptor byte = 0x0A
	tlvGATTUserDescription    byte = 0x0B
	tlvGATTPresentationFormat byte = 0x0C
	tlvGATTValidRange         byte = 0x0D
	tlvHAPStepValueDescriptor byte = 0x0E
	tlvHAPValidValues         byte = 0x11
	tlvHAPValidValuesRange    byte = 0x12
	tlvServiceType            byte = 0x06
	tlvLinkedServices         byte = 0x07
	tlvServiceProperties      byte = 0x0F
	tlvCharacteristicType     byte = 0x04
	tlvConfigurationNumber    byte = 0x01
	tlvGlobalStateNumber      byte = 0x02
)
