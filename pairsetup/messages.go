// Package pairsetup implements the six-message SRP-based Pair Setup
// state machine of spec.md §4.F.
package pairsetup

// TLV type tags, shared by Pair Setup, Pair Verify and the pairings
// admin operations, per the wire format spec.md §4.F/G describe.
const (
	TLVMethod        byte = 0x00
	TLVIdentifier    byte = 0x01
	TLVSalt          byte = 0x02
	TLVPublicKey     byte = 0x03
	TLVProof         byte = 0x04
	TLVEncryptedData byte = 0x05
	TLVState         byte = 0x06
	TLVError         byte = 0x07
	TLVRetryDelay    byte = 0x08
	TLVCertificate   byte = 0x09
	TLVSignature     byte = 0x0A
	TLVPermissions   byte = 0x0B
	TLVFragmentData  byte = 0x0C
	TLVFragmentLast  byte = 0x0D
	TLVFlags         byte = 0x13
	TLVSeparator     byte = 0xFF
)

// Method is the Pair Setup `method` TLV value.
type Method uint8

const (
	MethodPairSetupWithAuth Method = 0
	MethodPairSetup         Method = 1
)

// ErrorCode is the Pair Setup/Verify `error` TLV value, per spec.md
// §7's wire-level status mapping.
type ErrorCode uint8

const (
	ErrorUnknown         ErrorCode = 1
	ErrorAuthentication  ErrorCode = 2
	ErrorBackoff         ErrorCode = 3
	ErrorMaxPeers        ErrorCode = 4
	ErrorMaxTries        ErrorCode = 5
	ErrorUnavailable     ErrorCode = 6
	ErrorBusy            ErrorCode = 7
)

// Flags are the Pair Setup M1 `flags` bits, per spec.md §4.F.
const (
	FlagTransient uint32 = 0x10
	FlagSplit     uint32 = 0x01000000
)

// identifierSignature is the M5 sub-TLV {identifier, publicKey,
// signature} and the M6 sub-TLV {identifier, publicKey, signature}
// reuse this same shape.
type identifierSignature struct {
	Identifier string `tlv:"1"`
	PublicKey  []byte `tlv:"3"`
	Signature  []byte `tlv:"10"`
}
