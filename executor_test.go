package hap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newReadWriteChar() *Characteristic {
	c := &Characteristic{IID: 1, Type: UUID16(0x25), Format: FormatUInt8}
	c.Properties.Readable = true
	c.Properties.Writable = true
	return c
}

func TestExecutorCheckReadableEnforcesPermissionBits(t *testing.T) {
	e := Executor{}
	c := newReadWriteChar()

	require.Equal(t, StatusSuccess, e.CheckReadable(c, AccessAdmin))

	c.Properties.ReadableWithoutSecurity = false
	require.Equal(t, StatusInsufficientAuthentication, e.CheckReadable(c, AccessUnencrypted))

	c.Properties.AdminOnlyRead = true
	require.Equal(t, StatusInsufficientAuthorization, e.CheckReadable(c, AccessRegular))
	require.Equal(t, StatusSuccess, e.CheckReadable(c, AccessAdmin))

	c.Properties.Readable = false
	require.Equal(t, StatusInvalidRequest, e.CheckReadable(c, AccessAdmin))
}

func TestExecutorCheckWritableEnforcesPermissionBits(t *testing.T) {
	e := Executor{}
	c := newReadWriteChar()

	require.Equal(t, StatusSuccess, e.CheckWritable(c, AccessAdmin))

	c.Properties.WritableWithoutSecurity = false
	require.Equal(t, StatusInsufficientAuthentication, e.CheckWritable(c, AccessUnencrypted))

	c.Properties.AdminOnlyWrite = true
	require.Equal(t, StatusInsufficientAuthorization, e.CheckWritable(c, AccessRegular))

	c.Properties.Writable = false
	require.Equal(t, StatusInvalidRequest, e.CheckWritable(c, AccessAdmin))
}

func TestExecutorReadUsesHandlerThenEncodes(t *testing.T) {
	e := Executor{}
	c := newReadWriteChar()
	c.Properties.ReadableWithoutSecurity = true
	c.HandleReadFunc(func(req Request) (interface{}, Status) {
		return uint8(42), StatusSuccess
	})

	b, st := e.Read(Request{Characteristic: c}, AccessUnencrypted)
	require.Equal(t, StatusSuccess, st)
	require.Equal(t, []byte{42}, b)
}

func TestExecutorReadFallsBackToStaticValueWithNoHandler(t *testing.T) {
	e := Executor{}
	c := newReadWriteChar()
	c.Properties.ReadableWithoutSecurity = true
	c.SetValue(uint8(7))

	b, st := e.Read(Request{Characteristic: c}, AccessUnencrypted)
	require.Equal(t, StatusSuccess, st)
	require.Equal(t, []byte{7}, b)
}

func TestExecutorReadWithNoHandlerAndNoStaticValueFails(t *testing.T) {
	e := Executor{}
	c := newReadWriteChar()
	c.Properties.ReadableWithoutSecurity = true

	_, st := e.Read(Request{Characteristic: c}, AccessUnencrypted)
	require.Equal(t, StatusInvalidRequest, st)
}

func TestExecutorWriteValidatesConstraintsBeforeHandler(t *testing.T) {
	e := Executor{}
	c := newReadWriteChar()
	c.Properties.WritableWithoutSecurity = true
	min, max := 0.0, 10.0
	c.Constraints.MinValue = &min
	c.Constraints.MaxValue = &max

	var called bool
	c.HandleWriteFunc(func(req Request, v interface{}) Status {
		called = true
		return StatusSuccess
	})

	raw, err := EncodeValue(FormatUInt8, uint8(200))
	require.NoError(t, err)
	st := e.Write(Request{Characteristic: c}, raw, AccessUnencrypted)
	require.Equal(t, StatusInvalidRequest, st)
	require.False(t, called)

	raw, err = EncodeValue(FormatUInt8, uint8(5))
	require.NoError(t, err)
	st = e.Write(Request{Characteristic: c}, raw, AccessUnencrypted)
	require.Equal(t, StatusSuccess, st)
	require.True(t, called)
}

func TestExecutorWriteEnforcesStepValue(t *testing.T) {
	e := Executor{}
	c := newReadWriteChar()
	c.Properties.WritableWithoutSecurity = true
	min, step := 0.0, 5.0
	c.Constraints.MinValue = &min
	c.Constraints.StepValue = &step
	c.HandleWriteFunc(func(req Request, v interface{}) Status { return StatusSuccess })

	raw, _ := EncodeValue(FormatUInt8, uint8(7))
	require.Equal(t, StatusInvalidRequest, e.Write(Request{Characteristic: c}, raw, AccessUnencrypted))

	raw, _ = EncodeValue(FormatUInt8, uint8(10))
	require.Equal(t, StatusSuccess, e.Write(Request{Characteristic: c}, raw, AccessUnencrypted))
}

func TestExecutorWriteEnforcesValidValues(t *testing.T) {
	e := Executor{}
	c := newReadWriteChar()
	c.Properties.WritableWithoutSecurity = true
	c.Constraints.ValidValues = []uint8{1, 3, 5}
	c.HandleWriteFunc(func(req Request, v interface{}) Status { return StatusSuccess })

	raw, _ := EncodeValue(FormatUInt8, uint8(2))
	require.Equal(t, StatusInvalidRequest, e.Write(Request{Characteristic: c}, raw, AccessUnencrypted))

	raw, _ = EncodeValue(FormatUInt8, uint8(3))
	require.Equal(t, StatusSuccess, e.Write(Request{Characteristic: c}, raw, AccessUnencrypted))
}

func TestExecutorWriteRejectsOversizedStringAgainstMaxLength(t *testing.T) {
	e := Executor{}
	c := &Characteristic{IID: 1, Type: UUID16(0x23), Format: FormatString}
	c.Properties.Writable = true
	c.Properties.WritableWithoutSecurity = true
	maxLen := 4
	c.Constraints.MaxLength = &maxLen
	c.HandleWriteFunc(func(req Request, v interface{}) Status { return StatusSuccess })

	st := e.Write(Request{Characteristic: c}, []byte("toolong"), AccessUnencrypted)
	require.Equal(t, StatusInvalidRequest, st)

	st = e.Write(Request{Characteristic: c}, []byte("ok"), AccessUnencrypted)
	require.Equal(t, StatusSuccess, st)
}

func TestBroadcastConfiguration(t *testing.T) {
	bc := NewBroadcastConfiguration()
	_, ok := bc.Enabled(1)
	require.False(t, ok)

	bc.Set(1, BroadcastInterval1280ms)
	bc.Set(3, BroadcastInterval20ms)
	bc.Set(2, BroadcastInterval2560ms)

	iv, ok := bc.Enabled(1)
	require.True(t, ok)
	require.Equal(t, BroadcastInterval1280ms, iv)

	require.Equal(t, []uint64{1, 2, 3}, bc.IIDs())

	bc.Clear(2)
	require.Equal(t, []uint64{1, 3}, bc.IIDs())
}

func TestKindToStatus(t *testing.T) {
	require.Equal(t, StatusInsufficientAuthorization, KindNotAuthorized.toStatus())
	require.Equal(t, StatusInsufficientAuthentication, KindAuthentication.toStatus())
	require.Equal(t, StatusMaxProcedures, KindOutOfResources.toStatus())
	require.Equal(t, StatusMaxProcedures, KindBusy.toStatus())
	require.Equal(t, StatusMaxProcedures, KindMaxPeers.toStatus())
	require.Equal(t, StatusInvalidRequest, KindInvalidData.toStatus())
}
