package pvnet

import (
	"errors"
	"fmt"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestWireValueRoundtrip(t *testing.T) {
	v := NTScalar()
	v.MustSet("value", float64(1.5))
	v.MustSet("alarm.message", "hot")

	wv, err := encodeWireValue(v)
	assert.Equal(t, err, nil)
	assert.Equal(t, wv.Fields, v.Keys())
	assert.Equal(t, wv.Changed, []string{"value", "alarm.message"})

	decoded, err := decodeWireValue(wv)
	assert.Equal(t, err, nil)
	assert.Equal(t, decoded.Keys(), v.Keys())
	assert.Equal(t, decoded.ChangedSet(), v.ChangedSet())

	f, ok := decoded.Float("value")
	assert.Equal(t, ok, true)
	assert.Equal(t, f, float64(1.5))

	msg, ok := decoded.Get("alarm.message")
	assert.Equal(t, ok, true)
	assert.Equal(t, msg, "hot")

	f, _ = decoded.Float("alarm.severity")
	assert.Equal(t, f, float64(0))
}

func TestWireValueNil(t *testing.T) {
	wv, err := encodeWireValue(nil)
	assert.Equal(t, err, nil)
	if wv != nil {
		t.Fatal("expected nil wire value")
	}

	v, err := decodeWireValue(nil)
	assert.Equal(t, err, nil)
	if v != nil {
		t.Fatal("expected nil value")
	}
}

func TestWireValueDecodeMalformed(t *testing.T) {
	_, err := decodeWireValue(&wireValue{
		Fields: []string{"value"},
		Value:  []byte("not json"),
	})
	assert.NotEqual(t, err, nil)
}

func TestWireErrorRoundtrip(t *testing.T) {
	for _, sentinel := range []error{
		ErrNotOpen,
		ErrAlreadyOpen,
		ErrDuplicateName,
		ErrNoSuchChannel,
		ErrInvalidRequest,
		ErrDisconnected,
		ErrTimeout,
		ErrUnhandledOperation,
		ErrDoubleCompletion,
	} {
		kind, msg := encodeWireError(sentinel)
		assert.NotEqual(t, kind, "")
		decoded := decodeWireError(kind, msg)
		assert.Equal(t, errors.Is(decoded, sentinel), true)
	}

	// wrapped sentinels map by kind, not by message
	kind, _ := encodeWireError(errors.New("no such channel: \"x\""))
	assert.Equal(t, kind, wireErrInternal)
	kind, msg := encodeWireError(fmt.Errorf("%w: %q", ErrNoSuchChannel, "x"))
	assert.Equal(t, kind, wireErrNoSuchChannel)
	decoded := decodeWireError(kind, msg)
	assert.Equal(t, errors.Is(decoded, ErrNoSuchChannel), true)

	// handler errors carry the message verbatim
	kind, msg = encodeWireError(&HandlerError{Msg: "Must be non-negative"})
	assert.Equal(t, kind, wireErrHandler)
	decoded = decodeWireError(kind, msg)
	var handlerErr *HandlerError
	assert.Equal(t, errors.As(decoded, &handlerErr), true)
	assert.Equal(t, handlerErr.Msg, "Must be non-negative")

	// nil is the empty kind
	kind, msg = encodeWireError(nil)
	assert.Equal(t, kind, "")
	assert.Equal(t, decodeWireError(kind, msg), nil)

	// unknown kinds fall back to an opaque error with the carried message
	decoded = decodeWireError("Bogus", "something broke")
	assert.NotEqual(t, decoded, nil)
	assert.Equal(t, decoded.Error(), "something broke")
}

func TestNestPutGet(t *testing.T) {
	nested := map[string]any{}
	assert.Equal(t, nestPut(nested, "alarm.severity", float64(1)), nil)
	assert.Equal(t, nestPut(nested, "alarm.message", "hi"), nil)
	assert.Equal(t, nestPut(nested, "value", float64(2)), nil)

	got, ok := nestGet(nested, "alarm.severity")
	assert.Equal(t, ok, true)
	assert.Equal(t, got, float64(1))

	_, ok = nestGet(nested, "alarm.bogus")
	assert.Equal(t, ok, false)
	_, ok = nestGet(nested, "value.sub")
	assert.Equal(t, ok, false)

	// a leaf cannot also be a subtree
	assert.NotEqual(t, nestPut(nested, "value.sub", float64(3)), nil)
}
