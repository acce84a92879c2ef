package codec

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTaskRoundTrip(t *testing.T) {
	var c = NewJSON()

	// Fixture values use JSON-native types, which round-trip exactly.
	var spec = CallSpec{
		Handler: "reports/build",
		Args:    []any{float64(2), "three", true, nil},
		Kwargs: map[string]any{
			"retries": float64(3),
			"nested":  map[string]any{"a": []any{float64(1)}},
		},
		Context: map[string]string{"trace": "abc123"},
	}

	var encoded, err = c.EncodeTask(spec)
	require.NoError(t, err)

	decoded, err := c.DecodeTask(encoded)
	require.NoError(t, err)
	require.Equal(t, spec, decoded)
}

func TestTaskRoundTripMinimal(t *testing.T) {
	var c = NewJSON()

	var encoded, err = c.EncodeTask(CallSpec{Handler: "noop"})
	require.NoError(t, err)

	decoded, err := c.DecodeTask(encoded)
	require.NoError(t, err)
	require.Equal(t, CallSpec{Handler: "noop"}, decoded)
}

func TestEncodeTaskRequiresHandler(t *testing.T) {
	var c = NewJSON()

	var _, err = c.EncodeTask(CallSpec{Args: []any{float64(1)}})
	require.Error(t, err)

	var codecErr *Error
	require.True(t, errors.As(err, &codecErr))
	require.Equal(t, "encode task", codecErr.Op)
}

func TestEncodeTaskUnrepresentable(t *testing.T) {
	var c = NewJSON()

	var _, err = c.EncodeTask(CallSpec{
		Handler: "bad",
		Args:    []any{make(chan int)},
	})
	require.Error(t, err)

	var codecErr *Error
	require.True(t, errors.As(err, &codecErr))
}

func TestDecodeTaskMalformed(t *testing.T) {
	var c = NewJSON()

	for _, payload := range [][]byte{
		nil,
		[]byte(""),
		[]byte("{not json"),
		[]byte(`{"handler":"x"} trailing`),
		[]byte(`{"args":[1]}`), // no handler name
	} {
		var _, err = c.DecodeTask(payload)
		require.Error(t, err, "payload %q", payload)

		var codecErr *Error
		require.True(t, errors.As(err, &codecErr))
		require.Equal(t, "decode task", codecErr.Op)
	}
}

func TestValueRoundTrip(t *testing.T) {
	var c = NewJSON()

	for _, value := range []any{
		nil,
		float64(42.5),
		"a string",
		true,
		[]any{float64(1), "two", nil},
		map[string]any{"k": []any{float64(9)}},
	} {
		var encoded, err = c.EncodeValue(value)
		require.NoError(t, err)

		decoded, err := c.DecodeValue(encoded)
		require.NoError(t, err)
		require.Equal(t, value, decoded)
	}
}

func TestEncodeValueUnrepresentable(t *testing.T) {
	var c = NewJSON()

	var _, err = c.EncodeValue(func() {})
	require.Error(t, err)

	var codecErr *Error
	require.True(t, errors.As(err, &codecErr))
	require.Equal(t, "encode value", codecErr.Op)
}

func TestDecodeValueMalformed(t *testing.T) {
	var c = NewJSON()

	var _, err = c.DecodeValue([]byte(""))
	require.Error(t, err)

	_, err = c.DecodeValue([]byte("1 2"))
	require.Error(t, err)
}
