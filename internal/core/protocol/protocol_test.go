package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommand_MarshalFlattensArgs(t *testing.T) {
	cmd := Command{
		MessageID: "7",
		Command:   "station.set_guard_mode",
		Args:      map[string]any{"serialNumber": "T8010N", "mode": 1},
	}
	data, err := json.Marshal(cmd)
	require.NoError(t, err)
	assert.JSONEq(t, `{"messageId":"7","command":"station.set_guard_mode","serialNumber":"T8010N","mode":1}`, string(data))
}

func TestCommand_ReservedKeysWin(t *testing.T) {
	cmd := Command{
		MessageID: "1",
		Command:   "start_listening",
		Args:      map[string]any{"messageId": "spoofed", "command": "other"},
	}
	data, err := json.Marshal(cmd)
	require.NoError(t, err)
	assert.JSONEq(t, `{"messageId":"1","command":"start_listening"}`, string(data))
}

func TestDecode_Version(t *testing.T) {
	env, err := Decode([]byte(`{"type":"version","driverVersion":"2.4.0","serverVersion":"1.7.1","minSchemaVersion":1,"maxSchemaVersion":13}`))
	require.NoError(t, err)
	assert.Equal(t, TypeVersion, env.Type)
	assert.Equal(t, Version{
		DriverVersion:    "2.4.0",
		ServerVersion:    "1.7.1",
		MinSchemaVersion: 1,
		MaxSchemaVersion: 13,
	}, env.Version())
}

func TestDecode_Result(t *testing.T) {
	env, err := Decode([]byte(`{"type":"result","messageId":"3","success":true,"result":{"state":{}}}`))
	require.NoError(t, err)

	res := env.AsResult()
	assert.Equal(t, "3", res.MessageID)
	assert.True(t, res.Success)
	assert.JSONEq(t, `{"state":{}}`, string(res.Result))
	assert.Empty(t, res.ErrorCode)

	env, err = Decode([]byte(`{"type":"result","messageId":"4","success":false,"errorCode":"unknown_command"}`))
	require.NoError(t, err)
	res = env.AsResult()
	assert.False(t, res.Success)
	assert.Equal(t, "unknown_command", res.ErrorCode)
}

func TestDecode_MissingType(t *testing.T) {
	_, err := Decode([]byte(`{"messageId":"1"}`))
	assert.ErrorIs(t, err, ErrMissingType)
}

func TestDecode_InvalidJSON(t *testing.T) {
	_, err := Decode([]byte(`{"type":`))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrMissingType)
	assert.NotErrorIs(t, err, ErrMalformed)
}

func TestDecode_NormalizesIDAndErrorCode(t *testing.T) {
	env, err := Decode([]byte(`{"type":"result","messageId":12345,"success":false,"errorCode":7}`))
	require.NoError(t, err)
	res := env.AsResult()
	assert.Equal(t, "12345", res.MessageID)
	assert.Equal(t, "7", res.ErrorCode)
	assert.False(t, res.Success)
}

func TestDecode_MistypedFieldsReadAsZero(t *testing.T) {
	env, err := Decode([]byte(`{"type":"version","serverVersion":1,"minSchemaVersion":"1","maxSchemaVersion":2}`))
	require.NoError(t, err)
	v := env.Version()
	assert.Empty(t, v.ServerVersion)
	assert.Zero(t, v.MinSchemaVersion)
	assert.Equal(t, 2, v.MaxSchemaVersion)
}

func TestDecode_Malformed(t *testing.T) {
	for _, in := range []string{`{"type":42}`, `["result"]`, `"event"`} {
		_, err := Decode([]byte(in))
		assert.ErrorIs(t, err, ErrMalformed, in)
	}
	_, err := Decode([]byte(`{"type":null}`))
	assert.ErrorIs(t, err, ErrMissingType)
}

func TestEvent_KeepsRawBody(t *testing.T) {
	body := `{"source":"device","event":"property changed","serialNumber":"T8113N","name":"battery","value":42,"timestamp":1700000000}`
	env, err := Decode([]byte(`{"type":"event","event":` + body + `}`))
	require.NoError(t, err)

	evt, err := env.AsEvent()
	require.NoError(t, err)
	assert.Equal(t, SourceDevice, evt.Source)
	assert.Equal(t, EventPropertyChanged, evt.Name)
	assert.Equal(t, "T8113N", evt.SerialNumber)

	name, value, ok := evt.Property()
	require.True(t, ok)
	assert.Equal(t, "battery", name)
	assert.EqualValues(t, 42, value)

	out, err := json.Marshal(evt)
	require.NoError(t, err)
	assert.JSONEq(t, body, string(out), "re-encoding must forward unknown fields")
}

func TestEvent_PropertyOnlyForPropertyChanged(t *testing.T) {
	env, err := Decode([]byte(`{"type":"event","event":{"source":"driver","event":"connected"}}`))
	require.NoError(t, err)
	evt, err := env.AsEvent()
	require.NoError(t, err)

	_, _, ok := evt.Property()
	assert.False(t, ok)
}

func TestEvent_MissingBody(t *testing.T) {
	env, err := Decode([]byte(`{"type":"event"}`))
	require.NoError(t, err)
	_, err = env.AsEvent()
	assert.Error(t, err)
}

func TestListeningResult(t *testing.T) {
	raw := `{"state":{"driver":{"version":"2.4.0","connected":true,"pushConnected":false},
		"stations":[{"serialNumber":"T8010N","name":"Home","guardMode":1}],
		"devices":[{"serialNumber":"T8113N","name":"Door","battery":80}]}}`

	var res ListeningResult
	require.NoError(t, json.Unmarshal([]byte(raw), &res))
	assert.Equal(t, "2.4.0", res.State.Driver.Version)
	assert.True(t, res.State.Driver.Connected)
	assert.False(t, res.State.Driver.PushConnected)
	require.Len(t, res.State.Stations, 1)
	assert.Equal(t, "T8010N", res.State.Stations[0]["serialNumber"])
	require.Len(t, res.State.Devices, 1)
	assert.EqualValues(t, 80, res.State.Devices[0]["battery"])
}
