package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseArgs(t *testing.T) {
	args, err := parseArgs([]string{
		"serialNumber=T8010N",
		"mode=1",
		"enabled=false",
		`value={"a":[1,2]}`,
		"name=Front door",
		"empty=",
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"serialNumber": "T8010N",
		"mode":         float64(1),
		"enabled":      false,
		"value":        map[string]any{"a": []any{float64(1), float64(2)}},
		"name":         "Front door",
		"empty":        "",
	}, args)
}

func TestParseArgs_Invalid(t *testing.T) {
	for _, in := range []string{"serialNumber", "=1"} {
		_, err := parseArgs([]string{in})
		assert.Error(t, err, in)
	}
}

func TestWriteIndented(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeIndented(&buf, []byte(`{"a":1}`)))
	assert.Equal(t, "{\n  \"a\": 1\n}\n", buf.String())

	buf.Reset()
	require.NoError(t, writeIndented(&buf, nil))
	assert.Equal(t, "null\n", buf.String())

	buf.Reset()
	require.NoError(t, writeIndented(&buf, []byte("not json")))
	assert.Equal(t, "not json\n", buf.String())
}

func TestVersionCommand(t *testing.T) {
	SetBuildInfo("1.2.3", "2026-01-01", "abc123")
	var out bytes.Buffer
	versionCmd.SetOut(&out)
	t.Cleanup(func() { versionCmd.SetOut(nil) })

	versionCmd.Run(versionCmd, nil)
	assert.Contains(t, out.String(), "eufyd 1.2.3")
	assert.Contains(t, out.String(), "commit: abc123")
}

// gatewayServer greets with a version message and answers every command
// with a successful result echoing the command name.
func gatewayServer(t *testing.T) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		_ = ws.WriteJSON(map[string]any{
			"type":             "version",
			"driverVersion":    "2.4.0",
			"serverVersion":    "1.7.1",
			"minSchemaVersion": 1,
			"maxSchemaVersion": 2,
		})
		for {
			var msg map[string]any
			if err := ws.ReadJSON(&msg); err != nil {
				return
			}
			_ = ws.WriteJSON(map[string]any{
				"type":      "result",
				"messageId": msg["messageId"],
				"success":   true,
				"result":    map[string]any{"command": msg["command"], "serialNumber": msg["serialNumber"]},
			})
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func withFlags(t *testing.T, url string) {
	t.Helper()
	prevURL, prevLevel, prevConfig := flagURL, flagLogLevel, flagConfig
	flagURL, flagLogLevel, flagConfig = url, "error", ""
	t.Cleanup(func() { flagURL, flagLogLevel, flagConfig = prevURL, prevLevel, prevConfig })
}

func TestLoadConfig_FlagOverrides(t *testing.T) {
	withFlags(t, "wss://eufy.example:3000")

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "wss://eufy.example:3000", cfg.Server.URL)
	assert.Equal(t, "error", cfg.Log.Level)
}

func TestLoadConfig_InvalidURL(t *testing.T) {
	withFlags(t, "http://eufy.example:3000")

	_, err := loadConfig()
	assert.Error(t, err)
}

func TestRunCommand(t *testing.T) {
	withFlags(t, gatewayServer(t))

	var out bytes.Buffer
	err := runCommand(context.Background(), &out, "device.get_properties", map[string]any{"serialNumber": "T8113N"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"command":"device.get_properties","serialNumber":"T8113N"}`, out.String())
}

func TestRunServerVersion(t *testing.T) {
	withFlags(t, gatewayServer(t))

	var out bytes.Buffer
	require.NoError(t, runServerVersion(context.Background(), &out))

	var v map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &v))
	assert.Equal(t, "1.7.1", v["serverVersion"])
	assert.EqualValues(t, 2, v["maxSchemaVersion"])
}
