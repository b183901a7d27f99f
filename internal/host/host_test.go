package host

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xscopehub/toolhost/internal/config"
	"github.com/xscopehub/toolhost/internal/protocol"
	"github.com/xscopehub/toolhost/internal/resources"
	"github.com/xscopehub/toolhost/internal/schema"
)

const kindGreeter resources.Kind = "greeter"

func testDefinition() Definition {
	return Definition{
		Name:        "test-host",
		Version:     "0.0.1",
		Description: "host used in tests",
		Install: func(r *Registrar) error {
			if err := r.Handles.Register(kindGreeter, func(ctx context.Context, cfg *resources.Config) (any, error) {
				greeting := cfg.Require("GREETING")
				if err := cfg.Err(); err != nil {
					return nil, err
				}
				return greeting, nil
			}); err != nil {
				return err
			}
			return errors.Join(
				r.Tools.RegisterFunc(protocol.ToolDescriptor{
					Name:        "greet",
					Description: "greets someone",
					InputSchema: schema.Object(schema.Prop("name", schema.String().WithDefault("world"))),
				}, func(ctx context.Context, args protocol.Args) (protocol.ToolResult, error) {
					greeting, err := resources.Get[string](ctx, r.Handles, kindGreeter)
					if err != nil {
						return protocol.ToolResult{}, err
					}
					return protocol.Result(protocol.Textf("%s, %s", greeting, args.String("name"))), nil
				}),
				r.Resources.RegisterFunc(protocol.ResourceDescriptor{URI: "test://status"},
					func(context.Context) (string, error) { return "up", nil }),
			)
		},
	}
}

func stdioConfig() config.Config {
	cfg, _ := config.Load("")
	cfg.Transport.Kind = config.TransportStdio
	cfg.Transport.Framing = "line"
	cfg.Ops.Listen = ""
	cfg.Telemetry.Enabled = false
	cfg.Audit.NatsURL = ""
	cfg.Audit.KafkaBrokers = nil
	return cfg
}

type wire struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *protocol.Fault `json:"error"`
}

func runSession(t *testing.T, env resources.Env, lines ...string) map[string]wire {
	t.Helper()
	var out, errOut bytes.Buffer
	rt, err := Build(context.Background(), testDefinition(), stdioConfig(), Options{
		Env:    env,
		Stdin:  strings.NewReader(strings.Join(lines, "\n") + "\n"),
		Stdout: &out,
		Stderr: &errOut,
	})
	require.NoError(t, err)
	require.NoError(t, rt.Run(context.Background()))

	responses := map[string]wire{}
	scanner := bufio.NewScanner(&out)
	for scanner.Scan() {
		var w wire
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &w), "stdout must only carry protocol messages")
		responses[string(w.ID)] = w
	}
	return responses
}

func TestHostSession(t *testing.T) {
	responses := runSession(t, resources.MapEnv{"GREETING": "hello"},
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","clientInfo":{"name":"t","version":"1"}}}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`,
		`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"greet"}}`,
		`{"jsonrpc":"2.0","id":4,"method":"resources/read","params":{"uri":"test://status"}}`,
	)
	require.Len(t, responses, 4)

	var init protocol.InitializeResult
	require.NoError(t, json.Unmarshal(responses["1"].Result, &init))
	assert.Equal(t, "test-host", init.ServerInfo.Name)
	assert.Equal(t, "0.0.1", init.ServerInfo.Version)

	assert.Contains(t, string(responses["2"].Result), `"name":"greet"`)

	var call protocol.ToolResult
	require.NoError(t, json.Unmarshal(responses["3"].Result, &call))
	assert.False(t, call.IsError)
	assert.Equal(t, "hello, world", call.FirstText())

	assert.Contains(t, string(responses["4"].Result), `"text":"up"`)
}

func TestMissingConfigurationSurfacesAsToolError(t *testing.T) {
	responses := runSession(t, resources.MapEnv{},
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"greet","arguments":{"name":"x"}}}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`,
	)
	require.Len(t, responses, 2)
	require.Nil(t, responses["1"].Error)

	var call protocol.ToolResult
	require.NoError(t, json.Unmarshal(responses["1"].Result, &call))
	assert.True(t, call.IsError)
	assert.Contains(t, call.FirstText(), "GREETING")
	assert.Nil(t, responses["2"].Error)
}

func TestBuildFailures(t *testing.T) {
	def := testDefinition()
	def.Install = func(r *Registrar) error {
		return errors.Join(
			r.Tools.RegisterFunc(protocol.ToolDescriptor{Name: "dup"}, nil),
		)
	}
	_, err := Build(context.Background(), def, stdioConfig(), Options{Stderr: &bytes.Buffer{}})
	assert.Error(t, err)

	cfg := stdioConfig()
	cfg.Transport.Kind = "carrier-pigeon"
	_, err = Build(context.Background(), testDefinition(), cfg, Options{Stderr: &bytes.Buffer{}})
	assert.Error(t, err)

	cfg = stdioConfig()
	cfg.Manifest = filepath.Join(t.TempDir(), "absent.json")
	_, err = Build(context.Background(), testDefinition(), cfg, Options{Stderr: &bytes.Buffer{}})
	assert.Error(t, err)
}

func TestCommandServesStdio(t *testing.T) {
	for _, k := range []string{"TOOLHOST_TRANSPORT", "TOOLHOST_FRAMING", "TOOLHOST_OPS_LISTEN", "OTEL_EXPORTER_OTLP_ENDPOINT", "NATS_URL", "KAFKA_BROKERS"} {
		t.Setenv(k, "")
	}
	t.Setenv("GREETING", "hi")

	mfPath := filepath.Join(t.TempDir(), "manifest.json")
	require.NoError(t, os.WriteFile(mfPath, []byte(`{"description":"from file"}`), 0o644))

	cmd := NewCommand(testDefinition())
	var out, errOut bytes.Buffer
	cmd.SetIn(strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"greet","arguments":{"name":"ops"}}}` + "\n" +
		`{"jsonrpc":"2.0","id":2,"method":"manifest/get"}` + "\n"))
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs([]string{"--transport", "stdio", "--log-level", "debug", "--manifest", mfPath})
	require.NoError(t, cmd.Execute())

	assert.Contains(t, out.String(), `"text":"hi, ops"`)
	assert.Contains(t, out.String(), `"description":"from file"`)
	assert.Contains(t, errOut.String(), `"tool":"greet"`)
}

func TestDaemonRequiresHTTP(t *testing.T) {
	t.Setenv("TOOLHOST_TRANSPORT", "")
	cmd := NewCommand(testDefinition())
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--daemon"})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http transport")
}
