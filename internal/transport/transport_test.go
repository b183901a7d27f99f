package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logpkg "github.com/xscopehub/toolhost/internal/log"
	"github.com/xscopehub/toolhost/internal/protocol"
)

// echoHandler answers every request with its method name; "slow" waits until released.
type echoHandler struct {
	release chan struct{}
}

func (e *echoHandler) Dispatch(ctx context.Context, req *protocol.Request) *protocol.Response {
	if req.IsNotification() {
		return nil
	}
	if req.Method == "slow" {
		select {
		case <-e.release:
		case <-time.After(5 * time.Second):
		}
	}
	if req.Method == "explode" {
		panic("dispatcher bug")
	}
	return protocol.NewResponse(req.ID, map[string]string{"method": req.Method})
}

type wireResponse struct {
	ID     json.RawMessage   `json:"id"`
	Result map[string]string `json:"result"`
	Error  *protocol.Fault   `json:"error"`
}

func TestStdioLineFraming(t *testing.T) {
	in := strings.NewReader(strings.Join([]string{
		`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`,
		``,
		`{not json`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`[{"jsonrpc":"2.0","id":9,"method":"ping"}]`,
		`{"jsonrpc":"2.0","id":"b","method":"explode"}`,
		`{"jsonrpc":"2.0","id":"a","method":"ping"}`,
	}, "\n"))
	var out bytes.Buffer
	s := NewStdio(in, &out, WithLogger(logpkg.Discard()))
	require.NoError(t, s.Serve(context.Background(), &echoHandler{}))

	byID := map[string]wireResponse{}
	var faults []wireResponse
	scanner := bufio.NewScanner(&out)
	for scanner.Scan() {
		var resp wireResponse
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &resp))
		if string(resp.ID) == "null" {
			faults = append(faults, resp)
			continue
		}
		byID[string(resp.ID)] = resp
	}

	require.Len(t, byID, 3)
	assert.Equal(t, "tools/list", byID["1"].Result["method"])
	assert.Equal(t, "ping", byID[`"a"`].Result["method"])
	assert.Equal(t, protocol.CodeInternal, byID[`"b"`].Error.Code)

	require.Len(t, faults, 2)
	codes := []int{faults[0].Error.Code, faults[1].Error.Code}
	assert.ElementsMatch(t, []int{protocol.CodeParseError, protocol.CodeInvalidRequest}, codes)
}

func TestStdioDoesNotBlockOnSlowHandler(t *testing.T) {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	h := &echoHandler{release: make(chan struct{})}
	s := NewStdio(inR, outW, WithLogger(logpkg.Discard()))

	done := make(chan error, 1)
	go func() { done <- s.Serve(context.Background(), h) }()

	lines := bufio.NewScanner(outR)
	go func() {
		_, _ = io.WriteString(inW, `{"jsonrpc":"2.0","id":1,"method":"slow"}`+"\n")
		_, _ = io.WriteString(inW, `{"jsonrpc":"2.0","id":2,"method":"fast"}`+"\n")
	}()

	require.True(t, lines.Scan())
	var first wireResponse
	require.NoError(t, json.Unmarshal(lines.Bytes(), &first))
	assert.Equal(t, "2", string(first.ID), "fast response must overtake the slow one")

	close(h.release)
	require.True(t, lines.Scan())
	var second wireResponse
	require.NoError(t, json.Unmarshal(lines.Bytes(), &second))
	assert.Equal(t, "1", string(second.ID))

	require.NoError(t, inW.Close())
	require.NoError(t, <-done)
}

func TestContentLengthFraming(t *testing.T) {
	body1 := `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`
	body2 := `{"jsonrpc":"2.0","id":2,"method":"ping"}`
	var in bytes.Buffer
	in.Write(encodeFrame(FramingContentLength, []byte(body1)))
	in.WriteString("Content-Type: application/json\r\n")
	in.Write(encodeFrame(FramingContentLength, []byte(body2)))

	var out bytes.Buffer
	s := NewStdio(&in, &out, WithFraming(FramingContentLength), WithLogger(logpkg.Discard()))
	require.NoError(t, s.Serve(context.Background(), &echoHandler{}))

	reader := newFrameReader(&out, FramingContentLength)
	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		frame, err := reader.ReadFrame()
		require.NoError(t, err)
		var resp wireResponse
		require.NoError(t, json.Unmarshal(frame, &resp))
		seen[resp.Result["method"]] = true
	}
	assert.True(t, seen["tools/list"])
	assert.True(t, seen["ping"])
	_, err := reader.ReadFrame()
	assert.ErrorIs(t, err, io.EOF)
}

func TestHeaderReaderRejectsMissingLength(t *testing.T) {
	r := newFrameReader(strings.NewReader("X-Foo: 1\r\n\r\n{}"), FramingContentLength)
	_, err := r.ReadFrame()
	var fe *FrameError
	assert.ErrorAs(t, err, &fe)
}

func TestContentLengthRecoversFromBadFrames(t *testing.T) {
	ping := `{"jsonrpc":"2.0","id":1,"method":"ping"}`
	list := `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`
	var in bytes.Buffer
	in.WriteString("Content-Length: abc\r\n\r\n{}")
	in.Write(encodeFrame(FramingContentLength, []byte(ping)))
	in.WriteString("no colon here\r\nContent-Length: 5\r\n\r\nhello")
	in.Write(encodeFrame(FramingContentLength, []byte(list)))

	var out bytes.Buffer
	s := NewStdio(&in, &out, WithFraming(FramingContentLength), WithLogger(logpkg.Discard()))
	require.NoError(t, s.Serve(context.Background(), &echoHandler{}))

	reader := newFrameReader(&out, FramingContentLength)
	byID := map[string]wireResponse{}
	var faults []wireResponse
	for {
		frame, err := reader.ReadFrame()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		var resp wireResponse
		require.NoError(t, json.Unmarshal(frame, &resp))
		if string(resp.ID) == "null" {
			faults = append(faults, resp)
			continue
		}
		byID[string(resp.ID)] = resp
	}

	require.Len(t, faults, 2)
	for _, f := range faults {
		assert.Equal(t, protocol.CodeParseError, f.Error.Code)
	}
	assert.Equal(t, "ping", byID["1"].Result["method"])
	assert.Equal(t, "tools/list", byID["2"].Result["method"])
}

func TestHeaderReaderSkipsOversizedBody(t *testing.T) {
	r := &headerReader{r: bufio.NewReader(strings.NewReader(
		"Content-Length: 10\r\n\r\n0123456789Content-Length: 2\r\n\r\n{}")), limit: 8}
	_, err := r.ReadFrame()
	var fe *FrameError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "frame of 10 bytes exceeds limit", fe.Reason)

	frame, err := r.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, "{}", string(frame))
}

func TestLineReaderBoundsLineLength(t *testing.T) {
	long := strings.Repeat("x", 40)
	r := &lineReader{r: bufio.NewReaderSize(strings.NewReader(long+"\n{\"ok\":1}\n"), 16), limit: 32}

	_, err := r.ReadFrame()
	var fe *FrameError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "line of 41 bytes exceeds limit", fe.Reason)

	frame, err := r.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, `{"ok":1}`, string(frame))

	_, err = r.ReadFrame()
	assert.ErrorIs(t, err, io.EOF)
}

func TestParseFraming(t *testing.T) {
	f, err := ParseFraming("")
	require.NoError(t, err)
	assert.Equal(t, FramingLine, f)
	f, err = ParseFraming("Content-Length")
	require.NoError(t, err)
	assert.Equal(t, FramingContentLength, f)
	_, err = ParseFraming("xml")
	assert.Error(t, err)
}

func TestHTTPTransport(t *testing.T) {
	tr := NewHTTP(HTTPOptions{Logger: logpkg.Discard()})
	srv := httptest.NewServer(tr.Router(&echoHandler{}))
	defer srv.Close()

	post := func(body string) *http.Response {
		resp, err := http.Post(srv.URL+"/mcp", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		return resp
	}

	resp := post(`{"jsonrpc":"2.0","id":7,"method":"tools/list"}`)
	var decoded wireResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "7", string(decoded.ID))
	assert.Equal(t, "tools/list", decoded.Result["method"])

	resp = post(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = post(`{oops`)
	decoded = wireResponse{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	resp.Body.Close()
	require.NotNil(t, decoded.Error)
	assert.Equal(t, protocol.CodeParseError, decoded.Error.Code)

	health, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)
}
