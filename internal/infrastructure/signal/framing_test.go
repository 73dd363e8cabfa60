package signal

import (
	"bufio"
	"bytes"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLimits() FrameLimits {
	return FrameLimits{
		HeaderTimeout:  time.Second,
		BodyTimeout:    200 * time.Millisecond,
		MaxHeaderBytes: 4096,
		MaxBodyBytes:   64 * 1024,
	}
}

// readFrom feeds raw into one end of a pipe and parses it from the other.
func readFrom(t *testing.T, raw string) (*Request, error) {
	t.Helper()
	client, server := net.Pipe()
	defer server.Close()

	go func() {
		_, _ = client.Write([]byte(raw))
	}()
	t.Cleanup(func() { client.Close() })

	return ReadRequest(server, testLimits())
}

func TestReadRequest_GetWithoutBody(t *testing.T) {
	req, err := readFrom(t, "GET /signaling?x=1 HTTP/1.1\r\nHost: peer\r\n\r\n")
	require.NoError(t, err)
	assert.Equal(t, "GET", req.Method)
	assert.Equal(t, "/signaling", req.Path)
	assert.Equal(t, "peer", req.Header.Get("Host"))
	assert.Nil(t, req.Body)
	assert.NoError(t, req.BodyErr)
}

func TestReadRequest_BodyDelimitedByStructure(t *testing.T) {
	// The Content-Length header is wrong on purpose.
	raw := "POST /signaling HTTP/1.1\r\nContent-Length: 3\r\n\r\n{\"type\":\"reject\",\"timestamp\":1}"
	req, err := readFrom(t, raw)
	require.NoError(t, err)
	require.NoError(t, req.BodyErr)
	assert.JSONEq(t, `{"type":"reject","timestamp":1}`, string(req.Body))
}

func TestReadRequest_MalformedBody(t *testing.T) {
	req, err := readFrom(t, "POST /signaling HTTP/1.1\r\n\r\n{not json}")
	require.NoError(t, err)
	assert.Error(t, req.BodyErr)
}

func TestReadRequest_TruncatedBodyTimesOut(t *testing.T) {
	req, err := readFrom(t, "POST /signaling HTTP/1.1\r\n\r\n{\"type\":")
	require.NoError(t, err)
	assert.Error(t, req.BodyErr)
}

func TestReadRequest_EmptyBody(t *testing.T) {
	req, err := readFrom(t, "POST /call-request HTTP/1.1\r\nContent-Length: 0\r\n\r\n")
	require.NoError(t, err)
	assert.Error(t, req.BodyErr)
}

func TestReadRequest_MalformedRequestLine(t *testing.T) {
	_, err := readFrom(t, "HELLO\r\n\r\n")
	assert.Error(t, err)

	_, err = readFrom(t, "GET signaling HTTP/1.1\r\n\r\n")
	assert.Error(t, err)
}

func TestWriteResponse(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteResponse(&buf, http.StatusOK, ackResponse{Status: "received", Type: "offer"}))

	resp, err := http.ReadResponse(bufio.NewReader(&buf), nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, int64(len(`{"status":"received","type":"offer"}`)), resp.ContentLength)
	assert.True(t, resp.Close)
}
