package signal

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	apperrors "lancall/pkg/errors"
)

// FrameLimits bounds how long and how much a single request may take.
type FrameLimits struct {
	HeaderTimeout  time.Duration
	BodyTimeout    time.Duration
	MaxHeaderBytes int
	MaxBodyBytes   int64
}

// Request is one framed request read off a raw connection. The body is
// delimited by the structure of the JSON document it carries, not by the
// Content-Length header.
type Request struct {
	Method string
	Path   string
	Proto  string
	Header textproto.MIMEHeader

	Body    json.RawMessage
	BodyErr error
}

var bodyMethods = map[string]bool{
	http.MethodPost:  true,
	http.MethodPut:   true,
	http.MethodPatch: true,
}

// ReadRequest reads a request line, headers up to the blank line, and for
// body-bearing methods a single JSON value.
func ReadRequest(conn net.Conn, limits FrameLimits) (*Request, error) {
	lr := &io.LimitedReader{R: conn, N: int64(limits.MaxHeaderBytes)}
	br := bufio.NewReader(lr)
	tp := textproto.NewReader(br)

	if err := conn.SetReadDeadline(time.Now().Add(limits.HeaderTimeout)); err != nil {
		return nil, err
	}

	line, err := tp.ReadLine()
	if err != nil {
		return nil, fmt.Errorf("read request line: %w", err)
	}
	req, err := parseRequestLine(line)
	if err != nil {
		return nil, err
	}

	header, err := tp.ReadMIMEHeader()
	if err != nil {
		return nil, fmt.Errorf("read headers: %w", err)
	}
	req.Header = header

	if !bodyMethods[req.Method] {
		return req, nil
	}
	if header.Get("Content-Length") == "0" {
		req.BodyErr = apperrors.NewParseError(io.ErrUnexpectedEOF)
		return req, nil
	}

	lr.N = limits.MaxBodyBytes
	if err := conn.SetReadDeadline(time.Now().Add(limits.BodyTimeout)); err != nil {
		return nil, err
	}

	var body json.RawMessage
	if err := json.NewDecoder(br).Decode(&body); err != nil {
		req.BodyErr = apperrors.NewParseError(err)
		return req, nil
	}
	req.Body = body
	return req, nil
}

func parseRequestLine(line string) (*Request, error) {
	parts := strings.Fields(line)
	if len(parts) < 2 || len(parts) > 3 {
		return nil, fmt.Errorf("malformed request line %q", line)
	}
	req := &Request{Method: strings.ToUpper(parts[0]), Path: parts[1], Proto: "HTTP/1.0"}
	if len(parts) == 3 {
		req.Proto = parts[2]
	}
	if i := strings.IndexByte(req.Path, '?'); i >= 0 {
		req.Path = req.Path[:i]
	}
	if !strings.HasPrefix(req.Path, "/") {
		return nil, fmt.Errorf("malformed request path %q", req.Path)
	}
	return req, nil
}

// WriteResponse writes a status line, the fixed header set, and body as
// JSON, then leaves closing the connection to the caller.
func WriteResponse(w io.Writer, status int, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode response body: %w", err)
	}

	var buf bytes.Buffer
	text := http.StatusText(status)
	if text == "" {
		text = "Unknown"
	}
	fmt.Fprintf(&buf, "HTTP/1.1 %d %s\r\n", status, text)
	buf.WriteString("Content-Type: application/json\r\n")
	buf.WriteString("Access-Control-Allow-Origin: *\r\n")
	buf.WriteString("Content-Length: " + strconv.Itoa(len(payload)) + "\r\n")
	buf.WriteString("Connection: close\r\n\r\n")
	buf.Write(payload)

	_, err = w.Write(buf.Bytes())
	return err
}
