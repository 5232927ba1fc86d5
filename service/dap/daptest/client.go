// Package daptest provides a sample client with utilities
// for DAP mode testing.
package daptest

import (
	"bufio"
	"encoding/json"
	"net"
	"testing"

	"github.com/google/go-dap"
)

// Client is a debugger service client that uses Debug Adaptor Protocol.
// All client methods are synchronous.
type Client struct {
	conn   net.Conn
	reader *bufio.Reader
	// seq is used to track the sequence number of each
	// requests that the client sends to the server
	seq int
}

// NewClient creates a new Client over a TCP connection.
// Call Close() to close the connection.
func NewClient(t *testing.T, addr string) *Client {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal("dialing:", err)
	}
	return &Client{conn: conn, reader: bufio.NewReader(conn), seq: 1}
}

// Close closes the client connection.
func (c *Client) Close() {
	c.conn.Close()
}

func (c *Client) send(request dap.Message) {
	dap.WriteProtocolMessage(c.conn, request)
}

// ReadMessage reads the next message sent by the server.
func (c *Client) ReadMessage(t *testing.T) dap.Message {
	t.Helper()
	m, err := dap.ReadProtocolMessage(c.reader)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func (c *Client) expect(t *testing.T, want string, ok func(dap.Message) bool) dap.Message {
	t.Helper()
	m := c.ReadMessage(t)
	if !ok(m) {
		t.Fatalf("got %#v, want %s", m, want)
	}
	return m
}

func (c *Client) ExpectErrorResponse(t *testing.T) *dap.ErrorResponse {
	t.Helper()
	return c.expect(t, "*dap.ErrorResponse", func(m dap.Message) bool { _, ok := m.(*dap.ErrorResponse); return ok }).(*dap.ErrorResponse)
}

func (c *Client) ExpectInitializeResponse(t *testing.T) *dap.InitializeResponse {
	t.Helper()
	initResp := c.expect(t, "*dap.InitializeResponse", func(m dap.Message) bool { _, ok := m.(*dap.InitializeResponse); return ok }).(*dap.InitializeResponse)
	if !initResp.Body.SupportsConfigurationDoneRequest {
		t.Errorf("got %#v, want SupportsConfigurationDoneRequest=true", initResp)
	}
	return initResp
}

func (c *Client) ExpectInitializedEvent(t *testing.T) *dap.InitializedEvent {
	t.Helper()
	return c.expect(t, "*dap.InitializedEvent", func(m dap.Message) bool { _, ok := m.(*dap.InitializedEvent); return ok }).(*dap.InitializedEvent)
}

func (c *Client) ExpectLaunchResponse(t *testing.T) *dap.LaunchResponse {
	t.Helper()
	return c.expect(t, "*dap.LaunchResponse", func(m dap.Message) bool { _, ok := m.(*dap.LaunchResponse); return ok }).(*dap.LaunchResponse)
}

func (c *Client) ExpectAttachResponse(t *testing.T) *dap.AttachResponse {
	t.Helper()
	return c.expect(t, "*dap.AttachResponse", func(m dap.Message) bool { _, ok := m.(*dap.AttachResponse); return ok }).(*dap.AttachResponse)
}

func (c *Client) ExpectConfigurationDoneResponse(t *testing.T) *dap.ConfigurationDoneResponse {
	t.Helper()
	return c.expect(t, "*dap.ConfigurationDoneResponse", func(m dap.Message) bool { _, ok := m.(*dap.ConfigurationDoneResponse); return ok }).(*dap.ConfigurationDoneResponse)
}

func (c *Client) ExpectStoppedEvent(t *testing.T) *dap.StoppedEvent {
	t.Helper()
	return c.expect(t, "*dap.StoppedEvent", func(m dap.Message) bool { _, ok := m.(*dap.StoppedEvent); return ok }).(*dap.StoppedEvent)
}

func (c *Client) ExpectThreadsResponse(t *testing.T) *dap.ThreadsResponse {
	t.Helper()
	return c.expect(t, "*dap.ThreadsResponse", func(m dap.Message) bool { _, ok := m.(*dap.ThreadsResponse); return ok }).(*dap.ThreadsResponse)
}

func (c *Client) ExpectStackTraceResponse(t *testing.T) *dap.StackTraceResponse {
	t.Helper()
	return c.expect(t, "*dap.StackTraceResponse", func(m dap.Message) bool { _, ok := m.(*dap.StackTraceResponse); return ok }).(*dap.StackTraceResponse)
}

func (c *Client) ExpectScopesResponse(t *testing.T) *dap.ScopesResponse {
	t.Helper()
	return c.expect(t, "*dap.ScopesResponse", func(m dap.Message) bool { _, ok := m.(*dap.ScopesResponse); return ok }).(*dap.ScopesResponse)
}

func (c *Client) ExpectEvaluateResponse(t *testing.T) *dap.EvaluateResponse {
	t.Helper()
	return c.expect(t, "*dap.EvaluateResponse", func(m dap.Message) bool { _, ok := m.(*dap.EvaluateResponse); return ok }).(*dap.EvaluateResponse)
}

func (c *Client) ExpectDisconnectResponse(t *testing.T) *dap.DisconnectResponse {
	t.Helper()
	return c.expect(t, "*dap.DisconnectResponse", func(m dap.Message) bool { _, ok := m.(*dap.DisconnectResponse); return ok }).(*dap.DisconnectResponse)
}

// InitializeRequest sends an 'initialize' request.
func (c *Client) InitializeRequest() {
	request := &dap.InitializeRequest{Request: *c.newRequest("initialize")}
	request.Arguments = dap.InitializeRequestArguments{
		AdapterID:       "nkd",
		PathFormat:      "path",
		LinesStartAt1:   true,
		ColumnsStartAt1: true,
		Locale:          "it-it",
	}
	c.send(request)
}

// LaunchRequest sends a 'launch' request with the given arguments.
func (c *Client) LaunchRequest(args map[string]interface{}) {
	request := &dap.LaunchRequest{Request: *c.newRequest("launch")}
	request.Arguments = toRawMessage(args)
	c.send(request)
}

// AttachRequest sends an 'attach' request with the given arguments.
func (c *Client) AttachRequest(args map[string]interface{}) {
	request := &dap.AttachRequest{Request: *c.newRequest("attach")}
	request.Arguments = toRawMessage(args)
	c.send(request)
}

// ConfigurationDoneRequest sends a 'configurationDone' request.
func (c *Client) ConfigurationDoneRequest() {
	c.send(&dap.ConfigurationDoneRequest{Request: *c.newRequest("configurationDone")})
}

// ThreadsRequest sends a 'threads' request.
func (c *Client) ThreadsRequest() {
	c.send(&dap.ThreadsRequest{Request: *c.newRequest("threads")})
}

// StackTraceRequest sends a 'stackTrace' request.
func (c *Client) StackTraceRequest(threadID, startFrame, levels int) {
	request := &dap.StackTraceRequest{Request: *c.newRequest("stackTrace")}
	request.Arguments.ThreadId = threadID
	request.Arguments.StartFrame = startFrame
	request.Arguments.Levels = levels
	c.send(request)
}

// ScopesRequest sends a 'scopes' request.
func (c *Client) ScopesRequest(frameID int) {
	request := &dap.ScopesRequest{Request: *c.newRequest("scopes")}
	request.Arguments.FrameId = frameID
	c.send(request)
}

// EvaluateRequest sends an 'evaluate' request.
func (c *Client) EvaluateRequest(expr, context string) {
	request := &dap.EvaluateRequest{Request: *c.newRequest("evaluate")}
	request.Arguments.Expression = expr
	request.Arguments.Context = context
	c.send(request)
}

// ContinueRequest sends a 'continue' request.
func (c *Client) ContinueRequest(thread int) {
	request := &dap.ContinueRequest{Request: *c.newRequest("continue")}
	request.Arguments.ThreadId = thread
	c.send(request)
}

// DisconnectRequest sends a 'disconnect' request.
func (c *Client) DisconnectRequest() {
	c.send(&dap.DisconnectRequest{Request: *c.newRequest("disconnect")})
}

func (c *Client) newRequest(command string) *dap.Request {
	request := &dap.Request{}
	request.Type = "request"
	request.Command = command
	request.Seq = c.seq
	c.seq++
	return request
}

func toRawMessage(in interface{}) json.RawMessage {
	out, _ := json.Marshal(in)
	return out
}
