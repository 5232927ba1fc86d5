// Package dap implements VSCode's Debug Adaptor Protocol (DAP) for the
// nucleo panel of the editor extension. The panel does not step or set
// breakpoints: it sends the debugger commands as evaluate requests, the
// same way it would send them through gdb with -exec, and renders the
// JSON it gets back.
// The server accepts a single client over TCP and processes its
// requests synchronously.
// For DAP details see https://microsoft.github.io/debug-adapter-protocol.
package dap

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/google/go-dap"
	"github.com/nucleo-dbg/nkd/pkg/logflags"
	"github.com/nucleo-dbg/nkd/service"
	"github.com/nucleo-dbg/nkd/service/api"
	"github.com/nucleo-dbg/nkd/service/debugger"
	"github.com/nucleo-dbg/nkd/service/internal/sameuser"
	"github.com/sirupsen/logrus"
)

// Server implements a DAP server that can accept a single client for
// a single debug session. It does not support restarting.
// The server operates via two goroutines:
// (1) Main goroutine where the server is created via NewServer(),
// started via Run() and stopped via Stop().
// (2) Run goroutine started from Run() that accepts a client connection,
// reads, decodes and processes each request, querying the underlying
// debugger and sending back events and responses.
type Server struct {
	// config is all the information necessary to start the debugger and server.
	config *service.Config
	// listener is used to accept the client connection.
	listener net.Listener
	// stopChan is closed when the server is Stop()-ed.
	stopChan chan struct{}
	// reader is used to read requests from the connection.
	reader *bufio.Reader
	// log is used for structured logging.
	log *logrus.Entry
	// args tracks special settings for handling debug session requests.
	args launchAttachArgs

	// mu protects conn and debugger, which Stop reads from the main goroutine.
	mu sync.Mutex
	// conn is the accepted client connection.
	conn net.Conn
	// debugger is the underlying debugger service.
	debugger *debugger.Debugger
}

// launchAttachArgs captures arguments from launch/attach request that
// impact handling of subsequent requests.
type launchAttachArgs struct {
	// stopOnEntry selects the reason of the first stopped event.
	stopOnEntry bool
}

// The target never runs while it is inspected: there is a single thread,
// the CPU, and a single frame, the running process.
const (
	cpuThreadID   = 1
	cpuFrameID    = 1000
	cpuThreadName = "CPU"
)

// newDebugger opens the target of a launch or attach request.
// for testing
var newDebugger = debugger.New

// NewServer creates a new DAP Server. It takes an opened Listener
// via config and assumes its ownership. config.DisconnectChan has to be set;
// it will be closed by the server when the client disconnects or requests
// shutdown. Once DisconnectChan is closed, Server.Stop() must be called.
func NewServer(config *service.Config) *Server {
	logger := logflags.DAPLogger()
	logflags.WriteDAPListeningMessage(config.Listener.Addr().String())
	logger.Debug("DAP server pid = ", os.Getpid())
	return &Server{
		config:   config,
		listener: config.Listener,
		stopChan: make(chan struct{}),
		log:      logger,
	}
}

// Stop stops the DAP debugger service, closes the listener and the client
// connection. It detaches from the target, leaving a guest attached
// through the gdbstub running. This method mustn't be called more than
// once.
func (s *Server) Stop() {
	s.listener.Close()
	close(s.stopChan)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		// Breaks the read loop of serveDAPCodec, if it is still running.
		s.conn.Close()
	}
	if s.debugger != nil {
		if err := s.debugger.Detach(); err != nil {
			s.log.Error(err)
		}
		s.debugger = nil
	}
}

// signalDisconnect closes config.DisconnectChan if not nil, which
// signals that the client disconnected or there was a client
// connection failure. The function can be called multiple times and is
// only called from the run goroutine.
func (s *Server) signalDisconnect() {
	if s.config.DisconnectChan != nil {
		close(s.config.DisconnectChan)
		s.config.DisconnectChan = nil
	}
}

// Run launches a new goroutine where it accepts a client connection
// and starts processing requests from it. Use Stop() to close connection.
// The server does not support multiple clients, serially or in parallel.
// Connections to a loopback address from other users are refused.
// The debugger won't be started until launch/attach request is received.
func (s *Server) Run() {
	go func() {
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				select {
				case <-s.stopChan:
				default:
					s.log.Errorf("Error accepting client connection: %s\n", err)
				}
				s.signalDisconnect()
				return
			}
			if !sameuser.CanAccept(s.listener.Addr(), conn.LocalAddr(), conn.RemoteAddr()) {
				conn.Close()
				continue
			}
			s.mu.Lock()
			s.conn = conn
			s.mu.Unlock()
			s.serveDAPCodec()
			return
		}
	}()
}

// serveDAPCodec reads and decodes requests from the client
// until it encounters an error or EOF, when it sends
// the disconnect signal and returns.
func (s *Server) serveDAPCodec() {
	defer s.signalDisconnect()
	s.reader = bufio.NewReader(s.conn)
	for {
		request, err := dap.ReadProtocolMessage(s.reader)
		if err != nil {
			stopRequested := false
			select {
			case <-s.stopChan:
				stopRequested = true
			default:
			}
			if err != io.EOF && !stopRequested {
				s.log.Error("DAP error: ", err)
			}
			return
		}
		s.handleRequest(request)
	}
}

func (s *Server) handleRequest(request dap.Message) {
	defer func() {
		// In case a handler panics, we catch the panic and send an error response
		// back to the client.
		if ierr := recover(); ierr != nil {
			s.sendInternalErrorResponse(request.GetSeq(), fmt.Sprintf("%v", ierr))
		}
	}()

	jsonmsg, _ := json.Marshal(request)
	s.log.Debug("[<- from client]", string(jsonmsg))

	switch request := request.(type) {
	case *dap.InitializeRequest:
		s.onInitializeRequest(request)
	case *dap.LaunchRequest:
		s.onLaunchRequest(request)
	case *dap.AttachRequest:
		s.onAttachRequest(request)
	case *dap.DisconnectRequest:
		s.onDisconnectRequest(request)
	case *dap.SetExceptionBreakpointsRequest:
		// vscode sends it even if no filters were advertised
		s.send(&dap.SetExceptionBreakpointsResponse{Response: *newResponse(request.Request)})
	case *dap.ConfigurationDoneRequest:
		s.onConfigurationDoneRequest(request)
	case *dap.ThreadsRequest:
		s.onThreadsRequest(request)
	case *dap.StackTraceRequest:
		s.onStackTraceRequest(request)
	case *dap.ScopesRequest:
		s.onScopesRequest(request)
	case *dap.EvaluateRequest:
		s.onEvaluateRequest(request)
	case dap.RequestMessage:
		// The target can only be inspected: execution control, breakpoints
		// and variables are not available.
		s.sendUnsupportedErrorResponse(*request.GetRequest())
	default:
		s.sendInternalErrorResponse(request.GetSeq(), fmt.Sprintf("Unable to process %#v\n", request))
	}
}

func (s *Server) send(message dap.Message) {
	jsonmsg, _ := json.Marshal(message)
	s.log.Debug("[-> to client]", string(jsonmsg))
	dap.WriteProtocolMessage(s.conn, message)
}

func (s *Server) onInitializeRequest(request *dap.InitializeRequest) {
	response := &dap.InitializeResponse{Response: *newResponse(request.Request)}
	response.Body.SupportsConfigurationDoneRequest = true
	response.Body.SupportsEvaluateForHovers = true
	s.send(response)
}

func (s *Server) onLaunchRequest(request *dap.LaunchRequest) {
	var args LaunchConfig
	if err := unmarshalLaunchAttachArgs(request.Arguments, &args); err != nil {
		s.sendErrorResponse(request.Request, FailedToLaunch, "Failed to launch", err.Error())
		return
	}
	cfg := args.LaunchAttachCommonConfig.apply(s.config.Debugger)
	if args.CoreFile != "" {
		cfg.CoreFile, cfg.Gdbstub = args.CoreFile, ""
	}
	if cfg.CoreFile == "" {
		s.sendErrorResponse(request.Request, FailedToLaunch, "Failed to launch",
			"The coreFile attribute is missing in debug configuration.")
		return
	}
	if err := s.startDebugger(&cfg, args.StopOnEntry); err != nil {
		s.sendErrorResponse(request.Request, FailedToLaunch, "Failed to launch", err.Error())
		return
	}
	s.send(&dap.InitializedEvent{Event: *newEvent("initialized")})
	s.send(&dap.LaunchResponse{Response: *newResponse(request.Request)})
}

func (s *Server) onAttachRequest(request *dap.AttachRequest) {
	var args AttachConfig
	if err := unmarshalLaunchAttachArgs(request.Arguments, &args); err != nil {
		s.sendErrorResponse(request.Request, FailedtoAttach, "Failed to attach", err.Error())
		return
	}
	cfg := args.LaunchAttachCommonConfig.apply(s.config.Debugger)
	if args.Gdbstub != "" {
		cfg.Gdbstub, cfg.CoreFile = args.Gdbstub, ""
	}
	if cfg.Gdbstub == "" {
		s.sendErrorResponse(request.Request, FailedtoAttach, "Failed to attach",
			"The gdbstub attribute is missing in debug configuration.")
		return
	}
	if err := s.startDebugger(&cfg, args.StopOnEntry); err != nil {
		s.sendErrorResponse(request.Request, FailedtoAttach, "Failed to attach", err.Error())
		return
	}
	s.send(&dap.InitializedEvent{Event: *newEvent("initialized")})
	s.send(&dap.AttachResponse{Response: *newResponse(request.Request)})
}

func (s *Server) startDebugger(cfg *debugger.Config, stopOnEntry bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.debugger != nil {
		return fmt.Errorf("a debug session is already running")
	}
	d, err := newDebugger(cfg)
	if err != nil {
		return err
	}
	s.debugger = d
	s.args.stopOnEntry = stopOnEntry
	return nil
}

func (s *Server) onDisconnectRequest(request *dap.DisconnectRequest) {
	s.send(&dap.DisconnectResponse{Response: *newResponse(request.Request)})
	s.mu.Lock()
	if s.debugger != nil {
		if err := s.debugger.Detach(); err != nil {
			s.log.Error(err)
		}
		s.debugger = nil
	}
	s.mu.Unlock()
	s.signalDisconnect()
}

// onConfigurationDoneRequest reports the target as stopped: it is either
// a memory image or a guest halted by the gdbstub.
func (s *Server) onConfigurationDoneRequest(request *dap.ConfigurationDoneRequest) {
	s.send(&dap.ConfigurationDoneResponse{Response: *newResponse(request.Request)})
	reason := "pause"
	if s.args.stopOnEntry {
		reason = "entry"
	}
	s.send(&dap.StoppedEvent{
		Event: *newEvent("stopped"),
		Body:  dap.StoppedEventBody{Reason: reason, ThreadId: cpuThreadID, AllThreadsStopped: true},
	})
}

func (s *Server) onThreadsRequest(request *dap.ThreadsRequest) {
	if s.debugger == nil {
		s.sendErrorResponse(request.Request, UnableToDisplayThreads, "Unable to display threads", "debugger is nil")
		return
	}
	response := &dap.ThreadsResponse{
		Response: *newResponse(request.Request),
		Body:     dap.ThreadsResponseBody{Threads: []dap.Thread{{Id: cpuThreadID, Name: cpuThreadName}}},
	}
	s.send(response)
}

// onStackTraceRequest returns a single frame describing the running
// process.
func (s *Server) onStackTraceRequest(request *dap.StackTraceRequest) {
	if s.debugger == nil {
		s.sendErrorResponse(request.Request, UnableToProduceStackTrace, "Unable to produce stack trace", "debugger is nil")
		return
	}
	if request.Arguments.ThreadId != cpuThreadID {
		s.sendErrorResponse(request.Request, UnableToProduceStackTrace, "Unable to produce stack trace",
			fmt.Sprintf("unknown thread %d", request.Arguments.ThreadId))
		return
	}
	p, err := s.debugger.CurrentProcess()
	if err != nil {
		s.sendErrorResponse(request.Request, UnableToProduceStackTrace, "Unable to produce stack trace", err.Error())
		return
	}
	frame := dap.StackFrame{
		Id:   cpuFrameID,
		Name: fmt.Sprintf("Processo %s: %s", p.IDString(), api.InlineString(s.debugger.Converter().FormatBody(p))),
	}
	if p.Frame != nil {
		frame.InstructionPointerReference = fmt.Sprintf("%#x", p.Frame.RIP)
	}
	frames := []dap.StackFrame{frame}
	if request.Arguments.StartFrame > 0 {
		frames = frames[:0]
	}
	response := &dap.StackTraceResponse{
		Response: *newResponse(request.Request),
		Body:     dap.StackTraceResponseBody{StackFrames: frames, TotalFrames: 1},
	}
	s.send(response)
}

// onScopesRequest returns no scopes: the state of the kernel is shown by
// the panel through evaluate requests.
func (s *Server) onScopesRequest(request *dap.ScopesRequest) {
	if request.Arguments.FrameId != cpuFrameID {
		s.sendErrorResponse(request.Request, UnableToListLocals, "Unable to list locals",
			fmt.Sprintf("unknown frame id %d", request.Arguments.FrameId))
		return
	}
	response := &dap.ScopesResponse{
		Response: *newResponse(request.Request),
		Body:     dap.ScopesResponseBody{Scopes: []dap.Scope{}},
	}
	s.send(response)
}

// onEvaluateRequest runs a debugger command, optionally prefixed by -exec.
// The result is JSON, unless the command was typed in the debug console.
func (s *Server) onEvaluateRequest(request *dap.EvaluateRequest) {
	showErrorToUser := request.Arguments.Context != "watch" && request.Arguments.Context != "hover"
	if s.debugger == nil {
		s.sendErrorResponseWithOpts(request.Request, UnableToEvaluateExpression, "Unable to evaluate expression", "debugger is nil", showErrorToUser)
		return
	}
	rec, err := s.debugger.Evaluate(request.Arguments.Expression)
	if err != nil {
		s.sendErrorResponseWithOpts(request.Request, UnableToEvaluateExpression, "Unable to evaluate expression", err.Error(), showErrorToUser)
		return
	}
	var result string
	if request.Arguments.Context == "repl" {
		var buf bytes.Buffer
		err = api.WriteText(&buf, rec, "", api.StylePlain)
		result = buf.String()
	} else {
		result, err = api.JSONString(rec, "")
	}
	if err != nil {
		s.sendInternalErrorResponse(request.Seq, err.Error())
		return
	}
	response := &dap.EvaluateResponse{
		Response: *newResponse(request.Request),
		Body:     dap.EvaluateResponseBody{Result: result},
	}
	s.send(response)
}

func (s *Server) sendErrorResponseWithOpts(request dap.Request, id int, summary, details string, showUser bool) {
	er := &dap.ErrorResponse{}
	er.Type = "response"
	er.Command = request.Command
	er.RequestSeq = request.Seq
	er.Success = false
	er.Message = summary
	er.Body.Error = &dap.ErrorMessage{
		Id:       id,
		Format:   fmt.Sprintf("%s: %s", summary, details),
		ShowUser: showUser,
	}
	s.log.Error(er.Body.Error.Format)
	s.send(er)
}

func (s *Server) sendErrorResponse(request dap.Request, id int, summary, details string) {
	s.sendErrorResponseWithOpts(request, id, summary, details, true)
}

// sendInternalErrorResponse sends an "internal error" response back to the client.
// We only take a seq here because we don't want to make assumptions about the
// kind of message received by the server that this error is a reply to.
func (s *Server) sendInternalErrorResponse(seq int, details string) {
	er := &dap.ErrorResponse{}
	er.Type = "response"
	er.RequestSeq = seq
	er.Success = false
	er.Message = "Internal Error"
	er.Body.Error = &dap.ErrorMessage{
		Id:     InternalError,
		Format: fmt.Sprintf("%s: %s", er.Message, details),
	}
	s.log.Error(er.Body.Error.Format)
	s.send(er)
}

func (s *Server) sendUnsupportedErrorResponse(request dap.Request) {
	s.sendErrorResponse(request, UnsupportedCommand, "Unsupported command",
		fmt.Sprintf("cannot process '%s' request", request.Command))
}

func newResponse(request dap.Request) *dap.Response {
	return &dap.Response{
		ProtocolMessage: dap.ProtocolMessage{
			Seq:  0,
			Type: "response",
		},
		Command:    request.Command,
		RequestSeq: request.Seq,
		Success:    true,
	}
}

func newEvent(event string) *dap.Event {
	return &dap.Event{
		ProtocolMessage: dap.ProtocolMessage{
			Seq:  0,
			Type: "event",
		},
		Event: event,
	}
}
