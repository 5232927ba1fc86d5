// Package logflags configures the per-layer loggers used by nkd.
// Every layer is silent unless it was named in --log-output.
package logflags

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

var engine = false
var gdbWire = false
var image = false
var symbols = false
var dap = false

var logOut io.WriteCloser

func makeLogger(flag bool, fields logrus.Fields) *logrus.Entry {
	logger := logrus.New().WithFields(fields)
	logger.Logger.Formatter = &logrus.TextFormatter{DisableColors: true}
	if logOut != nil {
		logger.Logger.Out = logOut
	}
	logger.Logger.Level = logrus.DebugLevel
	if !flag {
		logger.Logger.Level = logrus.PanicLevel
	}
	return logger
}

// Engine returns true if the decoder and traversal layer should log.
func Engine() bool {
	return engine
}

// EngineLogger returns a logger for the kernel structure decoder.
func EngineLogger() *logrus.Entry {
	return makeLogger(engine, logrus.Fields{"layer": "engine"})
}

// GdbWire returns true if the gdbserial package should log all the packets
// exchanged with the stub.
func GdbWire() bool {
	return gdbWire
}

// GdbWireLogger returns a configured logger for the gdbserial wire protocol.
func GdbWireLogger() *logrus.Entry {
	return makeLogger(gdbWire, logrus.Fields{"layer": "gdbconn"})
}

// Image returns true if memory image loading should be logged.
func Image() bool {
	return image
}

// ImageLogger returns a logger for the memory image loaders.
func ImageLogger() *logrus.Entry {
	return makeLogger(image, logrus.Fields{"layer": "image"})
}

// Symbols returns true if symbol and debug info loading should be logged.
func Symbols() bool {
	return symbols
}

func SymbolsLogger() *logrus.Entry {
	return makeLogger(symbols, logrus.Fields{"layer": "symbols"})
}

// DAP returns true if the DAP server should log its messages.
func DAP() bool {
	return dap
}

// DAPLogger returns a logger for the DAP server.
func DAPLogger() *logrus.Entry {
	return makeLogger(dap, logrus.Fields{"layer": "dap"})
}

// WriteDAPListeningMessage writes on standard error the address where the
// DAP server is listening, the editor extension waits for this line.
func WriteDAPListeningMessage(addr string) {
	fmt.Fprintf(os.Stderr, "DAP server listening at: %s\n", addr)
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets the layer flags based on the contents of logstr.
// If logDest is not empty logs will be redirected to the file descriptor or
// file path specified by logDest.
func Setup(logFlag bool, logstr, logDest string) error {
	if logDest != "" {
		n, err := strconv.Atoi(logDest)
		if err == nil {
			logOut = os.NewFile(uintptr(n), "nkd-logs")
		} else {
			fh, err := os.Create(logDest)
			if err != nil {
				return fmt.Errorf("could not create log file: %w", err)
			}
			logOut = fh
		}
	}
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(io.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "engine"
	}
	v := strings.Split(logstr, ",")
	for _, logcmd := range v {
		switch logcmd {
		case "engine":
			engine = true
		case "gdbwire":
			gdbWire = true
		case "image":
			image = true
		case "symbols":
			symbols = true
		case "dap":
			dap = true
		}
	}
	return nil
}

// Close closes the logger output.
func Close() {
	if logOut != nil {
		logOut.Close()
	}
}
