package dap

import (
	"encoding/json"
	"fmt"

	"github.com/nucleo-dbg/nkd/service/debugger"
)

// LaunchConfig is the collection of launch request attributes recognized
// by the nkd DAP implementation. Launching opens a memory image.
type LaunchConfig struct {
	// Path to the physical memory image. If empty the image given on
	// the command line is used.
	CoreFile string `json:"coreFile,omitempty"`

	LaunchAttachCommonConfig
}

// AttachConfig is the collection of attach request attributes recognized
// by the nkd DAP implementation. Attaching connects to the gdbstub of a
// running QEMU.
type AttachConfig struct {
	// Address of the gdbstub, e.g. "localhost:1234".
	Gdbstub string `json:"gdbstub,omitempty"`

	LaunchAttachCommonConfig
}

// LaunchAttachCommonConfig is the attributes common in both launch/attach requests.
type LaunchAttachCommonConfig struct {
	// Report the first stop as "entry" instead of "pause".
	StopOnEntry bool `json:"stopOnEntry,omitempty"`

	// Kernel modules with debug information, replacing the ones given
	// on the command line.
	SymbolFiles []string `json:"symbolFiles,omitempty"`

	// gdb script defining the kernel constants.
	ConstantsFile string `json:"constantsFile,omitempty"`

	// Maximum number of elements shown for each queue.
	MaxQueueNodes int `json:"maxQueueNodes,omitempty"`
}

// apply returns a copy of cfg with the attributes set in the request.
func (c *LaunchAttachCommonConfig) apply(cfg debugger.Config) debugger.Config {
	if len(c.SymbolFiles) > 0 {
		cfg.SymbolFiles = c.SymbolFiles
	}
	if c.ConstantsFile != "" {
		cfg.ConstantsFile = c.ConstantsFile
	}
	if c.MaxQueueNodes > 0 {
		cfg.MaxQueueNodes = c.MaxQueueNodes
	}
	return cfg
}

// unmarshalLaunchAttachArgs wraps unmarshalling of launch/attach request's
// arguments attribute. Upon unmarshal failure, it returns an error massaged
// to be suitable for end-users. Missing arguments leave config unchanged.
func unmarshalLaunchAttachArgs(input json.RawMessage, config interface{}) error {
	if len(input) == 0 || string(input) == "null" {
		return nil
	}
	if err := json.Unmarshal(input, config); err != nil {
		if uerr, ok := err.(*json.UnmarshalTypeError); ok {
			// Format json.UnmarshalTypeError error string in our own way. E.g.,
			//   "json: cannot unmarshal number into Go struct field LaunchConfig.coreFile of type string"
			//   => "cannot unmarshal number into "coreFile" of type string"
			return fmt.Errorf("cannot unmarshal %v into %q of type %v", uerr.Value, uerr.Field, uerr.Type.String())
		}
		return err
	}
	return nil
}
