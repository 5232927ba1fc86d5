package cmds

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/nucleo-dbg/nkd/pkg/config"
	"github.com/nucleo-dbg/nkd/pkg/logflags"
	"github.com/nucleo-dbg/nkd/pkg/terminal"
	"github.com/nucleo-dbg/nkd/pkg/version"
	"github.com/nucleo-dbg/nkd/service"
	"github.com/nucleo-dbg/nkd/service/dap"
	"github.com/nucleo-dbg/nkd/service/debugger"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// headless is whether to serve DAP instead of running the terminal.
	headless bool
	// addr is the DAP server listen address.
	addr string
	// initFile is the path to initialization file.
	initFile string
	// jsonOutput makes every terminal command print JSON.
	jsonOutput bool

	// symbolFiles, constantsFile, maxNodes and kernelRoot override the
	// configuration file.
	symbolFiles   []string
	constantsFile string
	maxNodes      int
	kernelRoot    uint64

	verbose bool

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	conf *config.Config
)

const nkdCommandLongDesc = `nkd is a debugger for the nucleo teaching kernel.

nkd reads the physical memory of a machine running nucleo, either from a
memory image or through the gdbstub of QEMU, and shows the kernel state in
the terms of the kernel: process descriptors, semaphores, process queues,
interrupt handlers and address translations.

The kernel modules with debug information are given with --symbols, the
constants generated by the build with --constants:

` + "`nkd connect localhost:1234 --symbols build/sistema,build/io,build/utente --constants build/costanti.gdb`"

// New returns an initialized command tree.
func New() *cobra.Command {
	var err error
	conf, err = config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}

	rootCommand = &cobra.Command{
		Use:   "nkd",
		Short: "nkd is a debugger for the nucleo kernel.",
		Long:  nkdCommandLongDesc,
	}

	rootCommand.PersistentFlags().StringVarP(&addr, "listen", "l", "127.0.0.1:0", "DAP server listen address, used with --headless.")

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable debugging server logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'nkd help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'nkd help log').")

	rootCommand.PersistentFlags().BoolVarP(&headless, "headless", "", false, "Serve the Debug Adapter Protocol instead of running the terminal.")
	rootCommand.PersistentFlags().StringVar(&initFile, "init", "", "Init file, executed by the terminal.")
	rootCommand.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print the output of every terminal command as JSON.")
	addTargetFlags(rootCommand.PersistentFlags())

	// 'core' subcommand.
	coreCommand := &cobra.Command{
		Use:   "core <image>",
		Short: "Examine a physical memory image.",
		Long: `Examine a physical memory image.

The image is a raw dump of the physical memory of the machine, for example
one written by the QEMU monitor with "pmemsave 0 <size> <image>".`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return errors.New("you must provide a memory image")
			}
			return nil
		},
		Run: coreCmd,
	}
	rootCommand.AddCommand(coreCommand)

	// 'connect' subcommand.
	connectCommand := &cobra.Command{
		Use:   "connect [addr]",
		Short: "Connect to the gdbstub of QEMU.",
		Long: `Connect to the gdbstub of a running QEMU ("-gdb tcp::1234").

When addr is omitted the gdbstub of the configuration file is used. The
guest is left running when nkd exits.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 1 {
				return errors.New("too many arguments")
			}
			if len(args) == 0 && conf.Gdbstub == "" {
				return errors.New("you must provide an address as the first argument")
			}
			return nil
		},
		Run: connectCmd,
	}
	rootCommand.AddCommand(connectCommand)

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "nkd, the nucleo kernel debugger\n%s\n", version.NkdVersion)
			if verbose {
				fmt.Fprintf(cmd.OutOrStdout(), "Build Details: %s\n", version.BuildInfo())
			}
		},
	}
	versionCommand.Flags().BoolVarP(&verbose, "verbose", "v", false, "print verbose version info")
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:

	engine		Log the kernel queries and the decoding of structures
	gdbwire		Log the packets exchanged with the gdbstub
	image		Log the opening of memory images
	symbols		Log the loading of debug information and symbol lookups
	dap		Log all DAP messages

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.
This option will also redirect the "DAP server listening at" message in
headless mode.
`,
	})

	rootCommand.DisableAutoGenTag = true

	return rootCommand
}

func addTargetFlags(fs *pflag.FlagSet) {
	fs.StringSliceVar(&symbolFiles, "symbols", nil, "Comma separated list of kernel modules with debug information.")
	fs.StringVar(&constantsFile, "constants", "", "gdb script with the kernel constants.")
	fs.IntVar(&maxNodes, "max-nodes", 0, "Number of elements shown for each process queue.")
	fs.Uint64Var(&kernelRoot, "kernel-root", 0, "Physical address of the page table used to read kernel pointers.")
}

// applyFlags overrides the configuration with the command line.
func applyFlags(conf *config.Config) {
	if len(symbolFiles) > 0 {
		conf.SymbolFiles = symbolFiles
	}
	if constantsFile != "" {
		conf.ConstantsFile = constantsFile
	}
	if maxNodes > 0 {
		n := maxNodes
		conf.MaxQueueNodes = &n
	}
	if kernelRoot != 0 {
		root := kernelRoot
		conf.KernelRoot = &root
	}
}

func debuggerConfig(conf *config.Config) debugger.Config {
	return debugger.Config{
		Gdbstub:       conf.Gdbstub,
		SymbolFiles:   conf.SymbolFiles,
		ConstantsFile: conf.ConstantsFile,
		Constants:     conf.Constants,
		Layouts:       conf.Layouts,
		KernelRoot:    conf.KernelRoot,
		MaxQueueNodes: conf.QueueNodes(),
	}
}

func coreCmd(cmd *cobra.Command, args []string) {
	applyFlags(conf)
	dconf := debuggerConfig(conf)
	dconf.Gdbstub = ""
	dconf.CoreFile = args[0]
	os.Exit(execute(dconf, conf))
}

func connectCmd(cmd *cobra.Command, args []string) {
	applyFlags(conf)
	dconf := debuggerConfig(conf)
	if len(args) > 0 {
		dconf.Gdbstub = args[0]
	}
	os.Exit(execute(dconf, conf))
}

// waitForDisconnectSignal is a blocking function that waits for either
// a SIGINT (Ctrl-C) signal from the OS or for disconnectChan to be closed
// by the server when the client disconnects.
func waitForDisconnectSignal(disconnectChan chan struct{}) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT)
	defer signal.Stop(ch)
	select {
	case <-ch:
	case <-disconnectChan:
	}
}

func execute(dconf debugger.Config, conf *config.Config) int {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer logflags.Close()

	if headless {
		if initFile != "" {
			fmt.Fprint(os.Stderr, "Warning: init file ignored with --headless\n")
		}
		if jsonOutput {
			fmt.Fprint(os.Stderr, "Warning: --json ignored with --headless\n")
		}
		return serveDAP(dconf)
	}

	d, err := debugger.New(&dconf)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	term := terminal.New(d, conf)
	term.InitFile = initFile
	term.JSON = jsonOutput
	status, err := term.Run()
	if err != nil {
		fmt.Println(err)
	}
	return status
}

// serveDAP serves a single DAP client. Launch and attach requests without
// a target of their own open the one given on the command line.
func serveDAP(dconf debugger.Config) int {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		fmt.Printf("couldn't start listener: %s\n", err)
		return 1
	}
	disconnectChan := make(chan struct{})
	var server service.Server = dap.NewServer(&service.Config{
		Listener:       listener,
		Debugger:       dconf,
		DisconnectChan: disconnectChan,
	})
	defer server.Stop()

	server.Run()
	waitForDisconnectSignal(disconnectChan)
	return 0
}
