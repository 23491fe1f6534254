package rpc

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"wsrpc"
)

//	Caller issues a dynamic call against an api handle. Connection
//	satisfies it for remote calls; SingleAPICaller serves a local API.
type Caller interface {
	Call(handle uint32, method string, args []wsrpc.Variant) (wsrpc.Variant, error)
}

//	SingleAPICaller adapts one bound API to the Caller surface. The
//	handle is ignored; every method resolves against the one API.
type SingleAPICaller struct {
	API *API
}

func (s SingleAPICaller) Call(handle uint32, method string, args []wsrpc.Variant) (wsrpc.Variant, error) {
	return s.API.Call(nil, method, args...)
}

//	ResultFormatter renders a reply for display, given the arguments the
//	call was made with.
type ResultFormatter func(result wsrpc.Variant, args []wsrpc.Variant) (string, error)

//	Cli reads "method arg1 arg2 ..." lines, arguments as JSON values,
//	issues each call against a fixed api handle, and prints the reply as
//	compact JSON, without indentation, unless a formatter is installed.
type Cli struct {
	caller     Caller
	apiHandle  uint32
	maxDepth   uint32
	prompt     string
	in         *bufio.Reader
	out        io.Writer
	formatters map[string]ResultFormatter
}

func NewCli(caller Caller, in io.Reader, out io.Writer) *Cli {
	return &Cli{
		caller:     caller,
		apiHandle:  BootstrapHandle,
		maxDepth:   wsrpc.DefaultMaxDepth,
		prompt:     ">>>",
		in:         bufio.NewReader(in),
		out:        out,
		formatters: map[string]ResultFormatter{},
	}
}

func (cli *Cli) SetPrompt(prompt string) { cli.prompt = prompt }

func (cli *Cli) SetAPIHandle(handle uint32) { cli.apiHandle = handle }

//	FormatResult installs a per-method formatter used instead of raw
//	JSON when printing that method's replies.
func (cli *Cli) FormatResult(method string, formatter ResultFormatter) {
	cli.formatters[method] = formatter
}

//	Run loops until EOF or an explicit quit. Call failures are printed,
//	not fatal.
func (cli *Cli) Run() (err error) {
	for {
		fmt.Fprintf(cli.out, "%s ", cli.prompt)
		line, rerr := cli.in.ReadString('\n')
		if line == "" && rerr != nil {
			fmt.Fprintln(cli.out)
			return nil
		}
		line = strings.TrimSpace(line)
		if line == "" {
			if rerr != nil {
				return nil
			}
			continue
		}
		if line == "quit" || line == "exit" {
			return nil
		}
		if output, cerr := cli.Execute(line); cerr != nil {
			fmt.Fprintln(cli.out, wsrpc.Red(cerr.Error()))
		} else {
			fmt.Fprintln(cli.out, output)
		}
		if rerr != nil {
			return nil
		}
	}
}

//	Execute runs a single shell line and returns the rendered reply.
func (cli *Cli) Execute(line string) (output string, err error) {
	fields := strings.SplitN(line, " ", 2)
	method := fields[0]
	var args []wsrpc.Variant
	if len(fields) > 1 {
		if args, err = wsrpc.VariantsFromJSON(fields[1], cli.maxDepth); err != nil {
			return
		}
	}
	result, err := cli.caller.Call(cli.apiHandle, method, args)
	if err != nil {
		return
	}
	if formatter, ok := cli.formatters[method]; ok {
		return formatter(result, args)
	}
	return result.ToJSON(cli.maxDepth)
}
