package main

/*
* CLI client for wsrpc servers
 */

import (
	"fmt"
	"os"
	"strings"

	"github.com/op/go-logging"
	"github.com/urfave/cli"

	"wsrpc"
	"wsrpc/rpc"
	"wsrpc/websocket"
)

func PrintFatal(msg string, args ...interface{}) {
	PrintErr(msg, args...)
	os.Exit(1)
}

func PrintErr(msg string, args ...interface{}) {
	os.Stderr.WriteString(fmt.Sprintf(msg, args...) + "\n")
}

func connect(c *cli.Context) (conn *rpc.Connection, client *websocket.Client, err error) {
	client = websocket.NewClient()
	client.InsecureSkipVerify = c.GlobalBool("insecure")
	for _, header := range c.GlobalStringSlice("header") {
		parts := strings.SplitN(header, "=", 2)
		if len(parts) != 2 {
			err = fmt.Errorf("malformed header %q, want key=value", header)
			return
		}
		client.AppendHeader(strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]))
	}
	uri := c.GlobalString("uri")
	var transport *websocket.Connection
	if c.GlobalBool("secure") {
		transport, err = client.SecureConnect(uri)
	} else {
		transport, err = client.Connect(uri)
	}
	if err != nil {
		return
	}
	conn = rpc.NewConnection(transport, wsrpc.DefaultMaxDepth)
	return
}

func callCommand(c *cli.Context) (err error) {
	if !c.Args().Present() {
		PrintFatal("usage: wscall call <method> [json args...]")
	}
	method := c.Args().First()
	args, err := wsrpc.VariantsFromJSON(strings.Join(c.Args().Tail(), " "), wsrpc.DefaultMaxDepth)
	if err != nil {
		PrintFatal(wsrpc.Red(err.Error()))
	}
	conn, client, err := connect(c)
	if err != nil {
		PrintFatal(wsrpc.Red(err.Error()))
	}
	defer client.SynchronousClose()
	result, err := conn.Call(uint32(c.GlobalUint("api")), method, args)
	if err != nil {
		PrintFatal(wsrpc.Red(err.Error()))
	}
	text, err := result.ToJSON(wsrpc.DefaultMaxDepth)
	if err != nil {
		PrintFatal(wsrpc.Red(err.Error()))
	}
	fmt.Println(text)
	return
}

func shellCommand(c *cli.Context) (err error) {
	conn, client, err := connect(c)
	if err != nil {
		PrintFatal(wsrpc.Red(err.Error()))
	}
	defer client.SynchronousClose()
	PrintErr(wsrpc.Green("connected, type \"quit\" to leave"))
	shell := rpc.NewCli(conn, os.Stdin, os.Stdout)
	shell.SetAPIHandle(uint32(c.GlobalUint("api")))
	return shell.Run()
}

func versionCommand(c *cli.Context) (err error) {
	fmt.Println(wsrpc.CURRENT_VERSION.String())
	return
}

func main() {
	defaultLevel := logging.WARNING
	if os.Getenv(wsrpc.LogLevelEnv) != "" {
		defaultLevel = logging.DEBUG
	}
	wsrpc.SetupLogging("wscall", defaultLevel, false)

	app := cli.NewApp()
	app.Name = "wscall"
	app.Usage = "issue calls against a wsrpc server"
	app.Version = wsrpc.CURRENT_VERSION.String()
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "uri",
			Value: "ws://localhost:8090",
			Usage: "server to dial",
		},
		cli.BoolFlag{
			Name:  "secure",
			Usage: "dial with TLS",
		},
		cli.BoolFlag{
			Name:  "insecure",
			Usage: "accept any TLS certificate",
		},
		cli.StringSliceFlag{
			Name:  "header",
			Usage: "extra handshake header, key=value; repeatable",
		},
		cli.UintFlag{
			Name:  "api",
			Usage: "api handle calls are issued against",
		},
	}
	app.Commands = []cli.Command{
		cli.Command{
			Name:   "call",
			Usage:  "issue one call and print the reply",
			Action: callCommand,
		},
		cli.Command{
			Name:   "shell",
			Usage:  "interactive line shell",
			Action: shellCommand,
		},
		cli.Command{
			Name:   "version",
			Usage:  "print the wscall version",
			Action: versionCommand,
		},
	}
	app.Run(os.Args)
}
