package main

import (
	"fmt"
	"net"
	"os"

	"github.com/spf13/cobra"

	"github.com/privleap/privleapd/internal/wire"
)

func main() {
	var socketPath string

	root := &cobra.Command{
		Use:   "privleap-ctl",
		Short: "create or destroy per-user privleap comm endpoints",
	}
	root.PersistentFlags().StringVar(&socketPath, "socket", "/run/privleapd/control", "control socket path")

	root.AddCommand(actionCommand("create", "CREATE", socketPathFlag(&socketPath)))
	root.AddCommand(actionCommand("destroy", "DESTROY", socketPathFlag(&socketPath)))

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// socketPathFlag returns the live value behind the --socket persistent
// flag at the time the subcommand actually runs, not at construction time
// (cobra parses persistent flags before RunE fires).
func socketPathFlag(p *string) func() string {
	return func() string { return *p }
}

func actionCommand(use, msgType string, socket func() string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <user>",
		Short: msgType + " a comm endpoint for the given user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runControlRequest(socket(), msgType, args[0])
		},
	}
}

func runControlRequest(socketPath, msgType, user string) error {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return fmt.Errorf("connect to control socket: %w", err)
	}
	defer conn.Close()

	frame, err := wire.Encode(wire.New(msgType, user))
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	if err := wire.WriteFrame(conn, frame); err != nil {
		return fmt.Errorf("send request: %w", err)
	}

	payload, err := wire.ReadFrame(conn)
	if err != nil {
		return fmt.Errorf("read reply: %w", err)
	}
	reply, err := wire.Decode(payload)
	if err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}

	fmt.Println(reply.Type)
	switch reply.Type {
	case "OK":
		return nil
	case "EXISTS", "NOUSER":
		os.Exit(1)
	case "CONTROL_ERROR":
		os.Exit(2)
	}
	return nil
}
