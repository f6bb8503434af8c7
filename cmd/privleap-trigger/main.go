package main

import (
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"os/user"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/privleap/privleapd/internal/wire"
)

func main() {
	var socketDir string

	root := &cobra.Command{
		Use:   "privleap-trigger <action>",
		Short: "trigger a privleap action on the caller's own comm endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := trigger(socketDir, args[0])
			if err != nil {
				fmt.Fprintln(os.Stderr, "privleap-trigger:", err)
				os.Exit(1)
			}
			os.Exit(code)
			return nil
		},
	}
	root.Flags().StringVar(&socketDir, "comm-dir", "/run/privleapd/comm", "directory holding per-user comm sockets")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func trigger(commDir, action string) (int, error) {
	socketPath := commDir + "/" + currentUserName()

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return 0, fmt.Errorf("connect to comm socket %s: %w", socketPath, err)
	}
	defer conn.Close()

	frame, err := wire.Encode(wire.New("SIGNAL", action))
	if err != nil {
		return 0, fmt.Errorf("encode request: %w", err)
	}
	if err := wire.WriteFrame(conn, frame); err != nil {
		return 0, fmt.Errorf("send request: %w", err)
	}

	for {
		payload, err := wire.ReadFrame(conn)
		if err != nil {
			return 0, fmt.Errorf("read reply: %w", err)
		}
		msg, err := wire.Decode(payload)
		if err != nil {
			return 0, fmt.Errorf("decode reply: %w", err)
		}

		switch msg.Type {
		case "UNAUTHORIZED":
			return 0, fmt.Errorf("unauthorized")
		case "TRIGGER_ERROR":
			return 0, fmt.Errorf("action failed to start")
		case "TRIGGER":
			continue
		case "RESULT_STDOUT":
			writeDecoded(os.Stdout, msg.Args)
		case "RESULT_STDERR":
			writeDecoded(os.Stderr, msg.Args)
		case "RESULT_EXITCODE":
			if len(msg.Args) != 1 {
				return 0, fmt.Errorf("malformed exit code reply")
			}
			code, err := strconv.Atoi(msg.Args[0])
			if err != nil {
				return 0, fmt.Errorf("malformed exit code %q: %w", msg.Args[0], err)
			}
			return code, nil
		default:
			return 0, fmt.Errorf("unexpected reply type %q", msg.Type)
		}
	}
}

// writeDecoded hex-decodes one RESULT_STDOUT/RESULT_STDERR argument and
// writes it raw. The daemon hex-encodes each chunk before sending it,
// since stdout/stderr can contain arbitrary bytes but the wire grammar
// only allows printable ASCII; this undoes that on the way out.
func writeDecoded(w *os.File, args []string) {
	if len(args) != 1 {
		return
	}
	data, err := hex.DecodeString(args[0])
	if err != nil {
		return
	}
	w.Write(data)
}

func currentUserName() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return os.Getenv("USER")
}
