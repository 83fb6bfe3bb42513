// Command driftgram-chat is the interactive demo chat client.
package main

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/driftgram/driftgram/client"
	"github.com/driftgram/driftgram/pkg/chatproto"
	"github.com/driftgram/driftgram/pkg/logging"
	"github.com/driftgram/driftgram/shared/wire"
	"github.com/driftgram/driftgram/transport"
)

var version = "0.1.0"

func main() {
	var (
		serverAddr string
		serverKey  string
		userName   string
		wsURL      string
	)

	root := &cobra.Command{
		Use:     "driftgram-chat",
		Short:   "Encrypted reliable-datagram chat client",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := logging.InitDefaultLogger("driftgram-chat", logging.WARN, ""); err != nil {
				return err
			}

			keyBytes, err := base64.StdEncoding.DecodeString(serverKey)
			if err != nil {
				return fmt.Errorf("invalid server key: %w", err)
			}

			proto, err := chatproto.BuildProtocol()
			if err != nil {
				return err
			}

			var net transport.Network = transport.NewUDPNetwork()
			addr := serverAddr
			if wsURL != "" {
				// Datagrams tunnel over a WebSocket bridge where UDP is blocked.
				net = wsBridge{url: wsURL}
				addr = wsURL
			}

			cl, err := client.New(client.Config{
				ServerAddr:      addr,
				ServerPublicKey: keyBytes,
			}, net, proto)
			if err != nil {
				return err
			}

			connected := make(chan struct{})
			cl.OnConnected(func() {
				close(connected)
			})
			failed := make(chan error, 1)
			cl.OnConnectionFailed(func(err error) {
				failed <- err
			})
			cl.OnDisconnected(func(reason string) {
				fmt.Printf("* disconnected: %s\n", reason)
			})

			client.HandleFunc(cl, func(msg *chatproto.Broadcast) {
				fmt.Printf("[%s] %s\n", msg.From, msg.Text)
			})
			client.HandleFunc(cl, func(msg *chatproto.Notice) {
				fmt.Printf("* %s\n", msg.Text)
			})
			client.HandleFunc(cl, func(msg *chatproto.Pong) {
				fmt.Printf("* pong nonce=%d\n", msg.Nonce)
			})
			client.HandleFunc(cl, func(msg *chatproto.Roster) {
				names := make([]string, 0, len(msg.Users))
				for _, u := range msg.Users {
					names = append(names, u.Name)
				}
				fmt.Printf("* online: %s\n", strings.Join(names, ", "))
			})

			if err := cl.Connect(); err != nil {
				return err
			}
			select {
			case <-connected:
			case err := <-failed:
				return err
			}

			if userName != "" {
				_ = cl.Send(&chatproto.SetName{Name: userName}, wire.Reliable)
			}
			fmt.Println("connected; type messages, /ping, or /quit")

			return inputLoop(cl)
		},
	}

	root.Flags().StringVarP(&serverAddr, "server", "s", "127.0.0.1:4500", "server address host:port")
	root.Flags().StringVarP(&serverKey, "key", "k", "", "base64 server public key (required)")
	root.Flags().StringVarP(&userName, "name", "n", "", "display name")
	root.Flags().StringVar(&wsURL, "ws", "", "use a WebSocket bridge URL instead of UDP")
	_ = root.MarkFlagRequired("key")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func inputLoop(cl *client.Client) error {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case line == "/quit":
			cl.Disconnect()
			return cl.Close()
		case line == "/ping":
			_ = cl.Send(&chatproto.Ping{Nonce: time.Now().UnixNano()}, wire.Unreliable)
		default:
			if err := cl.Send(&chatproto.Message{Text: line}, wire.Reliable); err != nil {
				fmt.Printf("* send failed: %v\n", err)
			}
		}
	}
	return cl.Close()
}

// wsBridge adapts DialWS to the Network interface: Listen ignores the local
// address and dials the bridge.
type wsBridge struct {
	url string
}

func (b wsBridge) Listen(string) (transport.Endpoint, error) {
	return transport.DialWS(b.url)
}
