// Command driftgram-server hosts the demo chat server.
package main

import (
	"encoding/base64"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/driftgram/driftgram/pkg/chatproto"
	"github.com/driftgram/driftgram/pkg/config"
	"github.com/driftgram/driftgram/pkg/logging"
	"github.com/driftgram/driftgram/pkg/metrics"
	"github.com/driftgram/driftgram/server"
	"github.com/driftgram/driftgram/session"
	"github.com/driftgram/driftgram/shared/crypto"
	"github.com/driftgram/driftgram/shared/record"
	"github.com/driftgram/driftgram/shared/wire"
	"github.com/driftgram/driftgram/transport"
)

var version = "0.1.0"

func main() {
	root := &cobra.Command{
		Use:     "driftgram-server",
		Short:   "Encrypted reliable-datagram chat server",
		Version: version,
	}
	root.AddCommand(serveCmd(), keygenCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			level := logging.ParseLevel(cfg.Logging.Level)
			if err := logging.InitDefaultLogger("driftgram", level, cfg.Logging.OutputFile); err != nil {
				return err
			}
			log := logging.GetDefaultLogger()

			reg := prometheus.NewRegistry()
			m := metrics.New(reg)
			if cfg.Metrics.Enabled {
				go func() {
					if err := metrics.Serve(cfg.Metrics.ListenAddress, reg); err != nil {
						log.Error("metrics endpoint stopped", logging.Fields{"error": err.Error()})
					}
				}()
				log.Info("metrics enabled", logging.Fields{"addr": cfg.Metrics.ListenAddress})
			}

			proto, err := chatproto.BuildProtocol()
			if err != nil {
				return err
			}

			serverCfg, err := server.FromConfig(cfg)
			if err != nil {
				return err
			}
			serverCfg.Logger = log
			serverCfg.Metrics = m

			srv, err := server.New(serverCfg, transport.NewUDPNetwork(), proto)
			if err != nil {
				return err
			}
			registerChatHandlers(srv, log)

			if err := srv.Start(); err != nil {
				return err
			}
			log.Info("chat server running", logging.Fields{"addr": serverCfg.Addr})

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
			<-sigChan

			log.Info("shutting down")
			return srv.Close()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "driftgram.yaml", "path to configuration file")
	return cmd
}

func registerChatHandlers(srv *server.Server, log *logging.Logger) {
	srv.OnSessionStarted(func(sess *session.Session) {
		sess.SetAttachment("anonymous")
		_ = sess.Send(&chatproto.Notice{Level: chatproto.SeverityInfo, Text: "welcome"}, wire.Reliable)
		srv.Broadcast(rosterOf(srv), wire.Reliable)
	})
	srv.OnSessionDisconnected(func(sess *session.Session, reason string) {
		log.Info("user left", logging.Fields{"name": name(sess), "reason": reason})
	})
	srv.OnSessionReconnected(func(sess *session.Session) {
		log.Info("user resumed", logging.Fields{"name": name(sess)})
	})
	srv.OnError(func(sess *session.Session, _ record.Record, err error) {
		log.Error("handler failed", logging.Fields{"name": name(sess), "error": err.Error()})
	})

	server.HandleFunc(srv, func(sess *session.Session, msg *chatproto.SetName) {
		sess.SetAttachment(msg.Name)
		srv.Broadcast(rosterOf(srv), wire.Reliable)
	})
	server.HandleFunc(srv, func(sess *session.Session, msg *chatproto.Message) {
		srv.Broadcast(&chatproto.Broadcast{
			From:   name(sess),
			Text:   msg.Text,
			SentAt: time.Now().UnixMilli(),
		}, wire.Reliable)
	})
	server.HandleFunc(srv, func(sess *session.Session, msg *chatproto.Ping) {
		_ = sess.Send(&chatproto.Pong{Nonce: msg.Nonce, ServerTime: time.Now().UnixMilli()}, wire.Unreliable)
	})
}

func name(sess *session.Session) string {
	if n, ok := sess.Attachment().(string); ok {
		return n
	}
	return "anonymous"
}

func rosterOf(srv *server.Server) *chatproto.Roster {
	roster := &chatproto.Roster{}
	for _, sess := range srv.Sessions() {
		if sess.State() != session.Connected {
			continue
		}
		roster.Users = append(roster.Users, chatproto.UserInfo{Name: name(sess)})
	}
	return roster
}

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a base64 Ed25519 identity keypair",
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, priv, err := crypto.GenerateSigningKey()
			if err != nil {
				return err
			}
			fmt.Printf("private_signing_key: %s\n", base64.StdEncoding.EncodeToString(priv.Seed()))
			fmt.Printf("server_public_key: %s\n", base64.StdEncoding.EncodeToString(pub))
			return nil
		},
	}
}
