package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/shellpod/shellpod/internal/termclient"
)

func newConnectCmd() *cobra.Command {
	var tabID string
	cmd := &cobra.Command{
		Use:   "connect <session>",
		Short: "Attach an interactive terminal to a session tab",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConnect(args[0], tabID)
		},
	}
	cmd.Flags().StringVar(&tabID, "tab", termclient.PrimordialTabID, "tab to attach to")
	return cmd
}

func runConnect(sessionID, tabID string) error {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return fmt.Errorf("connect requires a terminal")
	}

	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return fmt.Errorf("raw mode: %w", err)
	}
	defer term.Restore(fd, oldState)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	wsBase := strings.Replace(serverURL, "http", "ws", 1)
	conn := &termclient.TabConn{
		URL: termclient.TerminalURL(wsBase, sessionID, tabID),
		Events: termclient.Events{
			OnOutput: func(data []byte) {
				os.Stdout.Write(data)
			},
			OnRestore: func(scrollback []byte) {
				os.Stdout.Write(scrollback)
			},
			OnDisconnect: func(err error) {
				fmt.Fprintf(os.Stderr, "\r\n[connection dropped, reconnecting...]\r\n")
			},
		},
	}

	// Push geometry up front and again on window size changes.
	if cols, rows, err := term.GetSize(fd); err == nil {
		conn.Resize(ctx, uint16(cols), uint16(rows))
	}
	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	defer signal.Stop(winch)
	go func() {
		for range winch {
			if cols, rows, err := term.GetSize(fd); err == nil {
				conn.Resize(ctx, uint16(cols), uint16(rows))
			}
		}
	}()

	// Keystrokes flow from stdin to the tab; input while disconnected is
	// dropped by the connection.
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				if werr := conn.SendInput(ctx, buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				conn.Stop()
				return
			}
		}
	}()

	err = conn.Run(ctx)
	term.Restore(fd, oldState)

	switch {
	case errors.Is(err, termclient.ErrNeverConnected):
		return fmt.Errorf("could not connect to session %s; is it running?", sessionID)
	case errors.Is(err, termclient.ErrConnectionLost):
		return fmt.Errorf("connection to session %s lost", sessionID)
	case errors.Is(err, context.Canceled):
		return nil
	}
	return err
}
