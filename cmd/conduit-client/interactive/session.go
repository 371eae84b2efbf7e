// Package interactive provides the interactive command-line interface
// for conduit-client.
package interactive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"
	"github.com/mash-protocol/tlsconduit/pkg/transport"
)

// Session drives one established connection from a readline prompt.
type Session struct {
	stream *transport.Stream
	rl     *readline.Instance
}

// New creates an interactive session for stream.
func New(stream *transport.Stream) (*Session, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "conduit> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	return &Session{stream: stream, rl: rl}, nil
}

// Stdout returns a writer that properly coordinates with the readline input.
func (s *Session) Stdout() io.Writer {
	return s.rl.Stdout()
}

// Run starts the command loop. It returns when the user quits or ctx ends.
func (s *Session) Run(ctx context.Context, cancel context.CancelFunc) {
	defer s.rl.Close()

	s.printHelp()
	go s.receive()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := s.rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			fmt.Fprintln(s.rl.Stdout(), "Exiting...")
			cancel()
			return
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}

		cmd, rest, _ := strings.Cut(input, " ")
		switch strings.ToLower(cmd) {
		case "help", "?":
			s.printHelp()

		case "send", "s":
			s.cmdSend(rest)

		case "status":
			s.cmdStatus()

		case "shutdown":
			s.cmdShutdown()

		case "quit", "exit", "q", "close":
			fmt.Fprintln(s.rl.Stdout(), "Exiting...")
			cancel()
			return

		default:
			fmt.Fprintf(s.rl.Stdout(), "Unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}
}

func (s *Session) printHelp() {
	fmt.Fprintln(s.rl.Stdout(), `
Conduit Client Commands:
  send <text>   - Send a line of text
  status        - Show connection state and TLS parameters
  shutdown      - Send close_notify (no more writes)
  quit          - Close the connection and exit
  help          - Show this help`)
}

// receive prints everything the peer sends until the stream ends.
func (s *Session) receive() {
	buf := make([]byte, 4096)
	for {
		n, err := s.stream.Read(buf)
		if n > 0 {
			fmt.Fprintf(s.rl.Stdout(), "< %s\n", strings.TrimRight(string(buf[:n]), "\n"))
		}
		if errors.Is(err, io.EOF) {
			fmt.Fprintln(s.rl.Stdout(), "Peer finished sending")
			return
		}
		if err != nil {
			fmt.Fprintf(s.rl.Stdout(), "Connection closed: %v\n", err)
			return
		}
	}
}

func (s *Session) cmdSend(text string) {
	if text == "" {
		fmt.Fprintln(s.rl.Stdout(), "Usage: send <text>")
		return
	}
	if _, err := s.stream.Write([]byte(text + "\n")); err != nil {
		fmt.Fprintf(s.rl.Stdout(), "Send failed: %v\n", err)
	}
}

func (s *Session) cmdStatus() {
	conn := s.stream.Conn()
	state := conn.ConnectionState()
	out := s.rl.Stdout()

	fmt.Fprintf(out, "Connection: %s\n", conn.ID())
	fmt.Fprintf(out, "  State:    %s\n", conn.State())
	fmt.Fprintf(out, "  Local:    %s\n", conn.LocalAddr())
	fmt.Fprintf(out, "  Remote:   %s\n", conn.RemoteAddr())
	fmt.Fprintf(out, "  ALPN:     %s\n", state.NegotiatedProtocol)
	fmt.Fprintf(out, "  Cipher:   0x%04x\n", state.CipherSuite)
	if len(state.PeerCertificates) > 0 {
		fmt.Fprintf(out, "  Peer:     %s\n", state.PeerCertificates[0].Subject)
	}
	if err := conn.Err(); err != nil {
		fmt.Fprintf(out, "  Error:    %v\n", err)
	}
}

func (s *Session) cmdShutdown() {
	if err := s.stream.CloseWrite(); err != nil {
		fmt.Fprintf(s.rl.Stdout(), "Shutdown failed: %v\n", err)
		return
	}
	fmt.Fprintln(s.rl.Stdout(), "Writes shut down")
}
