// Package main provides a CLI test client for the AoNET chat daemon (§1
// "CLI test client", SPEC_FULL.md "CLI test client").
package main

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/aonet-chat/aonet/internal/secure"
	"github.com/aonet-chat/aonet/internal/wire"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "aonet-chat",
		Short:   "AoNET CLI test client",
		Long:    "A minimal interactive client that exercises the AoNET wire protocol:\nhandshake, authenticate, then read and send chat messages.",
		Version: Version,
	}

	rootCmd.AddCommand(connectCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func connectCmd() *cobra.Command {
	var address, username string

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Connect to an AoNET server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if address == "" || username == "" {
				if err := promptMissing(&address, &username); err != nil {
					return fmt.Errorf("prompt: %w", err)
				}
			}
			return runClient(address, username)
		},
	}

	cmd.Flags().StringVarP(&address, "address", "a", "", "Server address (host:port)")
	cmd.Flags().StringVarP(&username, "username", "u", "", "Username to authenticate as")

	return cmd
}

// promptMissing fills in address/username the user did not supply on the
// command line, the same polish the teacher reserves for its setup wizard.
func promptMissing(address, username *string) error {
	fields := []huh.Field{}
	if *address == "" {
		fields = append(fields, huh.NewInput().
			Title("Server address").
			Placeholder("127.0.0.1:47500").
			Value(address))
	}
	if *username == "" {
		fields = append(fields, huh.NewInput().
			Title("Username").
			Placeholder("alice").
			Value(username))
	}
	if len(fields) == 0 {
		return nil
	}
	form := huh.NewForm(huh.NewGroup(fields...))
	return form.Run()
}

// client holds the state of one connection to the server, mirroring the
// original test client's SimpleClient.
type client struct {
	conn    net.Conn
	reader  *wire.Reader
	writer  *wire.Writer
	channel *secure.Channel
	styles  styleSet
}

func runClient(address, username string) error {
	conn, err := net.Dial("tcp", address)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", address, err)
	}
	defer conn.Close()

	c := &client{
		conn:    conn,
		reader:  wire.NewReader(conn),
		writer:  wire.NewWriter(conn),
		channel: secure.NewChannel(),
		styles:  newStyleSet(term.IsTerminal(int(os.Stdout.Fd()))),
	}

	if err := c.handshake(); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	if err := c.authenticate(username); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}

	fmt.Printf("Connected as %s. Type /quit to exit, /join <channel> to switch channels, /dm <user> <message> to DM.\n", username)

	done := make(chan struct{})
	go c.receiveLoop(done)
	c.inputLoop(done)

	return nil
}

// handshake performs the HI exchange: generate an ephemeral key pair,
// send our public key, read the server's, derive the shared key (§4.2).
func (c *client) handshake() error {
	kx, err := secure.NewKeyExchange()
	if err != nil {
		return fmt.Errorf("generate key pair: %w", err)
	}

	hi := wire.NewMessage(wire.TypeHI, kx.Public[:])
	if err := c.writer.WriteMessage(hi); err != nil {
		return fmt.Errorf("send HI: %w", err)
	}

	reply, err := c.reader.ReadMessage()
	if err != nil {
		return fmt.Errorf("read HI reply: %w", err)
	}
	if reply.Type != wire.TypeHI || len(reply.Body) != secure.KeySize {
		return fmt.Errorf("unexpected HI reply: type=%s len=%d", wire.TypeName(reply.Type), len(reply.Body))
	}

	var peerPublic [secure.KeySize]byte
	copy(peerPublic[:], reply.Body)

	sharedKey, err := kx.SharedKey(peerPublic)
	if err != nil {
		return fmt.Errorf("derive shared key: %w", err)
	}
	c.channel.Init(sharedKey)
	return nil
}

// authenticate sends AUTH and waits for AUTH_OK or AUTH_FAIL (§4.3).
func (c *client) authenticate(username string) error {
	if err := c.send(wire.NewMessage(wire.TypeAUTH, []byte(username))); err != nil {
		return fmt.Errorf("send AUTH: %w", err)
	}

	msg, err := c.receive()
	if err != nil {
		return fmt.Errorf("read auth response: %w", err)
	}
	switch msg.Type {
	case wire.TypeAUTHOK:
		return nil
	case wire.TypeAUTHFAIL:
		return fmt.Errorf("server rejected authentication: %s", msg.Body)
	default:
		return fmt.Errorf("unexpected response to AUTH: %s", wire.TypeName(msg.Type))
	}
}

// receiveLoop prints every incoming message, styled by type, until the
// connection closes.
func (c *client) receiveLoop(done chan<- struct{}) {
	defer close(done)
	for {
		msg, err := c.receive()
		if err != nil {
			fmt.Println(c.styles.system.Render("disconnected: " + err.Error()))
			return
		}
		fmt.Println(c.styles.render(msg))
	}
}

// inputLoop reads stdin lines and dispatches slash commands, mirroring
// the original test client's input_loop/handle_command pair.
func (c *client) inputLoop(done <-chan struct{}) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		select {
		case <-done:
			return
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			if !c.handleCommand(line) {
				return
			}
			continue
		}

		if err := c.send(wire.NewMessage(wire.TypeTEXT, []byte(line))); err != nil {
			fmt.Println(c.styles.system.Render("send failed: " + err.Error()))
			return
		}
	}
}

// handleCommand dispatches a slash command. Returns false when the
// client should exit.
func (c *client) handleCommand(line string) bool {
	cmd, rest, _ := strings.Cut(line, " ")
	switch cmd {
	case "/quit", "/q":
		c.conn.Close()
		return false
	case "/join", "/j":
		channel := strings.TrimSpace(rest)
		if channel == "" {
			fmt.Println(c.styles.system.Render("usage: /join <channel>"))
			return true
		}
		if err := c.send(wire.NewMessage(wire.TypeSUP, []byte(channel))); err != nil {
			fmt.Println(c.styles.system.Render("join failed: " + err.Error()))
		}
	case "/dm":
		target, text, ok := strings.Cut(strings.TrimSpace(rest), " ")
		if !ok {
			fmt.Println(c.styles.system.Render("usage: /dm <user> <message>"))
			return true
		}
		body := target + ":" + text
		if err := c.send(wire.NewMessage(wire.TypeDM, []byte(body))); err != nil {
			fmt.Println(c.styles.system.Render("dm failed: " + err.Error()))
		}
	case "/clear", "/cl":
		fmt.Print("\033[H\033[2J")
	default:
		fmt.Println(c.styles.system.Render("unknown command: " + cmd))
	}
	return true
}

// send encrypts msg's body and writes the record with its header and
// checksum left in plaintext, mirroring internal/session's send (§3).
func (c *client) send(msg *wire.Message) error {
	envelope, err := c.channel.Encrypt(msg.Body)
	if err != nil {
		return fmt.Errorf("encrypt: %w", err)
	}
	encoded := &wire.Message{
		Version:   msg.Version,
		Type:      msg.Type,
		MessageID: msg.MessageID,
		Body:      envelope,
	}
	return c.writer.WriteMessage(encoded)
}

// receive decodes one framed record, then decrypts its body, mirroring
// internal/session's receive (§2, §3).
func (c *client) receive() (*wire.Message, error) {
	msg, err := c.reader.ReadMessage()
	if err != nil {
		return nil, err
	}
	plaintext, err := c.channel.Decrypt(msg.Body)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	msg.Body = plaintext
	return msg, nil
}

// styleSet holds one lipgloss style per message category. When stdout is
// not a terminal, every style renders as plain text (§1 "colored
// terminal printing" gated to real terminals).
type styleSet struct {
	text    lipgloss.Style
	dm      lipgloss.Style
	online  lipgloss.Style
	offline lipgloss.Style
	sup     lipgloss.Style
	system  lipgloss.Style
}

func newStyleSet(colored bool) styleSet {
	if !colored {
		plain := lipgloss.NewStyle()
		return styleSet{text: plain, dm: plain, online: plain, offline: plain, sup: plain, system: plain}
	}
	return styleSet{
		text:    lipgloss.NewStyle().Foreground(lipgloss.Color("252")),
		dm:      lipgloss.NewStyle().Foreground(lipgloss.Color("212")).Bold(true),
		online:  lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		offline: lipgloss.NewStyle().Foreground(lipgloss.Color("243")),
		sup:     lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
		system:  lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}
}

func (s styleSet) render(msg *wire.Message) string {
	body := string(msg.Body)
	switch msg.Type {
	case wire.TypeTEXT:
		return s.text.Render(body)
	case wire.TypeDM:
		return s.dm.Render("(dm) " + body)
	case wire.TypeONLINE:
		return s.online.Render("* " + body)
	case wire.TypeOFFLINE:
		return s.offline.Render("* " + body)
	case wire.TypeSUP:
		return s.sup.Render(body)
	default:
		return s.system.Render(fmt.Sprintf("[%s] %s", wire.TypeName(msg.Type), body))
	}
}
