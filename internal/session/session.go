// Package session drives one accepted transport connection through
// handshake, authentication, and the message routing loop (§4.3). It is
// the only package that touches both the wire codec and the secure
// channel together.
package session

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/aonet-chat/aonet/internal/fabric"
	"github.com/aonet-chat/aonet/internal/logging"
	"github.com/aonet-chat/aonet/internal/metrics"
	"github.com/aonet-chat/aonet/internal/secure"
	"github.com/aonet-chat/aonet/internal/wire"
)

// MinUsernameLength is the documented minimum username length (§9 "Open:
// minimum username length of 2"). There is no upper bound.
const MinUsernameLength = 2

var (
	// ErrExpectedHI is returned when the first record from a client is
	// not a well-formed HI.
	ErrExpectedHI = errors.New("session: expected HI as first record")

	// ErrBadPubkeyLength is returned when a HI body is not exactly 32
	// bytes.
	ErrBadPubkeyLength = errors.New("session: HI payload is not 32 bytes")

	// ErrExpectedAuth is returned when the first post-handshake record is
	// not AUTH.
	ErrExpectedAuth = errors.New("session: expected AUTH record")

	// ErrBadUsername is returned when the AUTH body fails the username
	// contract.
	ErrBadUsername = errors.New("session: username fails minimum length contract")

	// ErrProtocolViolation names a handshake/auth-only type arriving from
	// a client during run_loop (§4.3). runLoop itself returns no error: it
	// logs such a record and ends the session.
	ErrProtocolViolation = errors.New("session: unexpected message type for this phase")
)

// Session owns one accepted transport connection end to end (§3
// "Session").
type Session struct {
	conn   net.Conn
	reader *wire.Reader
	writer *wire.Writer

	kx      *secure.KeyExchange
	channel *secure.Channel

	fab     *fabric.Fabric
	logger  *slog.Logger
	metrics *metrics.Metrics

	writeMu sync.Mutex

	peerAddr       string
	userName       string
	authenticated  bool
	currentChannel string
}

// New creates a Session bound to conn, not yet run.
func New(conn net.Conn, fab *fabric.Fabric, logger *slog.Logger, m *metrics.Metrics) *Session {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Session{
		conn:    conn,
		reader:  wire.NewReader(conn),
		writer:  wire.NewWriter(conn),
		channel: secure.NewChannel(),
		fab:     fab,
		logger:  logger,
		metrics: m,

		peerAddr: conn.RemoteAddr().String(),
	}
}

// RemoteAddr satisfies fabric.Sender.
func (s *Session) RemoteAddr() string { return s.peerAddr }

// Close closes the underlying transport. Safe to call more than once
// and from a goroutine other than the one running Run.
func (s *Session) Close() error {
	return s.conn.Close()
}

// Run drives the session's full lifecycle: handshake, authenticate, the
// message loop, then cleanup. It returns only once the connection has
// terminated.
func (s *Session) Run() {
	defer s.conn.Close()

	if err := s.doHandshake(); err != nil {
		s.logger.Debug("handshake failed", logging.KeyRemoteAddr, s.peerAddr, logging.KeyError, err)
		return
	}

	if err := s.authenticate(); err != nil {
		s.logger.Debug("authentication failed", logging.KeyRemoteAddr, s.peerAddr, logging.KeyError, err)
		return
	}

	s.runLoop()

	if s.authenticated && s.fab.RemoveUser(s.userName, s) {
		s.fab.Broadcast(s.currentChannel, wire.NewMessage(wire.TypeOFFLINE, []byte(s.userName+" left")), "")
	}
	s.logger.Info("session closed", logging.KeyUser, s.userName, logging.KeyRemoteAddr, s.peerAddr)
}

// doHandshake implements §4.3 do_handshake.
func (s *Session) doHandshake() error {
	raw, err := s.reader.ReadFrame()
	if err != nil {
		return fmt.Errorf("session: read HI: %w", err)
	}
	msg, err := wire.Decode(raw)
	if err != nil {
		return fmt.Errorf("session: decode HI: %w", err)
	}
	if msg.Type != wire.TypeHI {
		return ErrExpectedHI
	}
	if len(msg.Body) != secure.KeySize {
		return ErrBadPubkeyLength
	}

	kx, err := secure.NewKeyExchange()
	if err != nil {
		return fmt.Errorf("session: generate key pair: %w", err)
	}
	s.kx = kx

	var peerPublic [secure.KeySize]byte
	copy(peerPublic[:], msg.Body)

	sharedKey, err := s.kx.SharedKey(peerPublic)
	if err != nil {
		return fmt.Errorf("session: derive shared key: %w", err)
	}
	s.channel.Init(sharedKey)

	reply := wire.NewMessage(wire.TypeHI, s.kx.Public[:])
	return s.writeFrame(reply)
}

// authenticate implements §4.3 authenticate.
func (s *Session) authenticate() error {
	msg, err := s.receive()
	if err != nil {
		return fmt.Errorf("session: read AUTH: %w", err)
	}
	if msg.Type != wire.TypeAUTH {
		return ErrExpectedAuth
	}

	name := strings.TrimSpace(string(msg.Body))
	if !utf8.ValidString(name) || len(name) < MinUsernameLength {
		if s.metrics != nil {
			s.metrics.RecordAuthFailure()
		}
		_ = s.send(wire.NewMessage(wire.TypeAUTHFAIL, []byte("username too short")))
		return ErrBadUsername
	}

	s.userName = name
	s.authenticated = true
	s.currentChannel = fabric.GeneralChannel

	if err := s.send(wire.NewMessage(wire.TypeAUTHOK, []byte("welcome, "+name))); err != nil {
		return fmt.Errorf("session: send AUTH_OK: %w", err)
	}

	s.fab.AddUser(name, s)
	s.fab.Broadcast(fabric.GeneralChannel, wire.NewMessage(wire.TypeONLINE, []byte(name+" joined")), name)

	s.logger.Info("session authenticated", logging.KeyUser, name, logging.KeyRemoteAddr, s.peerAddr)
	return nil
}

// runLoop implements §4.3 run_loop's dispatch table.
func (s *Session) runLoop() {
	for {
		msg, err := s.receive()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debug("session read error", logging.KeyUser, s.userName, logging.KeyError, err)
			}
			return
		}

		if s.metrics != nil {
			s.metrics.RecordMessageReceived(wire.TypeName(msg.Type))
		}

		switch msg.Type {
		case wire.TypeTEXT:
			s.handleText(msg)
		case wire.TypeDM:
			s.handleDM(msg)
		case wire.TypeSUP:
			s.handleSup(msg)
		case wire.TypeADIOS:
			s.logger.Info("session received ADIOS", logging.KeyUser, s.userName)
			return
		case wire.TypeIMAGE, wire.TypeTYPING:
			// Reserved; silently ignored (§4.3, §9 "Open: reserved types").
		default:
			s.logger.Debug("protocol violation",
				logging.KeyUser, s.userName, logging.KeyMessageType, wire.TypeName(msg.Type))
			return
		}
	}
}

func (s *Session) handleText(msg *wire.Message) {
	payload := fmt.Sprintf("[%s] %s", s.userName, msg.Body)
	s.fab.Broadcast(s.currentChannel, wire.NewMessage(wire.TypeTEXT, []byte(payload)), s.userName)
}

func (s *Session) handleDM(msg *wire.Message) {
	target, text, ok := strings.Cut(string(msg.Body), ":")
	if !ok {
		return
	}
	payload := fmt.Sprintf("[%s] %s", s.userName, text)
	s.fab.DirectSend(target, wire.NewMessage(wire.TypeDM, []byte(payload)))
}

func (s *Session) handleSup(msg *wire.Message) {
	newChannel := strings.TrimSpace(string(msg.Body))
	if newChannel == "" {
		return
	}

	previous, hadPrevious := s.fab.JoinChannel(s.userName, newChannel)
	if hadPrevious {
		s.fab.Broadcast(previous, wire.NewMessage(wire.TypeOFFLINE, []byte(s.userName+" left")), "")
	}
	s.currentChannel = newChannel

	s.fab.Broadcast(newChannel, wire.NewMessage(wire.TypeONLINE, []byte(s.userName+" joined")), s.userName)
	_ = s.send(wire.NewMessage(wire.TypeSUP, []byte("Joined #"+newChannel)))
}

// Send implements fabric.Sender: it is called by the fabric to deliver a
// message composed elsewhere to this session's client.
func (s *Session) Send(msg *wire.Message) error {
	return s.send(msg)
}

// send encrypts msg's body (once the channel is initialized) and writes
// the record with its header and checksum left in plaintext (§3: only
// the body field is "raw payload, or nonce‖ciphertext"). HI is the only
// type ever sent fully unencrypted, and it is only ever sent from
// doHandshake, which calls writeFrame directly instead.
func (s *Session) send(msg *wire.Message) error {
	envelope, err := s.channel.Encrypt(msg.Body)
	if err != nil {
		return fmt.Errorf("session: encrypt outbound message: %w", err)
	}

	encoded := &wire.Message{
		Version:   msg.Version,
		Type:      msg.Type,
		MessageID: msg.MessageID,
		Body:      envelope,
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.writer.WriteMessage(encoded); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.MessagesSentTotal.WithLabelValues(wire.TypeName(msg.Type)).Inc()
	}
	return nil
}

// writeFrame writes a message unencrypted; used only for the HI
// handshake reply, before the secure channel exists.
func (s *Session) writeFrame(msg *wire.Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.writer.WriteMessage(msg)
}

// receive reads and decodes one framed record — verifying its header and
// checksum in plaintext, per §2's frame-codec-then-secure-channel
// pipeline order — then decrypts its body through the secure channel.
// Every record after the HI handshake carries an encrypted body in this
// implementation: the secure channel is always initialized by the time
// authenticate() or runLoop() calls receive (§4.2, §4.3).
func (s *Session) receive() (*wire.Message, error) {
	msg, err := s.reader.ReadMessage()
	if err != nil {
		return nil, err
	}

	plaintext, err := s.channel.Decrypt(msg.Body)
	if err != nil {
		return nil, fmt.Errorf("session: decrypt inbound message: %w", err)
	}
	msg.Body = plaintext

	return msg, nil
}
