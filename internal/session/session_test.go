package session

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/aonet-chat/aonet/internal/fabric"
	"github.com/aonet-chat/aonet/internal/secure"
	"github.com/aonet-chat/aonet/internal/wire"
)

// testClient emulates a remote AoNET client over a net.Pipe half,
// driving the same wire format and secure channel a real client would,
// without depending on the Session type under test.
type testClient struct {
	t      *testing.T
	reader *wire.Reader
	writer *wire.Writer
	kx     *secure.KeyExchange
	ch     *secure.Channel
}

func newTestClient(t *testing.T, conn net.Conn) *testClient {
	t.Helper()
	return &testClient{
		t:      t,
		reader: wire.NewReader(conn),
		writer: wire.NewWriter(conn),
		ch:     secure.NewChannel(),
	}
}

// handshake sends our HI first (matching doHandshake's expectation) and
// completes the key exchange from the server's HI reply.
func (c *testClient) handshake() {
	c.t.Helper()

	kx, err := secure.NewKeyExchange()
	if err != nil {
		c.t.Fatalf("NewKeyExchange: %v", err)
	}
	c.kx = kx

	if err := c.writer.WriteMessage(wire.NewMessage(wire.TypeHI, kx.Public[:])); err != nil {
		c.t.Fatalf("write HI: %v", err)
	}

	reply, err := c.reader.ReadMessage()
	if err != nil {
		c.t.Fatalf("read server HI: %v", err)
	}
	if reply.Type != wire.TypeHI || len(reply.Body) != secure.KeySize {
		c.t.Fatalf("unexpected server HI: type=%v len=%d", reply.Type, len(reply.Body))
	}

	var serverPublic [secure.KeySize]byte
	copy(serverPublic[:], reply.Body)

	key, err := c.kx.SharedKey(serverPublic)
	if err != nil {
		c.t.Fatalf("SharedKey: %v", err)
	}
	c.ch.Init(key)
}

// send encrypts only the body and writes the record with its header and
// checksum in plaintext, mirroring Session.send (§3).
func (c *testClient) send(msgType uint8, body []byte) {
	c.t.Helper()
	msg := wire.NewMessage(msgType, body)

	envelope, err := c.ch.Encrypt(msg.Body)
	if err != nil {
		c.t.Fatalf("encrypt: %v", err)
	}
	encoded := &wire.Message{
		Version:   msg.Version,
		Type:      msg.Type,
		MessageID: msg.MessageID,
		Body:      envelope,
	}
	if err := c.writer.WriteMessage(encoded); err != nil {
		c.t.Fatalf("write message: %v", err)
	}
}

// receive decodes one framed record, then decrypts its body, mirroring
// Session.receive (§2, §3).
func (c *testClient) receive() *wire.Message {
	c.t.Helper()
	msg, err := c.reader.ReadMessage()
	if err != nil {
		c.t.Fatalf("read message: %v", err)
	}
	plaintext, err := c.ch.Decrypt(msg.Body)
	if err != nil {
		c.t.Fatalf("decrypt: %v", err)
	}
	msg.Body = plaintext
	return msg
}

// tryReceive is receive without failing the test on transport closure,
// for assertions like "B receives nothing".
func (c *testClient) tryReceive(timeout time.Duration) (*wire.Message, error) {
	type result struct {
		msg *wire.Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		msg, err := c.reader.ReadMessage()
		if err != nil {
			done <- result{nil, err}
			return
		}
		plaintext, err := c.ch.Decrypt(msg.Body)
		if err != nil {
			done <- result{nil, err}
			return
		}
		msg.Body = plaintext
		done <- result{msg, err}
	}()

	select {
	case r := <-done:
		return r.msg, r.err
	case <-time.After(timeout):
		return nil, errTimeout
	}
}

var errTimeout = errors.New("timed out waiting for a message")

func authenticatedClient(t *testing.T, fab *fabric.Fabric, name string) (*testClient, *Session) {
	t.Helper()
	serverConn, clientConn := net.Pipe()

	s := New(serverConn, fab, nil, nil)
	go s.Run()

	c := newTestClient(t, clientConn)
	c.handshake()
	c.send(wire.TypeAUTH, []byte(name))

	ok := c.receive()
	if ok.Type != wire.TypeAUTHOK {
		t.Fatalf("expected AUTH_OK, got %s", wire.TypeName(ok.Type))
	}
	return c, s
}

func TestHandshakeAndAuthenticate(t *testing.T) {
	fab := fabric.New(nil, nil)
	c, _ := authenticatedClient(t, fab, "alice")

	snap := fab.Snapshot()
	if len(snap.Users) != 1 || snap.Users[0] != "alice" {
		t.Fatalf("fabric snapshot users = %v, want [alice]", snap.Users)
	}

	c.send(wire.TypeADIOS, nil)
}

func TestAuthenticateRejectsShortUsername(t *testing.T) {
	fab := fabric.New(nil, nil)
	serverConn, clientConn := net.Pipe()

	s := New(serverConn, fab, nil, nil)
	go s.Run()

	c := newTestClient(t, clientConn)
	c.handshake()
	c.send(wire.TypeAUTH, []byte("a"))

	resp := c.receive()
	if resp.Type != wire.TypeAUTHFAIL {
		t.Fatalf("expected AUTH_FAIL, got %s", wire.TypeName(resp.Type))
	}
}

func TestHandshakeRejectsNonHIFirstMessage(t *testing.T) {
	fab := fabric.New(nil, nil)
	serverConn, clientConn := net.Pipe()

	s := New(serverConn, fab, nil, nil)
	done := make(chan struct{})
	go func() {
		s.Run()
		close(done)
	}()

	w := wire.NewWriter(clientConn)
	if err := w.WriteMessage(wire.NewMessage(wire.TypeTEXT, []byte("nope"))); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not terminate on bad handshake")
	}
}

func TestHandshakeRejectsWrongPubkeyLength(t *testing.T) {
	fab := fabric.New(nil, nil)
	serverConn, clientConn := net.Pipe()

	s := New(serverConn, fab, nil, nil)
	done := make(chan struct{})
	go func() {
		s.Run()
		close(done)
	}()

	w := wire.NewWriter(clientConn)
	if err := w.WriteMessage(wire.NewMessage(wire.TypeHI, []byte("too short"))); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not terminate on bad HI length")
	}
}

func TestTextBroadcastExcludesSender(t *testing.T) {
	fab := fabric.New(nil, nil)
	alice, _ := authenticatedClient(t, fab, "alice")
	// alice's own ONLINE broadcast has no recipients yet.

	bob, _ := authenticatedClient(t, fab, "bob")
	// bob's ONLINE notice goes to alice.
	onlineMsg := alice.receive()
	if onlineMsg.Type != wire.TypeONLINE {
		t.Fatalf("expected ONLINE, got %s", wire.TypeName(onlineMsg.Type))
	}

	bob.send(wire.TypeTEXT, []byte("hello"))

	got := alice.receive()
	if got.Type != wire.TypeTEXT || string(got.Body) != "[bob] hello" {
		t.Fatalf("alice got %s %q, want TEXT [bob] hello", wire.TypeName(got.Type), got.Body)
	}

	if _, err := bob.tryReceive(200 * time.Millisecond); err == nil {
		t.Fatal("bob should not receive its own broadcast")
	}
}

func TestDirectMessageRoutesToTargetOnly(t *testing.T) {
	fab := fabric.New(nil, nil)
	alice, _ := authenticatedClient(t, fab, "alice")
	bob, _ := authenticatedClient(t, fab, "bob")

	// Drain bob's ONLINE-join notice observed by alice.
	alice.receive()

	alice.send(wire.TypeDM, []byte("bob:ping"))

	got := bob.receive()
	if got.Type != wire.TypeDM || string(got.Body) != "[alice] ping" {
		t.Fatalf("bob got %s %q, want DM [alice] ping", wire.TypeName(got.Type), got.Body)
	}

	if _, err := alice.tryReceive(200 * time.Millisecond); err == nil {
		t.Fatal("alice should not receive a reply to her own DM")
	}
}

func TestDirectMessageToUnknownTargetIsSilent(t *testing.T) {
	fab := fabric.New(nil, nil)
	alice, _ := authenticatedClient(t, fab, "alice")

	alice.send(wire.TypeDM, []byte("ghost:hello?"))

	if _, err := alice.tryReceive(200 * time.Millisecond); err == nil {
		t.Fatal("alice should see no reaction to a DM at an unknown target")
	}
}

func TestSupSwitchesChannelAndNotifies(t *testing.T) {
	fab := fabric.New(nil, nil)
	alice, _ := authenticatedClient(t, fab, "alice")
	bob, _ := authenticatedClient(t, fab, "bob")

	alice.receive() // bob's ONLINE join notice in general

	bob.send(wire.TypeSUP, []byte("gaming"))

	offline := alice.receive()
	if offline.Type != wire.TypeOFFLINE {
		t.Fatalf("expected OFFLINE on general, got %s", wire.TypeName(offline.Type))
	}

	confirm := bob.receive()
	if confirm.Type != wire.TypeSUP || string(confirm.Body) != "Joined #gaming" {
		t.Fatalf("bob got %s %q, want SUP confirmation", wire.TypeName(confirm.Type), confirm.Body)
	}

	ch, ok := fab.CurrentChannel("bob")
	if !ok || ch != "gaming" {
		t.Fatalf("CurrentChannel(bob) = %q, %v, want gaming, true", ch, ok)
	}
}

func TestDuplicateLoginEvictsPriorSession(t *testing.T) {
	fab := fabric.New(nil, nil)
	first, firstSession := authenticatedClient(t, fab, "alice")
	_ = firstSession

	second, _ := authenticatedClient(t, fab, "alice")

	if _, err := first.tryReceive(500 * time.Millisecond); err == nil {
		t.Fatal("evicted session's transport should be closed")
	}

	snap := fab.Snapshot()
	found := false
	for _, u := range snap.Users {
		if u == "alice" {
			found = true
		}
	}
	if !found {
		t.Fatal("alice missing from fabric after duplicate login")
	}
	_ = second
}

func TestAdiosTerminatesSession(t *testing.T) {
	fab := fabric.New(nil, nil)
	c, _ := authenticatedClient(t, fab, "alice")

	c.send(wire.TypeADIOS, nil)

	time.Sleep(100 * time.Millisecond)
	snap := fab.Snapshot()
	if len(snap.Users) != 0 {
		t.Fatalf("fabric users after ADIOS = %v, want empty", snap.Users)
	}
}
