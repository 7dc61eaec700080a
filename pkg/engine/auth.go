package engine

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/vaultsync/vaultsync/pkg/connector"
	"github.com/vaultsync/vaultsync/pkg/crypto"
	"github.com/vaultsync/vaultsync/pkg/crypto/keystore"
	"github.com/vaultsync/vaultsync/pkg/wire"
)

// deviceIDAlias is the keystore alias a successful Register persists
// its assigned device id under, so later connects use Login instead.
const deviceIDAlias = "device-id"

// ErrUnexpectedReply is returned when the server's handshake reply
// doesn't match any of the shapes the authenticator knows how to
// handle.
var ErrUnexpectedReply = errors.New("engine: unexpected handshake reply")

// Authenticator performs the C→S Register/Login handshake of spec.md
// §6 on a freshly connected socket: it waits for the server's Identify,
// then answers with a signed Register (first connect) or Login
// (returning device), and returns the Welcome that follows.
type Authenticator struct {
	Core       *crypto.Core
	KeyStore   keystore.Backend
	DeviceName string
}

// NewAuthenticator builds an Authenticator for one device identity.
func NewAuthenticator(core *crypto.Core, ks keystore.Backend, deviceName string) *Authenticator {
	return &Authenticator{Core: core, KeyStore: ks, DeviceName: deviceName}
}

// DeviceID returns the device id Register persisted, if this device
// has ever successfully registered.
func (a *Authenticator) DeviceID() (uuid.UUID, bool) {
	raw, err := a.KeyStore.Load(deviceIDAlias)
	if err != nil || len(raw) == 0 {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(string(raw))
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// Login drives the handshake over conn: it consumes the connector's
// initial unsolicited Identify push, then issues a signed Register or
// Login and waits for Welcome, which it returns. On the Register path
// the server's Account reply, carrying the assigned device id, is saved
// to the key store rather than returned.
func (a *Authenticator) Login(ctx context.Context, conn *connector.Connector) (*wire.WelcomeMsg, error) {
	ident, err := a.awaitIdentify(ctx, conn)
	if err != nil {
		return nil, err
	}

	tok := connector.NewToken()
	defer conn.Cancel(tok)

	if devID, ok := a.DeviceID(); ok {
		return a.login(ctx, conn, tok, ident, devID)
	}
	return a.register(ctx, conn, tok, ident)
}

func (a *Authenticator) awaitIdentify(ctx context.Context, conn *connector.Connector) (*wire.IdentifyMsg, error) {
	select {
	case msg, ok := <-conn.Pushes:
		if !ok {
			return nil, connector.ErrDisconnected
		}
		ident, ok := msg.(*wire.IdentifyMsg)
		if !ok {
			return nil, errors.Wrapf(ErrUnexpectedReply, "expected Identify, got %s", msg.Tag())
		}
		return ident, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func acceptHandshakeReply(m wire.Message) bool {
	switch m.(type) {
	case *wire.AccountMsg, *wire.WelcomeMsg, *wire.ErrorMsg:
		return true
	default:
		return false
	}
}

func (a *Authenticator) register(ctx context.Context, conn *connector.Connector, tok connector.Token, ident *wire.IdentifyMsg) (*wire.WelcomeMsg, error) {
	id := a.Core.Identity()
	if _, _, err := a.Core.GenerateInitialKey(); err != nil {
		return nil, errors.Wrap(err, "engine: generate initial key")
	}
	mac, err := a.Core.CMAC(id.Fingerprint())
	if err != nil {
		return nil, errors.Wrap(err, "engine: cmac key material")
	}

	reg := &wire.RegisterMsg{
		ProtocolVersion: wire.CurrentVersion,
		Nonce:           ident.Nonce,
		SignScheme:      id.SignScheme,
		SignPubKey:      id.SignPub,
		CryptScheme:     id.CryptScheme,
		CryptPubKey:     id.CryptPub[:],
		DeviceName:      a.DeviceName,
		CMAC:            mac,
	}
	if err := wire.Sign(reg, id.Sign); err != nil {
		return nil, errors.Wrap(err, "engine: sign register")
	}

	// A successful Register gets two replies off one request: the
	// assigned AccountMsg, then the initial WelcomeMsg. Stream (rather
	// than two Calls) is the only Connector primitive that can collect
	// both without writing a second frame.
	done := func(m wire.Message) bool {
		switch m.(type) {
		case *wire.WelcomeMsg, *wire.ErrorMsg:
			return true
		default:
			return false
		}
	}
	ch, err := conn.Stream(ctx, tok, reg, acceptHandshakeReply, done)
	if err != nil {
		return nil, err
	}

	var welcome *wire.WelcomeMsg
	for msg := range ch {
		switch m := msg.(type) {
		case *wire.AccountMsg:
			if err := a.KeyStore.Save(deviceIDAlias, []byte(m.DeviceID.String())); err != nil {
				return nil, errors.Wrap(err, "engine: persist device id")
			}
		case *wire.WelcomeMsg:
			welcome = m
		case *wire.ErrorMsg:
			return nil, replyErr(m)
		}
	}
	if welcome == nil {
		return nil, errors.Wrap(ErrUnexpectedReply, "register: stream closed before Welcome")
	}
	return welcome, nil
}

func (a *Authenticator) login(ctx context.Context, conn *connector.Connector, tok connector.Token, ident *wire.IdentifyMsg, devID uuid.UUID) (*wire.WelcomeMsg, error) {
	id := a.Core.Identity()
	login := &wire.LoginMsg{
		ProtocolVersion: wire.CurrentVersion,
		Nonce:           ident.Nonce,
		DeviceID:        devID,
		DeviceName:      a.DeviceName,
	}
	if err := wire.Sign(login, id.Sign); err != nil {
		return nil, errors.Wrap(err, "engine: sign login")
	}

	reply, err := conn.Call(ctx, tok, login, acceptHandshakeReply)
	if err != nil {
		return nil, err
	}
	welcome, ok := reply.(*wire.WelcomeMsg)
	if !ok {
		return nil, replyErr(reply)
	}
	return welcome, nil
}

func replyErr(reply wire.Message) error {
	if werr, ok := reply.(*wire.ErrorMsg); ok {
		return errors.Errorf("engine: handshake rejected: %s: %s", werr.ErrorType, werr.Message)
	}
	return errors.Wrapf(ErrUnexpectedReply, "got %s", reply.Tag())
}
