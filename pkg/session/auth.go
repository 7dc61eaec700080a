package session

import (
	"bytes"

	"github.com/google/uuid"

	"github.com/vaultsync/vaultsync/pkg/crypto"
	"github.com/vaultsync/vaultsync/pkg/log"
	"github.com/vaultsync/vaultsync/pkg/wire"
)

// handleAuth dispatches the three messages accepted in
// StateAuthenticating: Register, Login, Access.
func (s *Session) handleAuth(msg wire.Message) (wire.Message, *wireError) {
	switch m := msg.(type) {
	case *wire.RegisterMsg:
		return s.handleRegister(m)
	case *wire.LoginMsg:
		return s.handleLogin(m)
	case *wire.AccessMsg:
		return s.handleAccess(m)
	default:
		return nil, newWireError(wire.ErrorUnexpectedMessage, "expected Register, Login, or Access", true)
	}
}

// checkHandshake validates the protocol version and the echoed nonce
// common to Register/Login/Access, per spec.md §6.
func (s *Session) checkHandshake(version wire.Version, nonce []byte) *wireError {
	if version.Less(wire.MinCompatibleVersion) {
		return newWireError(wire.ErrorIncompatibleVersion, "protocol version too old", false)
	}
	if !bytes.Equal(nonce, s.nonce) {
		return newWireError(wire.ErrorAuthenticationError, "nonce mismatch", false)
	}
	return nil
}

func (s *Session) handleRegister(m *wire.RegisterMsg) (wire.Message, *wireError) {
	if werr := s.checkHandshake(m.ProtocolVersion, m.Nonce); werr != nil {
		return nil, werr
	}
	if err := wire.VerifySigned(m, m.SignScheme, m.SignPubKey); err != nil {
		return nil, classify(err)
	}

	fingerprint := crypto.Fingerprint(m.SignPubKey, m.CryptPubKey)
	deviceID, userID, err := s.cfg.Store.AddNewDevice(
		m.DeviceName, m.SignScheme, m.SignPubKey, m.CryptScheme, m.CryptPubKey,
		fingerprint, m.CMAC, s.cfg.QuotaLimit,
	)
	if err != nil {
		return nil, classify(err)
	}

	s.promoteToIdle(deviceID, userID)
	if err := s.writeMessage(&wire.AccountMsg{DeviceID: newBlobUUID(deviceID)}); err != nil {
		return nil, newWireError(wire.ErrorServerError, "write failed", false)
	}
	return &wire.WelcomeMsg{HasChanges: false, KeyIndex: 0, Scheme: "", WrappedKey: nil, CMAC: m.CMAC}, nil
}

func (s *Session) handleLogin(m *wire.LoginMsg) (wire.Message, *wireError) {
	if werr := s.checkHandshake(m.ProtocolVersion, m.Nonce); werr != nil {
		return nil, werr
	}
	deviceID := m.DeviceID.String()
	dev, err := s.cfg.Store.GetDevice(deviceID)
	if err != nil {
		return nil, classify(err)
	}
	if err := wire.VerifySigned(m, dev.SignScheme, dev.SignKey); err != nil {
		return nil, classify(err)
	}
	acc, err := s.cfg.Store.GetAccount(dev.UserID)
	if err != nil {
		return nil, classify(err)
	}
	if err := s.cfg.Store.TouchLogin(deviceID); err != nil {
		return nil, classify(err)
	}

	s.promoteToIdle(deviceID, dev.UserID)

	welcome := &wire.WelcomeMsg{KeyIndex: acc.KeyIndex, Scheme: dev.CryptScheme, CMAC: dev.KeyMAC}
	if pending, err := s.cfg.Store.LoadKeyChanges(deviceID); err == nil && pending != nil {
		welcome.KeyIndex = pending.ProposedIndex
		welcome.Scheme = pending.Scheme
		welcome.WrappedKey = pending.WrappedKey
		welcome.CMAC = pending.CMAC
	}
	pending, err := s.cfg.Store.LoadNextChanges(deviceID, 1, 0)
	if err != nil {
		return nil, classify(err)
	}
	welcome.HasChanges = len(pending) > 0
	return welcome, nil
}

func (s *Session) handleAccess(m *wire.AccessMsg) (wire.Message, *wireError) {
	if werr := s.checkHandshake(m.ProtocolVersion, m.Nonce); werr != nil {
		return nil, werr
	}
	if err := wire.VerifySigned(m, m.SignScheme, m.SignPubKey); err != nil {
		return nil, classify(err)
	}

	partnerID := m.PartnerID.String()
	peer, ok := s.cfg.Registry.Lookup(partnerID)
	if !ok {
		return nil, newWireError(wire.ErrorAccessError, "partner device not connected", true)
	}
	if _, err := s.cfg.Store.GetDevice(partnerID); err != nil {
		return nil, classify(err)
	}

	newDeviceID := newEnrollmentID()
	fingerprint := crypto.Fingerprint(m.SignPubKey, m.CryptPubKey)

	s.cfg.Registry.PutPendingAccess(newDeviceID, PendingAccess{
		Name:        m.DeviceName,
		SignScheme:  m.SignScheme,
		SignPubKey:  m.SignPubKey,
		CryptScheme: m.CryptScheme,
		CryptPubKey: m.CryptPubKey,
		Fingerprint: fingerprint,
	})

	proof := &wire.ProofMsg{
		PNonce:      m.PNonce,
		NewDeviceID: newBlobUUID(newDeviceID),
		DeviceName:  m.DeviceName,
		SignScheme:  m.SignScheme,
		SignPubKey:  m.SignPubKey,
		CryptScheme: m.CryptScheme,
		CryptPubKey: m.CryptPubKey,
		MacScheme:   m.MacScheme,
		CMAC:        m.CMAC,
		TrustMAC:    m.TrustMAC,
	}
	if err := peer.Deliver(proof); err != nil {
		s.cfg.Registry.TakePendingAccess(newDeviceID)
		return nil, newWireError(wire.ErrorAccessError, "partner session unreachable", true)
	}

	s.stateMu.Lock()
	s.state = StateAwaitingGrant
	s.pendingNewDeviceID = newDeviceID
	s.stateMu.Unlock()
	s.cfg.Registry.Register(newDeviceID, s)
	return nil, nil
}

// promoteToIdle transitions a newly authenticated session into Idle
// and subscribes it to the broker's fan-out channel.
func (s *Session) promoteToIdle(deviceID, userID string) {
	s.stateMu.Lock()
	s.deviceID = deviceID
	s.userID = userID
	s.state = StateIdle
	s.sub = s.cfg.Broker.Subscribe()
	s.stateMu.Unlock()
	s.logger = log.WithAccountID(log.WithDeviceID(s.logger, deviceID), userID)
	s.cfg.Registry.Register(deviceID, s)
}

// newEnrollmentID pre-assigns the device id a successful enrollment
// will be persisted under, shared by Proof/Accept/Grant/AcceptAck so
// every party in the relay agrees on the new device's identity before
// serverstore.AddNewDeviceToUser ever runs.
func newEnrollmentID() string {
	return uuid.New().String()
}
