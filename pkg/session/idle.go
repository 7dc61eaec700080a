package session

import (
	"github.com/vaultsync/vaultsync/pkg/types"
	"github.com/vaultsync/vaultsync/pkg/wire"
)

// handleIdle dispatches every message accepted in StateIdle: the
// change upload/download surface, device management, key rotation,
// and (on the partner side of an enrollment) Accept/Deny.
func (s *Session) handleIdle(msg wire.Message) (wire.Message, *wireError) {
	switch m := msg.(type) {
	case *wire.SyncMsg:
		return s.handleSync()
	case *wire.ChangeMsg:
		return s.handleChange(m)
	case *wire.DeviceChangeMsg:
		return s.handleDeviceChange(m)
	case *wire.ChangedAckMsg:
		return s.handleChangedAck(m)
	case *wire.ListDevicesMsg:
		return s.handleListDevices()
	case *wire.RemoveMsg:
		return s.handleRemove(m)
	case *wire.MacUpdateMsg:
		return s.handleMacUpdate(m)
	case *wire.KeyChangeMsg:
		return s.handleKeyChange(m)
	case *wire.NewKeyMsg:
		return s.handleNewKey(m)
	case *wire.AcceptMsg:
		return s.handleAcceptPartner(m)
	case *wire.DenyMsg:
		return s.handleDenyPartner(m)
	default:
		return nil, newWireError(wire.ErrorUnexpectedMessage, "message not valid from idle state", true)
	}
}

func (s *Session) handleSync() (wire.Message, *wireError) {
	if err := s.runDownloadPass(); err != nil {
		return nil, classify(err)
	}
	return nil, nil
}

func (s *Session) handleChange(m *wire.ChangeMsg) (wire.Message, *wireError) {
	if _, err := s.cfg.Store.AddChange(s.deviceID, m.DataID, m.KeyIndex, m.Salt, m.Ciphertext); err != nil {
		return nil, classify(err)
	}
	return &wire.ChangeAckMsg{DataID: m.DataID}, nil
}

func (s *Session) handleDeviceChange(m *wire.DeviceChangeMsg) (wire.Message, *wireError) {
	target := m.TargetDeviceID.String()
	if _, err := s.cfg.Store.AddDeviceChange(s.deviceID, target, m.DataID, m.KeyIndex, m.Salt, m.Ciphertext); err != nil {
		return nil, classify(err)
	}
	// The target's own Idle session (if connected) wakes via the
	// broker's device.changed event published by AddDeviceChange; no
	// direct relay needed here.
	return &wire.DeviceChangeAckMsg{DataID: m.DataID, TargetDeviceID: m.TargetDeviceID}, nil
}

func (s *Session) handleChangedAck(m *wire.ChangedAckMsg) (wire.Message, *wireError) {
	if err := s.cfg.Store.CompleteChange(s.deviceID, m.BlobID.String()); err != nil {
		return nil, classify(err)
	}
	s.dlMu.Lock()
	if s.inFlight > 0 {
		s.inFlight--
	}
	s.dlMu.Unlock()
	if err := s.runDownloadPass(); err != nil {
		return nil, classify(err)
	}
	return nil, nil
}

func (s *Session) handleListDevices() (wire.Message, *wireError) {
	devices, err := s.cfg.Store.ListDevices(s.deviceID)
	if err != nil {
		return nil, classify(err)
	}
	out := make([]wire.DeviceInfo, 0, len(devices))
	for _, d := range devices {
		out = append(out, wire.DeviceInfo{DeviceID: newBlobUUID(d.DeviceID), Name: d.Name, Fingerprint: d.Fingerprint})
	}
	return &wire.DevicesMsg{Devices: out}, nil
}

func (s *Session) handleRemove(m *wire.RemoveMsg) (wire.Message, *wireError) {
	target := m.DeviceID.String()
	if err := s.cfg.Store.RemoveDevice(s.deviceID, target); err != nil {
		return nil, classify(err)
	}
	if target == s.deviceID {
		if err := s.writeMessage(&wire.RemoveAckMsg{DeviceID: m.DeviceID}); err != nil {
			return nil, newWireError(wire.ErrorServerError, "write failed", false)
		}
		s.Close()
		return nil, nil
	}
	if peer, ok := s.cfg.Registry.Lookup(target); ok {
		_ = peer.Deliver(&wire.ErrorMsg{
			ErrorType:  wire.ErrorAuthenticationError,
			Message:    "device removed by a sibling",
			CanRecover: false,
		})
	}
	return &wire.RemoveAckMsg{DeviceID: m.DeviceID}, nil
}

func (s *Session) handleMacUpdate(m *wire.MacUpdateMsg) (wire.Message, *wireError) {
	if err := s.cfg.Store.UpdateCMAC(s.deviceID, m.KeyIndex, m.CMAC); err != nil {
		return nil, classify(err)
	}
	return &wire.MacUpdateAckMsg{}, nil
}

func (s *Session) handleKeyChange(m *wire.KeyChangeMsg) (wire.Message, *wireError) {
	siblings, err := s.cfg.Store.TryKeyChange(s.deviceID, m.NextIndex)
	if err != nil {
		return nil, classify(err)
	}
	out := make([]wire.SiblingKey, 0, len(siblings))
	for _, sib := range siblings {
		out = append(out, wire.SiblingKey{
			DeviceID:    newBlobUUID(sib.DeviceID),
			CryptScheme: sib.CryptScheme,
			CryptKey:    sib.CryptKey,
			KeyMAC:      sib.KeyMAC,
		})
	}
	return &wire.DeviceKeysMsg{KeyIndex: m.NextIndex, Duplicated: false, Siblings: out}, nil
}

func (s *Session) handleNewKey(m *wire.NewKeyMsg) (wire.Message, *wireError) {
	dev, err := s.cfg.Store.GetDevice(s.deviceID)
	if err != nil {
		return nil, classify(err)
	}
	if err := wire.VerifySigned(m, dev.SignScheme, dev.SignKey); err != nil {
		return nil, classify(err)
	}

	proposals := make([]types.KeyRotationProposal, 0, len(m.Wrapped))
	for _, w := range m.Wrapped {
		proposals = append(proposals, types.KeyRotationProposal{
			TargetDeviceID: w.DeviceID.String(),
			WrappedKey:     w.WrappedKey,
			CMAC:           w.CMAC,
		})
	}
	if err := s.cfg.Store.UpdateExchangeKey(s.deviceID, m.KeyIndex, m.Scheme, m.CMAC, proposals); err != nil {
		return nil, classify(err)
	}
	return &wire.NewKeyAckMsg{KeyIndex: m.KeyIndex}, nil
}

// handleAcceptPartner processes an Accept sent by the trusted partner
// device that was asked (via Proof) to vouch for a new device.
func (s *Session) handleAcceptPartner(m *wire.AcceptMsg) (wire.Message, *wireError) {
	dev, err := s.cfg.Store.GetDevice(s.deviceID)
	if err != nil {
		return nil, classify(err)
	}
	if err := wire.VerifySigned(m, dev.SignScheme, dev.SignKey); err != nil {
		return nil, classify(err)
	}

	newDeviceID := m.NewDeviceID.String()
	pending, ok := s.cfg.Registry.TakePendingAccess(newDeviceID)
	if !ok {
		return nil, newWireError(wire.ErrorClientError, "no matching enrollment request", true)
	}

	if _, err := s.cfg.Store.AddNewDeviceToUser(
		s.deviceID, newDeviceID, pending.Name, pending.SignScheme, pending.SignPubKey,
		pending.CryptScheme, pending.CryptPubKey, pending.Fingerprint,
	); err != nil {
		return nil, classify(err)
	}

	if peer, ok := s.cfg.Registry.Lookup(newDeviceID); ok {
		grant := &wire.GrantMsg{
			NewDeviceID:   m.NewDeviceID,
			KeyIndex:      m.KeyIndex,
			Scheme:        m.Scheme,
			WrappedSecret: m.WrappedSecret,
		}
		_ = peer.Deliver(grant)
	}
	return &wire.AcceptAckMsg{NewDeviceID: m.NewDeviceID}, nil
}

// handleDenyPartner processes a Deny: the requester's AwaitingGrant
// session is handed an AccessError and closes.
func (s *Session) handleDenyPartner(m *wire.DenyMsg) (wire.Message, *wireError) {
	newDeviceID := m.NewDeviceID.String()
	s.cfg.Registry.TakePendingAccess(newDeviceID)
	if peer, ok := s.cfg.Registry.Lookup(newDeviceID); ok {
		_ = peer.Deliver(&wire.ErrorMsg{
			ErrorType:  wire.ErrorAccessError,
			Message:    "enrollment denied by partner device",
			CanRecover: false,
		})
	}
	return nil, nil
}
