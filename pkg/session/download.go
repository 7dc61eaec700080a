package session

import "github.com/vaultsync/vaultsync/pkg/wire"

// runDownloadPass implements spec.md §4.6/§5 download pacing: at most
// down_limit fan-out rows stay in flight, refilled once in-flight
// drops below down_threshold. The first message of a refilled batch
// carries a change estimate; the batch always ends with LastChanged
// once the queue has been drained to empty.
func (s *Session) runDownloadPass() error {
	s.dlMu.Lock()
	defer s.dlMu.Unlock()

	if s.inFlight >= s.cfg.DownThreshold {
		return nil
	}
	want := s.cfg.DownLimit - s.inFlight
	if want <= 0 {
		return nil
	}

	changes, err := s.cfg.Store.LoadNextChanges(s.deviceID, want, s.inFlight)
	if err != nil {
		return err
	}

	for i, c := range changes {
		msg := &wire.ChangedMsg{
			BlobID:     newBlobUUID(c.BlobID),
			KeyIndex:   c.KeyIndex,
			Salt:       c.Salt,
			Ciphertext: c.Data,
		}
		if i == 0 {
			msg.HasEstimate = true
			msg.ChangeEstimate = uint32(len(changes))
		}
		if err := s.writeMessage(msg); err != nil {
			return err
		}
	}
	s.inFlight += len(changes)

	if len(changes) < want {
		if err := s.writeMessage(&wire.LastChangedMsg{}); err != nil {
			return err
		}
	}
	return nil
}
