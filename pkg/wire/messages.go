package wire

import "github.com/google/uuid"

// Message is implemented by every concrete wire message type. Decode
// dispatch in DecodeMessage is a lookup of the tag in the fixed
// decoders table, per the small fixed catalogue of spec.md §6 (tagged
// enum dispatch rather than open-ended reflection-based decoding).
type Message interface {
	Tag() string
	encode(e *fieldEncoder)
}

// Signed is implemented by message types whose catalogue entry ends in
// "+ signature": Register, Login, Access, Accept, NewKey.
type Signed interface {
	Message
	SignedPrefix() []byte
	GetSignature() []byte
	SetSignature(sig []byte)
}

// Tag constants, exactly the catalogue of spec.md §6.
const (
	TagIdentify        = "Identify"
	TagRegister        = "Register"
	TagLogin           = "Login"
	TagAccess          = "Access"
	TagAccount         = "Account"
	TagWelcome         = "Welcome"
	TagProof           = "Proof"
	TagAccept          = "Accept"
	TagDeny            = "Deny"
	TagGrant           = "Grant"
	TagAcceptAck       = "AcceptAck"
	TagSync            = "Sync"
	TagChange          = "Change"
	TagChangeAck       = "ChangeAck"
	TagDeviceChange    = "DeviceChange"
	TagDeviceChangeAck = "DeviceChangeAck"
	TagChanged         = "Changed"
	TagLastChanged     = "LastChanged"
	TagChangedAck      = "ChangedAck"
	TagListDevices     = "ListDevices"
	TagDevices         = "Devices"
	TagRemove          = "Remove"
	TagRemoveAck       = "RemoveAck"
	TagMacUpdate       = "MacUpdate"
	TagMacUpdateAck    = "MacUpdateAck"
	TagKeyChange       = "KeyChange"
	TagDeviceKeys      = "DeviceKeys"
	TagNewKey          = "NewKey"
	TagNewKeyAck       = "NewKeyAck"
	TagError           = "Error"
)

// ErrorType enumerates the recognized wire error kinds of spec.md §7.
type ErrorType string

const (
	ErrorIncompatibleVersion ErrorType = "IncompatibleVersion"
	ErrorUnexpectedMessage   ErrorType = "UnexpectedMessage"
	ErrorServerError         ErrorType = "ServerError"
	ErrorClientError         ErrorType = "ClientError"
	ErrorAuthenticationError ErrorType = "AuthenticationError"
	ErrorAccessError         ErrorType = "AccessError"
	ErrorKeyIndexError       ErrorType = "KeyIndexError"
	ErrorKeyPendingError     ErrorType = "KeyPendingError"
	ErrorQuotaHitError       ErrorType = "QuotaHitError"
)

// --- S→C: Identify ---------------------------------------------------

type IdentifyMsg struct {
	ProtocolVersion Version
	Nonce           []byte
	UploadLimit     uint32
}

func (m *IdentifyMsg) Tag() string { return TagIdentify }

func (m *IdentifyMsg) encode(e *fieldEncoder) {
	e.PutVersion(m.ProtocolVersion)
	e.PutBytes(m.Nonce)
	e.PutU32(m.UploadLimit)
}

func decodeIdentify(d *fieldDecoder) (Message, error) {
	m := &IdentifyMsg{}
	var err error
	if m.ProtocolVersion, err = d.GetVersion(); err != nil {
		return nil, err
	}
	if m.Nonce, err = d.GetBytes(); err != nil {
		return nil, err
	}
	if m.UploadLimit, err = d.GetU32(); err != nil {
		return nil, err
	}
	return m, nil
}

// --- C→S: Register (signed) ------------------------------------------

type RegisterMsg struct {
	ProtocolVersion Version
	Nonce           []byte
	SignScheme      string
	SignPubKey      []byte
	CryptScheme     string
	CryptPubKey     []byte
	DeviceName      string
	CMAC            []byte
	Signature       []byte

	signedPrefix []byte
}

func (m *RegisterMsg) Tag() string { return TagRegister }

func (m *RegisterMsg) encode(e *fieldEncoder) {
	e.PutVersion(m.ProtocolVersion)
	e.PutBytes(m.Nonce)
	e.PutString(m.SignScheme)
	e.PutBytes(m.SignPubKey)
	e.PutString(m.CryptScheme)
	e.PutBytes(m.CryptPubKey)
	e.PutString(m.DeviceName)
	e.PutBytes(m.CMAC)
	e.PutBytes(m.Signature)
}

func (m *RegisterMsg) SignedPrefix() []byte   { return m.signedPrefix }
func (m *RegisterMsg) GetSignature() []byte   { return m.Signature }
func (m *RegisterMsg) SetSignature(s []byte)  { m.Signature = s }

func decodeRegister(d *fieldDecoder) (Message, error) {
	m := &RegisterMsg{}
	var err error
	if m.ProtocolVersion, err = d.GetVersion(); err != nil {
		return nil, err
	}
	if m.Nonce, err = d.GetBytes(); err != nil {
		return nil, err
	}
	if m.SignScheme, err = d.GetString(); err != nil {
		return nil, err
	}
	if m.SignPubKey, err = d.GetBytes(); err != nil {
		return nil, err
	}
	if m.CryptScheme, err = d.GetString(); err != nil {
		return nil, err
	}
	if m.CryptPubKey, err = d.GetBytes(); err != nil {
		return nil, err
	}
	if m.DeviceName, err = d.GetString(); err != nil {
		return nil, err
	}
	if m.CMAC, err = d.GetBytes(); err != nil {
		return nil, err
	}
	m.signedPrefix = d.Consumed()
	if m.Signature, err = d.GetBytes(); err != nil {
		return nil, err
	}
	return m, nil
}

// --- C→S: Login (signed) ---------------------------------------------

type LoginMsg struct {
	ProtocolVersion Version
	Nonce           []byte
	DeviceID        uuid.UUID
	DeviceName      string
	Signature       []byte

	signedPrefix []byte
}

func (m *LoginMsg) Tag() string { return TagLogin }

func (m *LoginMsg) encode(e *fieldEncoder) {
	e.PutVersion(m.ProtocolVersion)
	e.PutBytes(m.Nonce)
	e.PutUUID(m.DeviceID)
	e.PutString(m.DeviceName)
	e.PutBytes(m.Signature)
}

func (m *LoginMsg) SignedPrefix() []byte  { return m.signedPrefix }
func (m *LoginMsg) GetSignature() []byte  { return m.Signature }
func (m *LoginMsg) SetSignature(s []byte) { m.Signature = s }

func decodeLogin(d *fieldDecoder) (Message, error) {
	m := &LoginMsg{}
	var err error
	if m.ProtocolVersion, err = d.GetVersion(); err != nil {
		return nil, err
	}
	if m.Nonce, err = d.GetBytes(); err != nil {
		return nil, err
	}
	if m.DeviceID, err = d.GetUUID(); err != nil {
		return nil, err
	}
	if m.DeviceName, err = d.GetString(); err != nil {
		return nil, err
	}
	m.signedPrefix = d.Consumed()
	if m.Signature, err = d.GetBytes(); err != nil {
		return nil, err
	}
	return m, nil
}

// --- C→S: Access (signed) ----------------------------------------------

type AccessMsg struct {
	ProtocolVersion Version
	Nonce           []byte
	SignScheme      string
	SignPubKey      []byte
	CryptScheme     string
	CryptPubKey     []byte
	DeviceName      string
	PNonce          []byte
	PartnerID       uuid.UUID
	MacScheme       string
	CMAC            []byte
	TrustMAC        []byte
	Signature       []byte

	signedPrefix []byte
}

func (m *AccessMsg) Tag() string { return TagAccess }

func (m *AccessMsg) encode(e *fieldEncoder) {
	e.PutVersion(m.ProtocolVersion)
	e.PutBytes(m.Nonce)
	e.PutString(m.SignScheme)
	e.PutBytes(m.SignPubKey)
	e.PutString(m.CryptScheme)
	e.PutBytes(m.CryptPubKey)
	e.PutString(m.DeviceName)
	e.PutBytes(m.PNonce)
	e.PutUUID(m.PartnerID)
	e.PutString(m.MacScheme)
	e.PutBytes(m.CMAC)
	e.PutBytes(m.TrustMAC)
	e.PutBytes(m.Signature)
}

func (m *AccessMsg) SignedPrefix() []byte  { return m.signedPrefix }
func (m *AccessMsg) GetSignature() []byte  { return m.Signature }
func (m *AccessMsg) SetSignature(s []byte) { m.Signature = s }

func decodeAccess(d *fieldDecoder) (Message, error) {
	m := &AccessMsg{}
	var err error
	if m.ProtocolVersion, err = d.GetVersion(); err != nil {
		return nil, err
	}
	if m.Nonce, err = d.GetBytes(); err != nil {
		return nil, err
	}
	if m.SignScheme, err = d.GetString(); err != nil {
		return nil, err
	}
	if m.SignPubKey, err = d.GetBytes(); err != nil {
		return nil, err
	}
	if m.CryptScheme, err = d.GetString(); err != nil {
		return nil, err
	}
	if m.CryptPubKey, err = d.GetBytes(); err != nil {
		return nil, err
	}
	if m.DeviceName, err = d.GetString(); err != nil {
		return nil, err
	}
	if m.PNonce, err = d.GetBytes(); err != nil {
		return nil, err
	}
	if m.PartnerID, err = d.GetUUID(); err != nil {
		return nil, err
	}
	if m.MacScheme, err = d.GetString(); err != nil {
		return nil, err
	}
	if m.CMAC, err = d.GetBytes(); err != nil {
		return nil, err
	}
	if m.TrustMAC, err = d.GetBytes(); err != nil {
		return nil, err
	}
	m.signedPrefix = d.Consumed()
	if m.Signature, err = d.GetBytes(); err != nil {
		return nil, err
	}
	return m, nil
}

// --- S→C: Account -------------------------------------------------------

type AccountMsg struct {
	DeviceID uuid.UUID
}

func (m *AccountMsg) Tag() string           { return TagAccount }
func (m *AccountMsg) encode(e *fieldEncoder) { e.PutUUID(m.DeviceID) }

func decodeAccount(d *fieldDecoder) (Message, error) {
	id, err := d.GetUUID()
	if err != nil {
		return nil, err
	}
	return &AccountMsg{DeviceID: id}, nil
}

// --- S→C: Welcome --------------------------------------------------------

type WelcomeMsg struct {
	HasChanges bool
	KeyIndex   uint32
	Scheme     string
	WrappedKey []byte
	CMAC       []byte
}

func (m *WelcomeMsg) Tag() string { return TagWelcome }

func (m *WelcomeMsg) encode(e *fieldEncoder) {
	e.PutBool(m.HasChanges)
	e.PutU32(m.KeyIndex)
	e.PutString(m.Scheme)
	e.PutBytes(m.WrappedKey)
	e.PutBytes(m.CMAC)
}

func decodeWelcome(d *fieldDecoder) (Message, error) {
	m := &WelcomeMsg{}
	var err error
	if m.HasChanges, err = d.GetBool(); err != nil {
		return nil, err
	}
	if m.KeyIndex, err = d.GetU32(); err != nil {
		return nil, err
	}
	if m.Scheme, err = d.GetString(); err != nil {
		return nil, err
	}
	if m.WrappedKey, err = d.GetBytes(); err != nil {
		return nil, err
	}
	if m.CMAC, err = d.GetBytes(); err != nil {
		return nil, err
	}
	return m, nil
}

// --- S→C: Proof -----------------------------------------------------------

type ProofMsg struct {
	PNonce      []byte
	NewDeviceID uuid.UUID
	DeviceName  string
	SignScheme  string
	SignPubKey  []byte
	CryptScheme string
	CryptPubKey []byte
	MacScheme   string
	CMAC        []byte
	TrustMAC    []byte
}

func (m *ProofMsg) Tag() string { return TagProof }

func (m *ProofMsg) encode(e *fieldEncoder) {
	e.PutBytes(m.PNonce)
	e.PutUUID(m.NewDeviceID)
	e.PutString(m.DeviceName)
	e.PutString(m.SignScheme)
	e.PutBytes(m.SignPubKey)
	e.PutString(m.CryptScheme)
	e.PutBytes(m.CryptPubKey)
	e.PutString(m.MacScheme)
	e.PutBytes(m.CMAC)
	e.PutBytes(m.TrustMAC)
}

func decodeProof(d *fieldDecoder) (Message, error) {
	m := &ProofMsg{}
	var err error
	if m.PNonce, err = d.GetBytes(); err != nil {
		return nil, err
	}
	if m.NewDeviceID, err = d.GetUUID(); err != nil {
		return nil, err
	}
	if m.DeviceName, err = d.GetString(); err != nil {
		return nil, err
	}
	if m.SignScheme, err = d.GetString(); err != nil {
		return nil, err
	}
	if m.SignPubKey, err = d.GetBytes(); err != nil {
		return nil, err
	}
	if m.CryptScheme, err = d.GetString(); err != nil {
		return nil, err
	}
	if m.CryptPubKey, err = d.GetBytes(); err != nil {
		return nil, err
	}
	if m.MacScheme, err = d.GetString(); err != nil {
		return nil, err
	}
	if m.CMAC, err = d.GetBytes(); err != nil {
		return nil, err
	}
	if m.TrustMAC, err = d.GetBytes(); err != nil {
		return nil, err
	}
	return m, nil
}

// --- C→S: Accept (signed) --------------------------------------------------

type AcceptMsg struct {
	NewDeviceID   uuid.UUID
	KeyIndex      uint32
	Scheme        string
	WrappedSecret []byte
	Signature     []byte

	signedPrefix []byte
}

func (m *AcceptMsg) Tag() string { return TagAccept }

func (m *AcceptMsg) encode(e *fieldEncoder) {
	e.PutUUID(m.NewDeviceID)
	e.PutU32(m.KeyIndex)
	e.PutString(m.Scheme)
	e.PutBytes(m.WrappedSecret)
	e.PutBytes(m.Signature)
}

func (m *AcceptMsg) SignedPrefix() []byte  { return m.signedPrefix }
func (m *AcceptMsg) GetSignature() []byte  { return m.Signature }
func (m *AcceptMsg) SetSignature(s []byte) { m.Signature = s }

func decodeAccept(d *fieldDecoder) (Message, error) {
	m := &AcceptMsg{}
	var err error
	if m.NewDeviceID, err = d.GetUUID(); err != nil {
		return nil, err
	}
	if m.KeyIndex, err = d.GetU32(); err != nil {
		return nil, err
	}
	if m.Scheme, err = d.GetString(); err != nil {
		return nil, err
	}
	if m.WrappedSecret, err = d.GetBytes(); err != nil {
		return nil, err
	}
	m.signedPrefix = d.Consumed()
	if m.Signature, err = d.GetBytes(); err != nil {
		return nil, err
	}
	return m, nil
}

// --- C→S: Deny --------------------------------------------------------------

type DenyMsg struct {
	NewDeviceID uuid.UUID
}

func (m *DenyMsg) Tag() string           { return TagDeny }
func (m *DenyMsg) encode(e *fieldEncoder) { e.PutUUID(m.NewDeviceID) }

func decodeDeny(d *fieldDecoder) (Message, error) {
	id, err := d.GetUUID()
	if err != nil {
		return nil, err
	}
	return &DenyMsg{NewDeviceID: id}, nil
}

// --- S→C: Grant ---------------------------------------------------------

type GrantMsg struct {
	NewDeviceID   uuid.UUID
	KeyIndex      uint32
	Scheme        string
	WrappedSecret []byte
}

func (m *GrantMsg) Tag() string { return TagGrant }

func (m *GrantMsg) encode(e *fieldEncoder) {
	e.PutUUID(m.NewDeviceID)
	e.PutU32(m.KeyIndex)
	e.PutString(m.Scheme)
	e.PutBytes(m.WrappedSecret)
}

func decodeGrant(d *fieldDecoder) (Message, error) {
	m := &GrantMsg{}
	var err error
	if m.NewDeviceID, err = d.GetUUID(); err != nil {
		return nil, err
	}
	if m.KeyIndex, err = d.GetU32(); err != nil {
		return nil, err
	}
	if m.Scheme, err = d.GetString(); err != nil {
		return nil, err
	}
	if m.WrappedSecret, err = d.GetBytes(); err != nil {
		return nil, err
	}
	return m, nil
}

// --- S→C: AcceptAck ----------------------------------------------------

type AcceptAckMsg struct {
	NewDeviceID uuid.UUID
}

func (m *AcceptAckMsg) Tag() string           { return TagAcceptAck }
func (m *AcceptAckMsg) encode(e *fieldEncoder) { e.PutUUID(m.NewDeviceID) }

func decodeAcceptAck(d *fieldDecoder) (Message, error) {
	id, err := d.GetUUID()
	if err != nil {
		return nil, err
	}
	return &AcceptAckMsg{NewDeviceID: id}, nil
}

// --- C→S: Sync (empty) ---------------------------------------------------

type SyncMsg struct{}

func (m *SyncMsg) Tag() string            { return TagSync }
func (m *SyncMsg) encode(e *fieldEncoder) {}

func decodeSync(d *fieldDecoder) (Message, error) { return &SyncMsg{}, nil }

// --- C→S: Change -----------------------------------------------------------

type ChangeMsg struct {
	DataID     []byte
	KeyIndex   uint32
	Salt       []byte
	Ciphertext []byte
}

func (m *ChangeMsg) Tag() string { return TagChange }

func (m *ChangeMsg) encode(e *fieldEncoder) {
	e.PutBytes(m.DataID)
	e.PutU32(m.KeyIndex)
	e.PutBytes(m.Salt)
	e.PutBytes(m.Ciphertext)
}

func decodeChange(d *fieldDecoder) (Message, error) {
	m := &ChangeMsg{}
	var err error
	if m.DataID, err = d.GetBytes(); err != nil {
		return nil, err
	}
	if m.KeyIndex, err = d.GetU32(); err != nil {
		return nil, err
	}
	if m.Salt, err = d.GetBytes(); err != nil {
		return nil, err
	}
	if m.Ciphertext, err = d.GetBytes(); err != nil {
		return nil, err
	}
	return m, nil
}

// --- S→C: ChangeAck --------------------------------------------------------

type ChangeAckMsg struct {
	DataID []byte
}

func (m *ChangeAckMsg) Tag() string           { return TagChangeAck }
func (m *ChangeAckMsg) encode(e *fieldEncoder) { e.PutBytes(m.DataID) }

func decodeChangeAck(d *fieldDecoder) (Message, error) {
	b, err := d.GetBytes()
	if err != nil {
		return nil, err
	}
	return &ChangeAckMsg{DataID: b}, nil
}

// --- C→S: DeviceChange -------------------------------------------------

type DeviceChangeMsg struct {
	DataID         []byte
	KeyIndex       uint32
	Salt           []byte
	Ciphertext     []byte
	TargetDeviceID uuid.UUID
}

func (m *DeviceChangeMsg) Tag() string { return TagDeviceChange }

func (m *DeviceChangeMsg) encode(e *fieldEncoder) {
	e.PutBytes(m.DataID)
	e.PutU32(m.KeyIndex)
	e.PutBytes(m.Salt)
	e.PutBytes(m.Ciphertext)
	e.PutUUID(m.TargetDeviceID)
}

func decodeDeviceChange(d *fieldDecoder) (Message, error) {
	m := &DeviceChangeMsg{}
	var err error
	if m.DataID, err = d.GetBytes(); err != nil {
		return nil, err
	}
	if m.KeyIndex, err = d.GetU32(); err != nil {
		return nil, err
	}
	if m.Salt, err = d.GetBytes(); err != nil {
		return nil, err
	}
	if m.Ciphertext, err = d.GetBytes(); err != nil {
		return nil, err
	}
	if m.TargetDeviceID, err = d.GetUUID(); err != nil {
		return nil, err
	}
	return m, nil
}

// --- S→C: DeviceChangeAck -----------------------------------------------

type DeviceChangeAckMsg struct {
	DataID         []byte
	TargetDeviceID uuid.UUID
}

func (m *DeviceChangeAckMsg) Tag() string { return TagDeviceChangeAck }

func (m *DeviceChangeAckMsg) encode(e *fieldEncoder) {
	e.PutBytes(m.DataID)
	e.PutUUID(m.TargetDeviceID)
}

func decodeDeviceChangeAck(d *fieldDecoder) (Message, error) {
	m := &DeviceChangeAckMsg{}
	var err error
	if m.DataID, err = d.GetBytes(); err != nil {
		return nil, err
	}
	if m.TargetDeviceID, err = d.GetUUID(); err != nil {
		return nil, err
	}
	return m, nil
}

// --- S→C: Changed / ChangedInfo -------------------------------------------

type ChangedMsg struct {
	BlobID          uuid.UUID
	KeyIndex        uint32
	Salt            []byte
	Ciphertext      []byte
	ChangeEstimate  uint32
	HasEstimate     bool
}

func (m *ChangedMsg) Tag() string { return TagChanged }

func (m *ChangedMsg) encode(e *fieldEncoder) {
	e.PutUUID(m.BlobID)
	e.PutU32(m.KeyIndex)
	e.PutBytes(m.Salt)
	e.PutBytes(m.Ciphertext)
	e.PutBool(m.HasEstimate)
	if m.HasEstimate {
		e.PutU32(m.ChangeEstimate)
	}
}

func decodeChanged(d *fieldDecoder) (Message, error) {
	m := &ChangedMsg{}
	var err error
	if m.BlobID, err = d.GetUUID(); err != nil {
		return nil, err
	}
	if m.KeyIndex, err = d.GetU32(); err != nil {
		return nil, err
	}
	if m.Salt, err = d.GetBytes(); err != nil {
		return nil, err
	}
	if m.Ciphertext, err = d.GetBytes(); err != nil {
		return nil, err
	}
	if m.HasEstimate, err = d.GetBool(); err != nil {
		return nil, err
	}
	if m.HasEstimate {
		if m.ChangeEstimate, err = d.GetU32(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// --- S→C: LastChanged (empty) ----------------------------------------------

type LastChangedMsg struct{}

func (m *LastChangedMsg) Tag() string            { return TagLastChanged }
func (m *LastChangedMsg) encode(e *fieldEncoder) {}

func decodeLastChanged(d *fieldDecoder) (Message, error) { return &LastChangedMsg{}, nil }

// --- C→S: ChangedAck ---------------------------------------------------

type ChangedAckMsg struct {
	BlobID uuid.UUID
}

func (m *ChangedAckMsg) Tag() string           { return TagChangedAck }
func (m *ChangedAckMsg) encode(e *fieldEncoder) { e.PutUUID(m.BlobID) }

func decodeChangedAck(d *fieldDecoder) (Message, error) {
	id, err := d.GetUUID()
	if err != nil {
		return nil, err
	}
	return &ChangedAckMsg{BlobID: id}, nil
}

// --- C→S: ListDevices (empty) ------------------------------------------

type ListDevicesMsg struct{}

func (m *ListDevicesMsg) Tag() string            { return TagListDevices }
func (m *ListDevicesMsg) encode(e *fieldEncoder) {}

func decodeListDevices(d *fieldDecoder) (Message, error) { return &ListDevicesMsg{}, nil }

// --- S→C: Devices --------------------------------------------------------

// DeviceInfo is one entry of a Devices response.
type DeviceInfo struct {
	DeviceID    uuid.UUID
	Name        string
	Fingerprint []byte
}

type DevicesMsg struct {
	Devices []DeviceInfo
}

func (m *DevicesMsg) Tag() string { return TagDevices }

func (m *DevicesMsg) encode(e *fieldEncoder) {
	e.PutU32(uint32(len(m.Devices)))
	for _, dv := range m.Devices {
		e.PutUUID(dv.DeviceID)
		e.PutString(dv.Name)
		e.PutBytes(dv.Fingerprint)
	}
}

func decodeDevices(d *fieldDecoder) (Message, error) {
	n, err := d.GetU32()
	if err != nil {
		return nil, err
	}
	if n > uint32(MaxBodyLen) {
		return nil, ErrMalformedMessage
	}
	out := make([]DeviceInfo, 0, n)
	for i := uint32(0); i < n; i++ {
		var dv DeviceInfo
		if dv.DeviceID, err = d.GetUUID(); err != nil {
			return nil, err
		}
		if dv.Name, err = d.GetString(); err != nil {
			return nil, err
		}
		if dv.Fingerprint, err = d.GetBytes(); err != nil {
			return nil, err
		}
		out = append(out, dv)
	}
	return &DevicesMsg{Devices: out}, nil
}

// --- C→S: Remove -----------------------------------------------------------

type RemoveMsg struct {
	DeviceID uuid.UUID
}

func (m *RemoveMsg) Tag() string           { return TagRemove }
func (m *RemoveMsg) encode(e *fieldEncoder) { e.PutUUID(m.DeviceID) }

func decodeRemove(d *fieldDecoder) (Message, error) {
	id, err := d.GetUUID()
	if err != nil {
		return nil, err
	}
	return &RemoveMsg{DeviceID: id}, nil
}

// --- S→C: RemoveAck -----------------------------------------------------

type RemoveAckMsg struct {
	DeviceID uuid.UUID
}

func (m *RemoveAckMsg) Tag() string           { return TagRemoveAck }
func (m *RemoveAckMsg) encode(e *fieldEncoder) { e.PutUUID(m.DeviceID) }

func decodeRemoveAck(d *fieldDecoder) (Message, error) {
	id, err := d.GetUUID()
	if err != nil {
		return nil, err
	}
	return &RemoveAckMsg{DeviceID: id}, nil
}

// --- C→S: MacUpdate ------------------------------------------------------

type MacUpdateMsg struct {
	KeyIndex uint32
	CMAC     []byte
}

func (m *MacUpdateMsg) Tag() string { return TagMacUpdate }

func (m *MacUpdateMsg) encode(e *fieldEncoder) {
	e.PutU32(m.KeyIndex)
	e.PutBytes(m.CMAC)
}

func decodeMacUpdate(d *fieldDecoder) (Message, error) {
	m := &MacUpdateMsg{}
	var err error
	if m.KeyIndex, err = d.GetU32(); err != nil {
		return nil, err
	}
	if m.CMAC, err = d.GetBytes(); err != nil {
		return nil, err
	}
	return m, nil
}

// --- S→C: MacUpdateAck (empty) -------------------------------------------

type MacUpdateAckMsg struct{}

func (m *MacUpdateAckMsg) Tag() string            { return TagMacUpdateAck }
func (m *MacUpdateAckMsg) encode(e *fieldEncoder) {}

func decodeMacUpdateAck(d *fieldDecoder) (Message, error) { return &MacUpdateAckMsg{}, nil }

// --- C→S: KeyChange -------------------------------------------------------

type KeyChangeMsg struct {
	NextIndex uint32
}

func (m *KeyChangeMsg) Tag() string           { return TagKeyChange }
func (m *KeyChangeMsg) encode(e *fieldEncoder) { e.PutU32(m.NextIndex) }

func decodeKeyChange(d *fieldDecoder) (Message, error) {
	idx, err := d.GetU32()
	if err != nil {
		return nil, err
	}
	return &KeyChangeMsg{NextIndex: idx}, nil
}

// --- S→C: DeviceKeys -------------------------------------------------------

// SiblingKey is one entry of a DeviceKeys response.
type SiblingKey struct {
	DeviceID    uuid.UUID
	CryptScheme string
	CryptKey    []byte
	KeyMAC      []byte
}

type DeviceKeysMsg struct {
	KeyIndex   uint32
	Duplicated bool
	Siblings   []SiblingKey
}

func (m *DeviceKeysMsg) Tag() string { return TagDeviceKeys }

func (m *DeviceKeysMsg) encode(e *fieldEncoder) {
	e.PutU32(m.KeyIndex)
	e.PutBool(m.Duplicated)
	e.PutU32(uint32(len(m.Siblings)))
	for _, s := range m.Siblings {
		e.PutUUID(s.DeviceID)
		e.PutString(s.CryptScheme)
		e.PutBytes(s.CryptKey)
		e.PutBytes(s.KeyMAC)
	}
}

func decodeDeviceKeys(d *fieldDecoder) (Message, error) {
	m := &DeviceKeysMsg{}
	var err error
	if m.KeyIndex, err = d.GetU32(); err != nil {
		return nil, err
	}
	if m.Duplicated, err = d.GetBool(); err != nil {
		return nil, err
	}
	n, err := d.GetU32()
	if err != nil {
		return nil, err
	}
	if n > uint32(MaxBodyLen) {
		return nil, ErrMalformedMessage
	}
	m.Siblings = make([]SiblingKey, 0, n)
	for i := uint32(0); i < n; i++ {
		var s SiblingKey
		if s.DeviceID, err = d.GetUUID(); err != nil {
			return nil, err
		}
		if s.CryptScheme, err = d.GetString(); err != nil {
			return nil, err
		}
		if s.CryptKey, err = d.GetBytes(); err != nil {
			return nil, err
		}
		if s.KeyMAC, err = d.GetBytes(); err != nil {
			return nil, err
		}
		m.Siblings = append(m.Siblings, s)
	}
	return m, nil
}

// --- C→S: NewKey (signed) --------------------------------------------------

// WrappedKeyFor is one entry of a NewKey request: the next key wrapped
// for one sibling device.
type WrappedKeyFor struct {
	DeviceID   uuid.UUID
	WrappedKey []byte
	CMAC       []byte
}

type NewKeyMsg struct {
	KeyIndex  uint32
	CMAC      []byte
	Scheme    string
	Wrapped   []WrappedKeyFor
	Signature []byte

	signedPrefix []byte
}

func (m *NewKeyMsg) Tag() string { return TagNewKey }

func (m *NewKeyMsg) encode(e *fieldEncoder) {
	e.PutU32(m.KeyIndex)
	e.PutBytes(m.CMAC)
	e.PutString(m.Scheme)
	e.PutU32(uint32(len(m.Wrapped)))
	for _, w := range m.Wrapped {
		e.PutUUID(w.DeviceID)
		e.PutBytes(w.WrappedKey)
		e.PutBytes(w.CMAC)
	}
	e.PutBytes(m.Signature)
}

func (m *NewKeyMsg) SignedPrefix() []byte  { return m.signedPrefix }
func (m *NewKeyMsg) GetSignature() []byte  { return m.Signature }
func (m *NewKeyMsg) SetSignature(s []byte) { m.Signature = s }

func decodeNewKey(d *fieldDecoder) (Message, error) {
	m := &NewKeyMsg{}
	var err error
	if m.KeyIndex, err = d.GetU32(); err != nil {
		return nil, err
	}
	if m.CMAC, err = d.GetBytes(); err != nil {
		return nil, err
	}
	if m.Scheme, err = d.GetString(); err != nil {
		return nil, err
	}
	n, err := d.GetU32()
	if err != nil {
		return nil, err
	}
	if n > uint32(MaxBodyLen) {
		return nil, ErrMalformedMessage
	}
	m.Wrapped = make([]WrappedKeyFor, 0, n)
	for i := uint32(0); i < n; i++ {
		var w WrappedKeyFor
		if w.DeviceID, err = d.GetUUID(); err != nil {
			return nil, err
		}
		if w.WrappedKey, err = d.GetBytes(); err != nil {
			return nil, err
		}
		if w.CMAC, err = d.GetBytes(); err != nil {
			return nil, err
		}
		m.Wrapped = append(m.Wrapped, w)
	}
	m.signedPrefix = d.Consumed()
	if m.Signature, err = d.GetBytes(); err != nil {
		return nil, err
	}
	return m, nil
}

// --- S→C: NewKeyAck --------------------------------------------------------

type NewKeyAckMsg struct {
	KeyIndex uint32
}

func (m *NewKeyAckMsg) Tag() string           { return TagNewKeyAck }
func (m *NewKeyAckMsg) encode(e *fieldEncoder) { e.PutU32(m.KeyIndex) }

func decodeNewKeyAck(d *fieldDecoder) (Message, error) {
	idx, err := d.GetU32()
	if err != nil {
		return nil, err
	}
	return &NewKeyAckMsg{KeyIndex: idx}, nil
}

// --- S↔C: Error -----------------------------------------------------------

type ErrorMsg struct {
	ErrorType  ErrorType
	Message    string
	CanRecover bool
}

func (m *ErrorMsg) Tag() string { return TagError }

func (m *ErrorMsg) encode(e *fieldEncoder) {
	e.PutString(string(m.ErrorType))
	e.PutString(m.Message)
	e.PutBool(m.CanRecover)
}

func decodeError(d *fieldDecoder) (Message, error) {
	m := &ErrorMsg{}
	kind, err := d.GetString()
	if err != nil {
		return nil, err
	}
	m.ErrorType = ErrorType(kind)
	if m.Message, err = d.GetString(); err != nil {
		return nil, err
	}
	if m.CanRecover, err = d.GetBool(); err != nil {
		return nil, err
	}
	return m, nil
}

// decoders maps each tag to its body decoder. Populated once at init;
// keeping it a package-level map (rather than a type switch on Tag)
// keeps DecodeMessage a single lookup regardless of catalogue size.
var decoders = map[string]func(*fieldDecoder) (Message, error){
	TagIdentify:        decodeIdentify,
	TagRegister:        decodeRegister,
	TagLogin:           decodeLogin,
	TagAccess:          decodeAccess,
	TagAccount:         decodeAccount,
	TagWelcome:         decodeWelcome,
	TagProof:           decodeProof,
	TagAccept:          decodeAccept,
	TagDeny:            decodeDeny,
	TagGrant:           decodeGrant,
	TagAcceptAck:       decodeAcceptAck,
	TagSync:            decodeSync,
	TagChange:          decodeChange,
	TagChangeAck:       decodeChangeAck,
	TagDeviceChange:    decodeDeviceChange,
	TagDeviceChangeAck: decodeDeviceChangeAck,
	TagChanged:         decodeChanged,
	TagLastChanged:     decodeLastChanged,
	TagChangedAck:      decodeChangedAck,
	TagListDevices:     decodeListDevices,
	TagDevices:         decodeDevices,
	TagRemove:          decodeRemove,
	TagRemoveAck:       decodeRemoveAck,
	TagMacUpdate:       decodeMacUpdate,
	TagMacUpdateAck:    decodeMacUpdateAck,
	TagKeyChange:       decodeKeyChange,
	TagDeviceKeys:      decodeDeviceKeys,
	TagNewKey:          decodeNewKey,
	TagNewKeyAck:       decodeNewKeyAck,
	TagError:           decodeError,
}
