package engine

import (
	"context"

	"github.com/vaultsync/vaultsync/pkg/connector"
	"github.com/vaultsync/vaultsync/pkg/tablesync"
	"github.com/vaultsync/vaultsync/pkg/watcher"
)

// State is the engine's top-level lifecycle state, spec.md §4.10.
type State int

const (
	StateInactive State = iota
	StateSigningIn
	StateTableSync
	StateStopping
	StateDeletingAcc
	StateError
)

func (s State) String() string {
	switch s {
	case StateInactive:
		return "inactive"
	case StateSigningIn:
		return "signing_in"
	case StateTableSync:
		return "table_sync"
	case StateStopping:
		return "stopping"
	case StateDeletingAcc:
		return "deleting_account"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// IdentityProvider is the second phase of deleteAccount: removing the
// external account the device identity was issued against, once the
// sync server's own device record is gone. Kept as an injected
// collaborator (spec.md §9) so the engine never links against a
// specific identity-provider SDK.
type IdentityProvider interface {
	DeleteAccount(ctx context.Context, userID, idToken string) error
}

// TableSpec is one table the engine keeps synchronized, paired with
// the live-sync preference spec.md §4.9 lets vary per table.
type TableSpec struct {
	Name     string
	LiveSync bool
}

// Config bundles an Engine's fixed collaborators.
type Config struct {
	Connector        *connector.Connector
	Watcher          *watcher.Watcher
	Auth             *Authenticator
	Transform        tablesync.Transformer
	Tables           []TableSpec
	IdentityProvider IdentityProvider
}

// tableState is the bookkeeping the engine keeps for one managed
// table, bundling the machine with the goroutine that drives it.
type tableState struct {
	machine *tablesync.Machine
	cancel  context.CancelFunc
	done    chan struct{}
}
