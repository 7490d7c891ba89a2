// Package credentials implements the polymorphic credentials façade
// (§4.9): a common store/lookup/clear interface with four variants —
// file-backed, platform secret-store-backed, TPM-sealed-file-backed,
// and one-time-random. Callers select a variant through New; nothing
// outside this package switches on which variant is in use.
package credentials

import (
	"fmt"

	"github.com/GNOME/gnome-remote-desktop-sub002/internal/grderr"
	"github.com/GNOME/gnome-remote-desktop-sub002/internal/logging"
)

var log = logging.L("credentials")

// Kind selects which credential this façade stores: an RDP
// username/password pair, or a VNC password.
type Kind int

const (
	KindRDP Kind = iota
	KindVNC
)

func (k Kind) String() string {
	switch k {
	case KindRDP:
		return "RDP"
	case KindVNC:
		return "VNC"
	default:
		return "unknown"
	}
}

func (k Kind) groupName() string {
	return k.String()
}

// Value is the tagged credential value stored for one Kind. For
// KindRDP, Username and Password are both set. For KindVNC, only
// Password is set; Username is always empty and ignored on Store.
type Value struct {
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
}

// Store is the polymorphic credentials interface every variant
// implements (§4.9). Lookup of an absent credential returns an error
// satisfying grderr.Is(err, grderr.NotFound); callers must not log that
// case (§7 "NotFound").
type Store interface {
	Store(kind Kind, value Value) error
	Lookup(kind Kind) (Value, error)
	Clear(kind Kind) error
}

// notFound wraps grderr.NotFound for lookups with no stored value.
func notFound(kind Kind) error {
	return grderr.Wrap(grderr.NotFound, fmt.Sprintf("credentials: no %s credentials stored", kind), nil)
}

// Backend names the four façade variants selectable via Config.
type Backend string

const (
	BackendFile          Backend = "file"
	BackendSecretService Backend = "secret-service"
	BackendTPM           Backend = "tpm"
	BackendOneTime       Backend = "one-time"
)

// New constructs the Store variant named by backend. dataDir is the
// per-user data directory (§6 "Persisted state layout") used by the
// file and TPM variants; it is ignored by secret-service and one-time.
func New(backend Backend, dataDir string) (Store, error) {
	switch backend {
	case BackendFile, "":
		return NewFileStore(dataDir)
	case BackendSecretService:
		return NewSecretServiceStore()
	case BackendTPM:
		return NewTPMStore(dataDir, nil)
	case BackendOneTime:
		return NewOneTimeStore()
	default:
		return nil, fmt.Errorf("credentials: unknown backend %q", backend)
	}
}
