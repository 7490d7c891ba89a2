package credentials

import (
	"testing"

	"github.com/GNOME/gnome-remote-desktop-sub002/internal/grderr"
)

func TestFileStoreRoundTrip(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	want := Value{Username: "alice", Password: "hunter2"}
	if err := fs.Store(KindRDP, want); err != nil {
		t.Fatalf("Store: %v", err)
	}

	got, err := fs.Lookup(KindRDP)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got != want {
		t.Fatalf("Lookup = %+v, want %+v", got, want)
	}

	if err := fs.Clear(KindRDP); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, err := fs.Lookup(KindRDP); !grderr.Is(err, grderr.NotFound) {
		t.Fatalf("Lookup after Clear = %v, want NotFound", err)
	}
}

func TestFileStoreKindsAreIndependent(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	if err := fs.Store(KindRDP, Value{Username: "bob", Password: "rdp-pass"}); err != nil {
		t.Fatalf("Store RDP: %v", err)
	}
	if err := fs.Store(KindVNC, Value{Password: "vnc-pass"}); err != nil {
		t.Fatalf("Store VNC: %v", err)
	}

	if _, err := fs.Lookup(KindRDP); err != nil {
		t.Fatalf("Lookup RDP: %v", err)
	}

	if err := fs.Clear(KindRDP); err != nil {
		t.Fatalf("Clear RDP: %v", err)
	}

	if _, err := fs.Lookup(KindRDP); !grderr.Is(err, grderr.NotFound) {
		t.Fatalf("Lookup RDP after clear = %v, want NotFound", err)
	}
	vnc, err := fs.Lookup(KindVNC)
	if err != nil {
		t.Fatalf("Lookup VNC after clearing RDP: %v", err)
	}
	if vnc.Password != "vnc-pass" {
		t.Fatalf("VNC password = %q, want vnc-pass", vnc.Password)
	}
}

func TestFileStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	fs1, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if err := fs1.Store(KindVNC, Value{Password: "reopened"}); err != nil {
		t.Fatalf("Store: %v", err)
	}

	fs2, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("reopen NewFileStore: %v", err)
	}
	got, err := fs2.Lookup(KindVNC)
	if err != nil {
		t.Fatalf("Lookup after reopen: %v", err)
	}
	if got.Password != "reopened" {
		t.Fatalf("Password = %q, want reopened", got.Password)
	}
}

func TestOneTimeStoreGeneratesDistinctCredentials(t *testing.T) {
	a, err := NewOneTimeStore()
	if err != nil {
		t.Fatalf("NewOneTimeStore: %v", err)
	}
	b, err := NewOneTimeStore()
	if err != nil {
		t.Fatalf("NewOneTimeStore: %v", err)
	}

	av, _ := a.Lookup(KindRDP)
	bv, _ := b.Lookup(KindRDP)
	if av.Username == bv.Username || av.Password == bv.Password {
		t.Fatalf("expected distinct generated credentials, got %+v and %+v", av, bv)
	}
	if len(av.Username) != oneTimeCredentialLen || len(av.Password) != oneTimeCredentialLen {
		t.Fatalf("expected %d-byte credentials, got username=%d password=%d", oneTimeCredentialLen, len(av.Username), len(av.Password))
	}
}

func TestOneTimeStoreUsernameMasksReservedChars(t *testing.T) {
	for i := 0; i < 100; i++ {
		s, err := NewOneTimeStore()
		if err != nil {
			t.Fatalf("NewOneTimeStore: %v", err)
		}
		v, _ := s.Lookup(KindRDP)
		for _, r := range v.Username {
			if r == '#' || r == ':' {
				t.Fatalf("username %q contains unmasked reserved character", v.Username)
			}
			if r < 33 || r > 126 {
				t.Fatalf("username %q contains byte out of printable ASCII range", v.Username)
			}
		}
	}
}

func TestOneTimeStoreClearIsNoOp(t *testing.T) {
	s, err := NewOneTimeStore()
	if err != nil {
		t.Fatalf("NewOneTimeStore: %v", err)
	}
	before, _ := s.Lookup(KindRDP)
	if err := s.Clear(KindRDP); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	after, err := s.Lookup(KindRDP)
	if err != nil {
		t.Fatalf("Lookup after Clear: %v", err)
	}
	if after != before {
		t.Fatalf("Clear mutated the one-time credential: before=%+v after=%+v", before, after)
	}
}

func TestOneTimeStoreOnlyImplementsRDP(t *testing.T) {
	s, err := NewOneTimeStore()
	if err != nil {
		t.Fatalf("NewOneTimeStore: %v", err)
	}
	if _, err := s.Lookup(KindVNC); !grderr.Is(err, grderr.NotFound) {
		t.Fatalf("Lookup(KindVNC) = %v, want NotFound", err)
	}
}

func TestTPMStoreRoundTrip(t *testing.T) {
	fixedPCR := [32]byte{1, 2, 3}
	reader := func() ([32]byte, error) { return fixedPCR, nil }

	ts, err := NewTPMStore(t.TempDir(), reader)
	if err != nil {
		t.Fatalf("NewTPMStore: %v", err)
	}

	want := Value{Password: "tpm-secret"}
	if err := ts.Store(KindVNC, want); err != nil {
		t.Fatalf("Store: %v", err)
	}

	got, err := ts.Lookup(KindVNC)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got != want {
		t.Fatalf("Lookup = %+v, want %+v", got, want)
	}
}

// TestTPMStoreLookupFailsWhenPCRsChange is S7: altering the PCR digest
// between store and lookup must fail the unseal rather than fall back
// to a less-protected read of the plaintext (§7, §8 property 8).
func TestTPMStoreLookupFailsWhenPCRsChange(t *testing.T) {
	pcr := [32]byte{1, 2, 3}
	reader := func() ([32]byte, error) { return pcr, nil }

	ts, err := NewTPMStore(t.TempDir(), reader)
	if err != nil {
		t.Fatalf("NewTPMStore: %v", err)
	}
	if err := ts.Store(KindRDP, Value{Username: "carol", Password: "s3cr3t"}); err != nil {
		t.Fatalf("Store: %v", err)
	}

	pcr[0] = 0xFF // simulate a PCR extend between store and lookup

	if _, err := ts.Lookup(KindRDP); !grderr.Is(err, grderr.NotFound) {
		t.Fatalf("Lookup after PCR change = %v, want NotFound", err)
	}
}

func TestTPMStoreClearRemovesSecret(t *testing.T) {
	pcr := [32]byte{}
	reader := func() ([32]byte, error) { return pcr, nil }

	ts, err := NewTPMStore(t.TempDir(), reader)
	if err != nil {
		t.Fatalf("NewTPMStore: %v", err)
	}
	if err := ts.Store(KindRDP, Value{Password: "x"}); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := ts.Clear(KindRDP); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, err := ts.Lookup(KindRDP); !grderr.Is(err, grderr.NotFound) {
		t.Fatalf("Lookup after Clear = %v, want NotFound", err)
	}
}
