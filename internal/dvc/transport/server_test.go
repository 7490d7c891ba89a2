package transport

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// TestClientServerRoundTrip dials a Transport against an Accept-based
// ServerConn and checks a PDU sent from each side is delivered to the
// other with its channel id intact.
func TestClientServerRoundTrip(t *testing.T) {
	var mu sync.Mutex
	var serverConn *ServerConn
	serverGotPDU := make(chan []byte, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		sc, err := Accept(w, r, func(ch ChannelID, pdu []byte) {
			if ch == ChannelGraphics {
				serverGotPDU <- pdu
			}
		})
		if err != nil {
			t.Errorf("Accept: %v", err)
			return
		}
		mu.Lock()
		serverConn = sc
		mu.Unlock()
		sc.Serve()
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	clientGotPDU := make(chan []byte, 1)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	tr := New(Config{ServerURL: wsURL}, func(ch ChannelID, pdu []byte) {
		if ch == ChannelCamera {
			clientGotPDU <- pdu
		}
	})
	go tr.Start()
	defer tr.Stop()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return serverConn != nil
	})

	if err := tr.Send(ChannelGraphics, []byte("caps-advertise")); err != nil {
		t.Fatalf("client Send: %v", err)
	}
	select {
	case got := <-serverGotPDU:
		if string(got) != "caps-advertise" {
			t.Fatalf("server got %q, want caps-advertise", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received client PDU")
	}

	mu.Lock()
	sc := serverConn
	mu.Unlock()
	if err := sc.Send(ChannelCamera, []byte("select-version")); err != nil {
		t.Fatalf("server Send: %v", err)
	}
	select {
	case got := <-clientGotPDU:
		if string(got) != "select-version" {
			t.Fatalf("client got %q, want select-version", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("client never received server PDU")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}
