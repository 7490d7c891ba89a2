package main

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/GNOME/gnome-remote-desktop-sub002/internal/dvc/transport"
	"github.com/GNOME/gnome-remote-desktop-sub002/internal/gfx/wire"
)

var (
	rdpServerURL string
	rdpTimeout   time.Duration
)

// wireFlagAVC420Enabled mirrors internal/gfx's FlagAVC420Enabled bit, the
// v8.1-only opt-in flag for AVC420 encoding; the test client advertises it
// on its own to avoid importing internal/gfx just for one constant.
const wireFlagAVC420Enabled = 1 << 1

var rdpCmd = &cobra.Command{
	Use:   "rdp",
	Short: "Connect over RDP Graphics Pipeline and verify the first paint",
	Run: func(cmd *cobra.Command, args []string) {
		if err := runRDPTest(rdpServerURL, rdpTimeout); err != nil {
			fmt.Fprintf(os.Stderr, "rdp test failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("rdp test passed")
	},
}

func init() {
	rdpCmd.Flags().StringVar(&rdpServerURL, "server", "ws://127.0.0.1:3389/rdpgfx", "server websocket URL")
	rdpCmd.Flags().DurationVar(&rdpTimeout, "timeout", 10*time.Second, "time to wait for the first paint")
}

// rdpClientState accumulates what the test needs to see across several
// asynchronous PDU deliveries: a CapsConfirm, a CreateSurface sizing the
// desktop, and the StartFrame/WireToSurface1/EndFrame triad making up the
// first paint.
type rdpClientState struct {
	mu sync.Mutex

	negotiatedVersion uint32
	gotCapsConfirm    bool

	surfaceID     uint16
	width, height uint16
	gotSurface    bool

	sawFullPaint bool

	result chan error
}

// runRDPTest implements scenario S1 (spec.md §"Concrete end-to-end
// scenarios"): connect, renegotiate to the first supported capability,
// and verify the first paint covers the full negotiated surface.
func runRDPTest(serverURL string, timeout time.Duration) error {
	st := &rdpClientState{result: make(chan error, 1)}

	var tr *transport.Transport
	tr = transport.New(transport.Config{ServerURL: serverURL}, func(ch transport.ChannelID, pdu []byte) {
		if ch != transport.ChannelGraphics {
			return
		}
		st.handlePDU(tr, pdu)
	})
	tr.OnConnect(func() {
		log.Info("connected, advertising capabilities")
		// Advertise every version the server's own serverSupported list
		// offers, highest first, so negotiation always lands on the
		// server's top preference (matching the real client's behavior
		// of advertising its own full supported set).
		entries := []wire.CapsAdvertiseEntry{
			{Version: 0x000A0701, Flags: 0}, // v10.7
			{Version: 0x000A0600, Flags: 0}, // v10.6
			{Version: 0x000A0502, Flags: 0}, // v10.5
			{Version: 0x000A0400, Flags: 0}, // v10.4
			{Version: 0x000A0301, Flags: 0}, // v10.3
			{Version: 0x000A0200, Flags: 0}, // v10.2
			{Version: 0x000A0100, Flags: 0}, // v10.1
			{Version: 0x000A0002, Flags: 0}, // v10.0
			{Version: 0x00080105, Flags: wireFlagAVC420Enabled}, // v8.1
			{Version: 0x00080004, Flags: 0},                     // v8.0
		}
		if err := tr.Send(transport.ChannelGraphics, wire.EncodeCapsAdvertise(entries)); err != nil {
			st.fail(fmt.Errorf("send caps advertise: %w", err))
		}
	})

	go tr.Start()
	defer tr.Stop()

	select {
	case err := <-st.result:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("timed out after %s waiting for first paint", timeout)
	}
}

func (st *rdpClientState) fail(err error) {
	select {
	case st.result <- err:
	default:
	}
}

func (st *rdpClientState) succeed() {
	select {
	case st.result <- nil:
	default:
	}
}

func (st *rdpClientState) handlePDU(tr *transport.Transport, pdu []byte) {
	cmd, _, err := wire.ParseHeader(pdu)
	if err != nil {
		st.fail(fmt.Errorf("short pdu: %w", err))
		return
	}
	body := pdu[8:]

	switch cmd {
	case wire.CmdCapsConfirm:
		version, _, err := wire.DecodeCapsConfirm(body)
		if err != nil {
			st.fail(err)
			return
		}
		st.mu.Lock()
		st.negotiatedVersion = version
		st.gotCapsConfirm = true
		st.mu.Unlock()
		log.Info("capability negotiated", "version", fmt.Sprintf("0x%08x", version))

	case wire.CmdCreateSurface:
		surfaceID, width, height, _, err := wire.DecodeCreateSurface(body)
		if err != nil {
			st.fail(err)
			return
		}
		st.mu.Lock()
		st.surfaceID, st.width, st.height = surfaceID, width, height
		st.gotSurface = true
		st.mu.Unlock()
		log.Info("surface created", "width", width, "height", height)

	case wire.CmdWireToSurface1:
		ws1, err := wire.DecodeWireToSurface1(body)
		if err != nil {
			st.fail(err)
			return
		}
		st.checkFullPaint(ws1)

	case wire.CmdEndFrame:
		st.mu.Lock()
		covered := st.sawFullPaint
		st.mu.Unlock()
		if covered {
			st.succeed()
		}
	}
}

func (st *rdpClientState) checkFullPaint(ws1 wire.WireToSurface1) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.gotSurface {
		return
	}
	if ws1.SurfaceID != st.surfaceID {
		return
	}
	r := ws1.Covered
	if r.Left == 0 && r.Top == 0 && r.Right == st.width && r.Bottom == st.height {
		st.sawFullPaint = true
	}
}
