package main

import (
	"crypto/des"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"
)

const vncPasswordEnvVar = "GNOME_REMOTE_DESKTOP_TEST_VNC_PASSWORD"

var (
	vncServerAddr string
	vncTimeout    time.Duration
)

var vncCmd = &cobra.Command{
	Use:   "vnc",
	Short: "Connect over RFB and verify the first framebuffer update size",
	Run: func(cmd *cobra.Command, args []string) {
		if err := runVNCTest(vncServerAddr, vncTimeout); err != nil {
			fmt.Fprintf(os.Stderr, "vnc test failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("vnc test passed")
	},
}

func init() {
	vncCmd.Flags().StringVar(&vncServerAddr, "server", "127.0.0.1:5900", "server host:port")
	vncCmd.Flags().DurationVar(&vncTimeout, "timeout", 10*time.Second, "time to wait for the first framebuffer update")
}

// expectedWidth/expectedHeight are scenario S2's fixed expectation (spec.md
// §"Concrete end-to-end scenarios").
const (
	expectedWidth  = 1024
	expectedHeight = 768
)

// runVNCTest performs just enough of RFB 3.8 to drive VNC Authentication
// and read one FramebufferUpdate, then checks its reported size. It
// intentionally does not decode pixel data: the scenario only needs the
// negotiated framebuffer size, mirroring the original C test client's own
// MallocFrameBuffer/GotFrameBufferUpdate callbacks.
func runVNCTest(addr string, timeout time.Duration) error {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(timeout))

	if err := handshakeVersion(conn); err != nil {
		return err
	}
	if err := authenticate(conn); err != nil {
		return err
	}
	if err := initClient(conn); err != nil {
		return err
	}

	width, height, err := readFirstFramebufferUpdate(conn)
	if err != nil {
		return err
	}
	if width != expectedWidth || height != expectedHeight {
		return fmt.Errorf("framebuffer size %dx%d, want %dx%d", width, height, expectedWidth, expectedHeight)
	}
	return nil
}

// handshakeVersion exchanges the RFB protocol version string and pins the
// client to 3.8, the only version this daemon's protocol stack targets.
func handshakeVersion(conn net.Conn) error {
	serverVersion := make([]byte, 12)
	if _, err := io.ReadFull(conn, serverVersion); err != nil {
		return fmt.Errorf("read server version: %w", err)
	}
	clientVersion := []byte("RFB 003.008\n")
	if _, err := conn.Write(clientVersion); err != nil {
		return fmt.Errorf("write client version: %w", err)
	}
	return nil
}

// authenticate performs RFB 3.8 security negotiation, selecting VNC
// Authentication (type 2) and solving its DES challenge with the password
// read from vncPasswordEnvVar.
func authenticate(conn net.Conn) error {
	var numTypes [1]byte
	if _, err := io.ReadFull(conn, numTypes[:]); err != nil {
		return fmt.Errorf("read security type count: %w", err)
	}
	types := make([]byte, numTypes[0])
	if _, err := io.ReadFull(conn, types); err != nil {
		return fmt.Errorf("read security types: %w", err)
	}

	const secTypeVNCAuth = 2
	found := false
	for _, t := range types {
		if t == secTypeVNCAuth {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("server does not offer VNC Authentication (offered %v)", types)
	}

	if _, err := conn.Write([]byte{secTypeVNCAuth}); err != nil {
		return fmt.Errorf("select security type: %w", err)
	}

	challenge := make([]byte, 16)
	if _, err := io.ReadFull(conn, challenge); err != nil {
		return fmt.Errorf("read auth challenge: %w", err)
	}

	password := os.Getenv(vncPasswordEnvVar)
	if password == "" {
		return fmt.Errorf("%s not set", vncPasswordEnvVar)
	}

	response, err := desEncryptChallenge(challenge, password)
	if err != nil {
		return fmt.Errorf("encrypt challenge: %w", err)
	}
	if _, err := conn.Write(response); err != nil {
		return fmt.Errorf("write auth response: %w", err)
	}

	var result [4]byte
	if _, err := io.ReadFull(conn, result[:]); err != nil {
		return fmt.Errorf("read security result: %w", err)
	}
	if binary.BigEndian.Uint32(result[:]) != 0 {
		return fmt.Errorf("authentication rejected by server")
	}
	return nil
}

// desEncryptChallenge implements VNC Authentication's DES step: the
// password is truncated/zero-padded to 8 bytes and each byte has its bits
// reversed before use as the DES key, a quirk of the original RFB
// implementation that every compliant VNC server and client still
// replicates.
func desEncryptChallenge(challenge []byte, password string) ([]byte, error) {
	key := make([]byte, 8)
	copy(key, password)
	for i, b := range key {
		key[i] = reverseBits(b)
	}

	block, err := des.NewCipher(key)
	if err != nil {
		return nil, err
	}

	response := make([]byte, 16)
	block.Encrypt(response[0:8], challenge[0:8])
	block.Encrypt(response[8:16], challenge[8:16])
	return response, nil
}

func reverseBits(b byte) byte {
	var r byte
	for i := 0; i < 8; i++ {
		r <<= 1
		r |= b & 1
		b >>= 1
	}
	return r
}

// initClient sends ClientInit (non-shared session) and discards ServerInit
// beyond the point the caller doesn't need: this test only cares about the
// first FramebufferUpdate's geometry, not ServerInit's initial size or
// pixel format, since a real client would immediately request a fresh
// update anyway (canHandleNewFBSize-style behavior in the original client).
func initClient(conn net.Conn) error {
	if _, err := conn.Write([]byte{0}); err != nil { // shared-flag = false
		return fmt.Errorf("write client init: %w", err)
	}

	var fbWidth, fbHeight [2]byte
	if _, err := io.ReadFull(conn, fbWidth[:]); err != nil {
		return fmt.Errorf("read server init width: %w", err)
	}
	if _, err := io.ReadFull(conn, fbHeight[:]); err != nil {
		return fmt.Errorf("read server init height: %w", err)
	}

	var pixelFormat [16]byte
	if _, err := io.ReadFull(conn, pixelFormat[:]); err != nil {
		return fmt.Errorf("read server init pixel format: %w", err)
	}

	var nameLen [4]byte
	if _, err := io.ReadFull(conn, nameLen[:]); err != nil {
		return fmt.Errorf("read server init name length: %w", err)
	}
	name := make([]byte, binary.BigEndian.Uint32(nameLen[:]))
	if _, err := io.ReadFull(conn, name); err != nil {
		return fmt.Errorf("read server init name: %w", err)
	}

	return sendFramebufferUpdateRequest(conn, false, 0, 0,
		int(binary.BigEndian.Uint16(fbWidth[:])), int(binary.BigEndian.Uint16(fbHeight[:])))
}

func sendFramebufferUpdateRequest(conn net.Conn, incremental bool, x, y, w, h int) error {
	req := make([]byte, 10)
	req[0] = 3 // FramebufferUpdateRequest message type
	if incremental {
		req[1] = 1
	}
	binary.BigEndian.PutUint16(req[2:4], uint16(x))
	binary.BigEndian.PutUint16(req[4:6], uint16(y))
	binary.BigEndian.PutUint16(req[6:8], uint16(w))
	binary.BigEndian.PutUint16(req[8:10], uint16(h))
	_, err := conn.Write(req)
	return err
}

// readFirstFramebufferUpdate reads the first server->client message,
// which must be a FramebufferUpdate (any other message type is an
// error), returning the bounding size of its first rectangle (the size
// this daemon's single full-surface paint covers).
func readFirstFramebufferUpdate(conn net.Conn) (width, height int, err error) {
	for {
		var msgType [1]byte
		if _, err := io.ReadFull(conn, msgType[:]); err != nil {
			return 0, 0, fmt.Errorf("read message type: %w", err)
		}

		switch msgType[0] {
		case 0: // FramebufferUpdate
			return readFramebufferUpdateBody(conn)
		default:
			return 0, 0, fmt.Errorf("unexpected message type %d before framebuffer update", msgType[0])
		}
	}
}

func readFramebufferUpdateBody(conn net.Conn) (width, height int, err error) {
	var header [4]byte // padding byte + number-of-rectangles
	if _, err := io.ReadFull(conn, header[:]); err != nil {
		return 0, 0, fmt.Errorf("read framebuffer update header: %w", err)
	}
	numRects := binary.BigEndian.Uint16(header[2:4])
	if numRects == 0 {
		return 0, 0, fmt.Errorf("framebuffer update with no rectangles")
	}

	var rectHeader [12]byte
	if _, err := io.ReadFull(conn, rectHeader[:]); err != nil {
		return 0, 0, fmt.Errorf("read rectangle header: %w", err)
	}
	w := int(binary.BigEndian.Uint16(rectHeader[4:6]))
	h := int(binary.BigEndian.Uint16(rectHeader[6:8]))
	return w, h, nil
}
