package transport

import "testing"

// TestSendOnStoppedTransportFails exercises the done-channel fast path
// without requiring a live websocket connection.
func TestSendOnStoppedTransportFails(t *testing.T) {
	tr := New(Config{ServerURL: "ws://127.0.0.1:0/"}, nil)
	close(tr.done)

	if err := tr.Send(ChannelGraphics, []byte{0x01}); err == nil {
		t.Fatal("expected Send on a stopped transport to fail")
	}
}

// TestSendQueueFullDropsFrame exercises the non-blocking drop path used
// when the writer can't keep up.
func TestSendQueueFullDropsFrame(t *testing.T) {
	tr := New(Config{ServerURL: "ws://127.0.0.1:0/"}, nil)

	var lastErr error
	for i := 0; i < sendQueueDepth+5; i++ {
		if err := tr.Send(ChannelCamera, []byte{byte(i)}); err != nil {
			lastErr = err
		}
	}
	if lastErr == nil {
		t.Fatal("expected at least one dropped frame once the queue fills")
	}
}
