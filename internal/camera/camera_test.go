package camera

import (
	"testing"
	"time"

	"github.com/GNOME/gnome-remote-desktop-sub002/pkg/api"
)

func TestSanitizeDVCNameRejectsReservedNames(t *testing.T) {
	if err := sanitizeDVCName("rdpsnd"); err == nil {
		t.Fatalf("expected reserved SVC name to be rejected")
	}
	if err := sanitizeDVCName("Microsoft::Windows::RDS::Graphics"); err == nil {
		t.Fatalf("expected reserved DVC name to be rejected")
	}
	if err := sanitizeDVCName("MyWebcam"); err != nil {
		t.Fatalf("expected ordinary name to be accepted, got %v", err)
	}
}

func TestSanitizeDVCNameRejectsOutOfBoundsLength(t *testing.T) {
	if err := sanitizeDVCName(""); err == nil {
		t.Fatalf("expected empty name to be rejected")
	}

	tooLong := make([]byte, maxDVCNameLen+1)
	for i := range tooLong {
		tooLong[i] = 'a'
	}
	if err := sanitizeDVCName(string(tooLong)); err == nil {
		t.Fatalf("expected over-length name to be rejected")
	}
}

type fakeBackend struct {
	created []string
	destroyed []string
}

func (f *fakeBackend) CreateDevice(info api.DeviceInfo) (*Device, error) {
	f.created = append(f.created, info.DVCName)
	return NewDevice(info, noopTransport{}, nil), nil
}

func (f *fakeBackend) DestroyDevice(dvcName string) {
	f.destroyed = append(f.destroyed, dvcName)
}

type noopTransport struct{}

func (noopTransport) SendActivateDeviceRequest() error                             { return nil }
func (noopTransport) SendStreamListRequest() error                                 { return nil }
func (noopTransport) SendMediaTypeListRequest(streamIndex uint8) error              { return nil }
func (noopTransport) SendStartStreamsRequest(uint32, map[uint8]int) error           { return nil }
func (noopTransport) SendStopStreamsRequest() error                                { return nil }
func (noopTransport) SendSampleRequest(streamIndex uint8, buffer SampleBuffer) error { return nil }

func TestEnumeratorAddDeviceIsDeferredUntilRunTick(t *testing.T) {
	backend := &fakeBackend{}
	enumerator := NewEnumerator(backend)
	if _, err := enumerator.HandleSelectVersionRequest(2); err != nil {
		t.Fatalf("HandleSelectVersionRequest: %v", err)
	}

	done := make(chan struct{})
	go enumerator.Run(done)
	defer close(done)

	if err := enumerator.AddDevice(api.DeviceInfo{DVCName: "webcam0", DeviceName: "Webcam"}); err != nil {
		t.Fatalf("AddDevice: %v", err)
	}

	waitForCondition(t, func() bool { return len(enumerator.Devices()) == 1 })
	if backend.created[0] != "webcam0" {
		t.Fatalf("created = %v, want [webcam0]", backend.created)
	}
}

func TestEnumeratorNegotiatesLowerVersion(t *testing.T) {
	enumerator := NewEnumerator(&fakeBackend{})
	got, err := enumerator.HandleSelectVersionRequest(1)
	if err != nil {
		t.Fatalf("HandleSelectVersionRequest: %v", err)
	}
	if got != 1 {
		t.Fatalf("negotiated version = %d, want 1", got)
	}

	enumerator = NewEnumerator(&fakeBackend{})
	got, err = enumerator.HandleSelectVersionRequest(9)
	if err != nil {
		t.Fatalf("HandleSelectVersionRequest: %v", err)
	}
	if got != ServerVersion {
		t.Fatalf("negotiated version = %d, want %d", got, ServerVersion)
	}
}

func TestEnumeratorRejectsRepeatedVersionRequest(t *testing.T) {
	enumerator := NewEnumerator(&fakeBackend{})
	if _, err := enumerator.HandleSelectVersionRequest(2); err != nil {
		t.Fatalf("HandleSelectVersionRequest: %v", err)
	}
	if _, err := enumerator.HandleSelectVersionRequest(2); err == nil {
		t.Fatalf("expected a second SelectVersionRequest to be rejected")
	}
}

func TestDeviceActivateRequiresPendingActivationState(t *testing.T) {
	device := NewDevice(api.DeviceInfo{DVCName: "cam"}, noopTransport{}, nil)
	if err := device.Activate(); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if device.State() != DeviceStatePendingActivationResponse {
		t.Fatalf("state = %s, want PENDING_ACTIVATION_RESPONSE", device.State())
	}
	if err := device.Activate(); err == nil {
		t.Fatalf("expected second Activate call to fail")
	}
}

func TestDeviceStreamListResponseRequiresNonEmptyList(t *testing.T) {
	device := NewDevice(api.DeviceInfo{DVCName: "cam"}, noopTransport{}, nil)
	device.Activate()
	device.HandleSuccessResponse() // -> PENDING_STREAM_LIST_RESPONSE

	device.HandleStreamListResponse(nil, func(uint8) (*CameraStream, error) {
		t.Fatalf("newStream should not be called for an empty list")
		return nil, nil
	})

	if device.State() != DeviceStateFatalError {
		t.Fatalf("state = %s, want FATAL_ERROR", device.State())
	}
}

func TestDeviceFatalErrorNotifiesCallback(t *testing.T) {
	var notified string
	device := NewDevice(api.DeviceInfo{DVCName: "cam"}, noopTransport{}, func(name string) { notified = name })

	device.HandleErrorResponse("Unexpected Error")

	if device.State() != DeviceStateFatalError {
		t.Fatalf("state = %s, want FATAL_ERROR", device.State())
	}
	if notified != "cam" {
		t.Fatalf("onFatalError called with %q, want cam", notified)
	}
}

func waitForCondition(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition never became true")
}
