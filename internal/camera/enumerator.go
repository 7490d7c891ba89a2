// Package camera implements RDP camera redirection ([MS-RDPECAM]): the
// device enumerator DVC, per-device state machines, per-stream sample
// pacing and the software decode path that republishes client camera
// frames as a local capture source (§4.5, §4.6).
package camera

import (
	"fmt"
	"strings"
	"sync"
	"unicode/utf16"

	"github.com/GNOME/gnome-remote-desktop-sub002/internal/grderr"
	"github.com/GNOME/gnome-remote-desktop-sub002/internal/logging"
	"github.com/GNOME/gnome-remote-desktop-sub002/pkg/api"
)

var log = logging.L("camera")

// ServerVersion is this server's [MS-RDPECAM] enumerator protocol
// version. The negotiated version is min(ServerVersion, peer version),
// ported from grd_rdp_dvc_camera_enumerator_maybe_init.
const ServerVersion = 2

// maxDVCNameLen is [MS-RDPECAM]'s byte bound on a camera device's DVC
// channel name, checked the same way the C enumerator checks it: by
// byte length (strlen), not rune count.
const maxDVCNameLen = 256

// reservedSVCNames and reservedDVCNames are channel names camera
// redirection refuses to enumerate a device under, ported verbatim from
// reserved_svc_names/reserved_dvc_names in grd-rdp-dvc-camera-enumerator.c.
var reservedSVCNames = []string{
	"cliprdr", "drdynvc", "rdpdr", "rdpsnd", "drdynvc_disp",
}

var reservedDVCNames = []string{
	"Microsoft::Windows::RDS::Graphics",
	"Microsoft::Windows::RDS::DisplayControl",
	"Microsoft::Windows::RDS::AudioInput",
	"Microsoft::Windows::RDS::Telemetry",
	"Microsoft::Windows::RDS::Geometry",
	"Microsoft::Windows::RDS::Video",
}

// enumeratorState mirrors the C enumerator's implicit state: whether
// the DVC channel has opened and whether SelectVersionRequest/Response
// has completed.
type enumeratorState struct {
	channelOpened bool
	initialized   bool
	peerVersion   uint32
}

// Backend is the collaborator the enumerator drives to actually create
// and destroy per-device DVC channels, the Go-side stand-in for
// CameraDeviceServerContext construction in the C enumerator.
type Backend interface {
	CreateDevice(info api.DeviceInfo) (*Device, error)
	DestroyDevice(dvcName string)
}

// Enumerator is the RDPECAM "camera device enumerator" DVC: it learns
// about client-announced camera devices through AddDevice/RemoveDevice, and once
// protocol version negotiation has completed, asks Backend to open one
// DVC channel per device (§4.5 "Device enumerator").
type Enumerator struct {
	backend Backend

	mu    sync.Mutex
	state enumeratorState

	pendingMu      sync.Mutex
	pendingAdd     map[string]api.DeviceInfo
	pendingRemove  map[string]struct{}
	resizeArm      chan struct{}

	devicesMu sync.Mutex
	devices   map[string]*Device
}

// NewEnumerator constructs an Enumerator driving backend. Callers must
// call Run in a goroutine to process queued add/remove notifications.
func NewEnumerator(backend Backend) *Enumerator {
	e := &Enumerator{
		backend:       backend,
		pendingAdd:    make(map[string]api.DeviceInfo),
		pendingRemove: make(map[string]struct{}),
		resizeArm:     make(chan struct{}, 1),
		devices:       make(map[string]*Device),
	}
	return e
}

// Run processes queued device add/remove notifications until done is
// closed. It mirrors the GSource-with-ready-time idiom the bufferpool
// package's resizeWorker uses for deferred work: callers arm the
// channel, a single goroutine drains it.
func (e *Enumerator) Run(done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-e.resizeArm:
			e.manageDevices()
		}
	}
}

// HandleSelectVersionRequest negotiates the enumerator protocol version,
// matching select_version_request_cb: the effective version is the lower
// of ServerVersion and the peer's requested version. A second version
// request on an already-initialized enumerator is a protocol violation.
func (e *Enumerator) HandleSelectVersionRequest(peerVersion uint32) (uint32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.initialized {
		return 0, grderr.Wrap(grderr.ProtocolViolation, "camera: repeated SelectVersionRequest", nil)
	}

	negotiated := peerVersion
	if ServerVersion < negotiated {
		negotiated = ServerVersion
	}
	e.state.peerVersion = negotiated
	e.state.initialized = true

	log.Info("negotiated camera enumerator protocol version", "version", negotiated)
	return negotiated, nil
}

// sanitizeDVCName validates a candidate DVC channel name against the
// length bound and reserved-name lists, returning grderr.ProtocolViolation
// if it cannot be used.
func sanitizeDVCName(name string) error {
	if len(name) == 0 || len(name) > maxDVCNameLen {
		return grderr.Wrap(grderr.ProtocolViolation, fmt.Sprintf("camera: DVC name length %d out of bounds", len(name)), nil)
	}
	for _, reserved := range reservedSVCNames {
		if strings.EqualFold(name, reserved) {
			return grderr.Wrap(grderr.ProtocolViolation, fmt.Sprintf("camera: DVC name %q collides with a reserved SVC name", name), nil)
		}
	}
	for _, reserved := range reservedDVCNames {
		if strings.EqualFold(name, reserved) {
			return grderr.Wrap(grderr.ProtocolViolation, fmt.Sprintf("camera: DVC name %q collides with a reserved DVC name", name), nil)
		}
	}
	return nil
}

// utf16DeviceName converts a UTF-16LE device name, as it appears over
// the wire, into a UTF-8 Go string.
func utf16DeviceName(units []uint16) string {
	return string(utf16.Decode(units))
}

// AddDevice queues a client-announced camera device for enumeration.
// Its device channel is opened through Backend once Run's next tick
// processes the queue, matching grd_rdp_dvc_camera_enumerator_add_device's deferred
// application via g_source_set_ready_time.
func (e *Enumerator) AddDevice(info api.DeviceInfo) error {
	if err := sanitizeDVCName(info.DVCName); err != nil {
		return err
	}

	e.pendingMu.Lock()
	delete(e.pendingRemove, info.DVCName)
	e.pendingAdd[info.DVCName] = info
	e.pendingMu.Unlock()

	e.arm()
	return nil
}

// RemoveDevice queues a capture device for removal.
func (e *Enumerator) RemoveDevice(dvcName string) {
	e.pendingMu.Lock()
	delete(e.pendingAdd, dvcName)
	e.pendingRemove[dvcName] = struct{}{}
	e.pendingMu.Unlock()

	e.arm()
}

// OnDeviceError synthesizes a remove notification for a device that
// reported a fatal protocol error, matching on_device_error in the C
// enumerator: the device is torn down as though the capture source had
// disappeared.
func (e *Enumerator) OnDeviceError(dvcName string) {
	log.Warn("removing camera device after fatal error", "dvc_name", dvcName)
	e.RemoveDevice(dvcName)
}

func (e *Enumerator) arm() {
	select {
	case e.resizeArm <- struct{}{}:
	default:
	}
}

func (e *Enumerator) manageDevices() {
	e.mu.Lock()
	initialized := e.state.initialized
	e.mu.Unlock()
	if !initialized {
		return
	}

	e.pendingMu.Lock()
	toAdd := e.pendingAdd
	toRemove := e.pendingRemove
	e.pendingAdd = make(map[string]api.DeviceInfo)
	e.pendingRemove = make(map[string]struct{})
	e.pendingMu.Unlock()

	e.devicesMu.Lock()
	defer e.devicesMu.Unlock()

	for name := range toRemove {
		if _, ok := e.devices[name]; !ok {
			continue
		}
		e.backend.DestroyDevice(name)
		delete(e.devices, name)
	}

	for name, info := range toAdd {
		if _, ok := e.devices[name]; ok {
			continue
		}
		device, err := e.backend.CreateDevice(info)
		if err != nil {
			log.Warn("failed to create camera device", "dvc_name", name, "error", err)
			continue
		}
		e.devices[name] = device
	}
}

// Devices returns the DVC names of every currently enumerated device.
func (e *Enumerator) Devices() []string {
	e.devicesMu.Lock()
	defer e.devicesMu.Unlock()

	names := make([]string, 0, len(e.devices))
	for name := range e.devices {
		names = append(names, name)
	}
	return names
}
