package main

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/GNOME/gnome-remote-desktop-sub002/internal/camera"
	"github.com/GNOME/gnome-remote-desktop-sub002/internal/camera/decode"
	"github.com/GNOME/gnome-remote-desktop-sub002/internal/dvc/transport"
	"github.com/GNOME/gnome-remote-desktop-sub002/pkg/api"
)

// cameraMsg is the JSON envelope carried over transport.ChannelCamera.
// [MS-RDPECAM] is a binary TLV protocol; this daemon's camera.Device
// already treats its Transport collaborator as an abstract request/
// response boundary (see internal/camera/device.go's Transport
// interface), so the channel carries one tagged JSON object per request
// or response rather than a byte-exact RDPECAM codec.
type cameraMsg struct {
	Type string `json:"type"`

	// select_version_request / select_version_response
	Version uint32 `json:"version,omitempty"`

	// device_announce / device_remove / every device-scoped message
	DVCName    string `json:"dvc_name,omitempty"`
	DeviceName string `json:"device_name,omitempty"`

	// error_response
	Reason string `json:"reason,omitempty"`

	// stream_list_response
	StreamIndexes []uint8 `json:"stream_indexes,omitempty"`

	// media_type_list_request / media_type_list_response
	StreamIndex uint8                      `json:"stream_index,omitempty"`
	MediaTypes  []api.MediaTypeDescription `json:"media_types,omitempty"`

	// start_streams_request
	RunSequence uint32        `json:"run_sequence,omitempty"`
	Selections  map[uint8]int `json:"selections,omitempty"`

	// sample_request / sample_response
	BufferID uint64 `json:"buffer_id,omitempty"`
	Payload  []byte `json:"payload,omitempty"`
	Success  bool   `json:"success,omitempty"`
}

// discardCameraSource is the LocalSource decoded camera frames publish
// through. A headless daemon has no screen-sharing or application
// consumer wired up to receive them, so frames are decoded (exercising
// the full [MS-RDPECAM] sample pipeline end to end) and then dropped.
type discardCameraSource struct{}

func (discardCameraSource) Publish(decode.Frame) error { return nil }

// jsonTransport implements camera.Transport by marshaling each outbound
// [MS-RDPECAM] request as a cameraMsg sent over ChannelCamera.
type jsonTransport struct {
	sess    *Session
	dvcName string
}

func (t jsonTransport) send(msg cameraMsg) error {
	msg.DVCName = t.dvcName
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("camera: marshal %s: %w", msg.Type, err)
	}
	return t.sess.conn.Send(transport.ChannelCamera, body)
}

func (t jsonTransport) SendActivateDeviceRequest() error {
	return t.send(cameraMsg{Type: "activate_device_request"})
}

func (t jsonTransport) SendStreamListRequest() error {
	return t.send(cameraMsg{Type: "stream_list_request"})
}

func (t jsonTransport) SendMediaTypeListRequest(streamIndex uint8) error {
	return t.send(cameraMsg{Type: "media_type_list_request", StreamIndex: streamIndex})
}

func (t jsonTransport) SendStartStreamsRequest(runSequence uint32, selections map[uint8]int) error {
	return t.send(cameraMsg{Type: "start_streams_request", RunSequence: runSequence, Selections: selections})
}

func (t jsonTransport) SendStopStreamsRequest() error {
	return t.send(cameraMsg{Type: "stop_streams_request"})
}

func (t jsonTransport) SendSampleRequest(streamIndex uint8, buffer camera.SampleBuffer) error {
	return t.send(cameraMsg{Type: "sample_request", StreamIndex: streamIndex, BufferID: buffer.ID})
}

// cameraBackend implements camera.Backend: it constructs a Device per
// enumerated DVC name, wired to a jsonTransport scoped to that name, and
// keeps a registry session.handleCameraPDU uses to route inbound
// responses back to the right Device.
type cameraBackend struct {
	sess *Session

	mu      sync.Mutex
	devices map[string]*camera.Device
}

func newCameraBackend(sess *Session) *cameraBackend {
	return &cameraBackend{sess: sess, devices: make(map[string]*camera.Device)}
}

func (b *cameraBackend) CreateDevice(info api.DeviceInfo) (*camera.Device, error) {
	dev := camera.NewDevice(info, jsonTransport{sess: b.sess, dvcName: info.DVCName}, b.sess.onCameraDeviceFatal)

	b.mu.Lock()
	b.devices[info.DVCName] = dev
	b.mu.Unlock()

	if err := dev.Activate(); err != nil {
		return nil, err
	}
	return dev, nil
}

func (b *cameraBackend) DestroyDevice(dvcName string) {
	b.mu.Lock()
	dev, ok := b.devices[dvcName]
	delete(b.devices, dvcName)
	b.mu.Unlock()
	if ok {
		dev.Shutdown()
	}
}

func (b *cameraBackend) lookup(dvcName string) (*camera.Device, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	dev, ok := b.devices[dvcName]
	return dev, ok
}

// startCameraRedirection constructs the session's camera enumerator. It
// is a no-op beyond construction: devices only appear once the client
// announces them over ChannelCamera, matching the deferred,
// notification-driven enumeration internal/camera.Enumerator implements.
func (s *Session) startCameraRedirection() {
	backend := newCameraBackend(s)
	enumerator := camera.NewEnumerator(backend)

	s.mu.Lock()
	s.cameraBackend = backend
	s.cameraEnumerator = enumerator
	s.cameraDone = make(chan struct{})
	done := s.cameraDone
	s.mu.Unlock()

	go enumerator.Run(done)
}

func (s *Session) onCameraDeviceFatal(dvcName string) {
	log.Warn("camera device entered fatal error state, removing", "dvc_name", dvcName)
	s.mu.Lock()
	enumerator := s.cameraEnumerator
	s.mu.Unlock()
	if enumerator != nil {
		enumerator.OnDeviceError(dvcName)
	}
}

func (s *Session) handleCameraPDU(pdu []byte) {
	s.mu.Lock()
	enumerator := s.cameraEnumerator
	backend := s.cameraBackend
	s.mu.Unlock()
	if enumerator == nil || backend == nil {
		return
	}

	var msg cameraMsg
	if err := json.Unmarshal(pdu, &msg); err != nil {
		log.Warn("malformed camera channel message", "error", err)
		return
	}

	switch msg.Type {
	case "select_version_request":
		negotiated, err := enumerator.HandleSelectVersionRequest(msg.Version)
		if err != nil {
			log.Warn("camera version negotiation rejected", "error", err)
			return
		}
		s.conn.Send(transport.ChannelCamera, marshalOrNil(cameraMsg{Type: "select_version_response", Version: negotiated}))

	case "device_announce":
		if err := enumerator.AddDevice(api.DeviceInfo{DVCName: msg.DVCName, DeviceName: msg.DeviceName}); err != nil {
			log.Warn("rejected camera device announcement", "dvc_name", msg.DVCName, "error", err)
		}

	case "device_remove":
		enumerator.RemoveDevice(msg.DVCName)

	default:
		dev, ok := backend.lookup(msg.DVCName)
		if !ok {
			log.Debug("camera message for unknown device", "dvc_name", msg.DVCName, "type", msg.Type)
			return
		}
		s.routeDeviceMessage(dev, msg)
	}
}

func (s *Session) routeDeviceMessage(dev *camera.Device, msg cameraMsg) {
	switch msg.Type {
	case "success_response":
		dev.HandleSuccessResponse()

	case "error_response":
		dev.HandleErrorResponse(msg.Reason)

	case "stream_list_response":
		dev.HandleStreamListResponse(msg.StreamIndexes, func(idx uint8) (*camera.CameraStream, error) {
			return camera.NewCameraStream(msg.DeviceName, idx, discardCameraSource{}, dev.RequestSample)
		})

	case "media_type_list_response":
		dev.HandleMediaTypeListResponse(msg.MediaTypes)
		// FinishPreparation no-ops (with a benign error this daemon
		// doesn't need to surface) until the last pending stream's media
		// types have arrived, per HandleMediaTypeListResponse's own
		// state gate.
		dev.FinishPreparation()

	case "sample_response":
		if stream, ok := dev.Stream(msg.StreamIndex); ok {
			stream.SubmitSample(camera.SampleBuffer{ID: msg.BufferID}, msg.Payload, msg.Success)
		}

	default:
		log.Debug("unhandled camera message type", "type", msg.Type)
	}
}

func marshalOrNil(msg cameraMsg) []byte {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil
	}
	return body
}
