package camera

import (
	"fmt"
	"sync"

	"github.com/GNOME/gnome-remote-desktop-sub002/internal/camera/decode"
	"github.com/GNOME/gnome-remote-desktop-sub002/internal/grderr"
	"github.com/GNOME/gnome-remote-desktop-sub002/pkg/api"
)

// DeviceState is one state of the per-device [MS-RDPECAM] activation
// state machine, ported from DeviceState in grd-rdp-dvc-camera-device.c.
type DeviceState int

const (
	DeviceStatePendingActivation DeviceState = iota
	DeviceStatePendingActivationResponse
	DeviceStatePendingStreamListResponse
	DeviceStatePendingMediaTypeListResponse
	DeviceStatePendingStreamPreparation
	DeviceStateInitializationDone
	DeviceStateInShutdown
	DeviceStateFatalError
)

func (s DeviceState) String() string {
	switch s {
	case DeviceStatePendingActivation:
		return "PENDING_ACTIVATION"
	case DeviceStatePendingActivationResponse:
		return "PENDING_ACTIVATION_RESPONSE"
	case DeviceStatePendingStreamListResponse:
		return "PENDING_STREAM_LIST_RESPONSE"
	case DeviceStatePendingMediaTypeListResponse:
		return "PENDING_MEDIA_TYPE_LIST_RESPONSE"
	case DeviceStatePendingStreamPreparation:
		return "PENDING_STREAM_PREPARATION"
	case DeviceStateInitializationDone:
		return "INITIALIZATION_DONE"
	case DeviceStateInShutdown:
		return "IN_SHUTDOWN"
	case DeviceStateFatalError:
		return "FATAL_ERROR"
	default:
		return "UNKNOWN"
	}
}

// clientRequestType tracks the single runtime request [MS-RDPECAM]
// permits to be outstanding at once, matching CLIENT_REQUEST_TYPE_*.
type clientRequestType int

const (
	clientRequestNone clientRequestType = iota
	clientRequestStartStreams
	clientRequestStopStreams
)

// Transport is the channel-level collaborator a Device sends
// [MS-RDPECAM] requests through; it stands in for CameraDeviceServerContext's
// function-pointer callbacks (StreamListRequest, MediaTypeListRequest,
// SampleRequest, ...).
type Transport interface {
	SendActivateDeviceRequest() error
	SendStreamListRequest() error
	SendMediaTypeListRequest(streamIndex uint8) error
	SendStartStreamsRequest(runSequence uint32, selections map[uint8]int) error
	SendStopStreamsRequest() error
	SendSampleRequest(streamIndex uint8, buffer SampleBuffer) error
}

// Device is one enumerated camera's [MS-RDPECAM] DVC channel: its
// activation state machine, discovered streams, and in-flight
// client-request tracking (§4.6 "Per-device state machine").
type Device struct {
	dvcName    string
	deviceName string
	transport  Transport

	stateMu sync.Mutex
	state   DeviceState

	streamsMu       sync.Mutex
	streams         map[uint8]*CameraStream
	pendingMediaTypeLists []uint8
	runningStreams  map[uint8]struct{}
	queuedRestarts  map[uint8]struct{}

	requestMu           sync.Mutex
	pendingRequest      bool
	pendingRequestType  clientRequestType

	onFatalError func(dvcName string)
}

// NewDevice constructs a Device for the DVC channel dvcName, beginning
// in PENDING_ACTIVATION, matching grd_rdp_dvc_camera_device_new.
func NewDevice(info api.DeviceInfo, transport Transport, onFatalError func(string)) *Device {
	return &Device{
		dvcName:        info.DVCName,
		deviceName:     info.DeviceName,
		transport:      transport,
		state:          DeviceStatePendingActivation,
		streams:        make(map[uint8]*CameraStream),
		runningStreams: make(map[uint8]struct{}),
		queuedRestarts: make(map[uint8]struct{}),
		onFatalError:   onFatalError,
	}
}

// DVCName returns the device's dynamic virtual channel name.
func (d *Device) DVCName() string { return d.dvcName }

// State returns the device's current activation state.
func (d *Device) State() DeviceState {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	return d.state
}

func (d *Device) transitionFatal(reason error) {
	d.stateMu.Lock()
	d.state = DeviceStateFatalError
	d.stateMu.Unlock()

	log.Warn("camera device entering fatal error state", "dvc_name", d.dvcName, "reason", reason)
	if d.onFatalError != nil {
		d.onFatalError(d.dvcName)
	}
}

// Activate kicks the state machine off by sending ActivateDeviceRequest,
// matching the device's channel-id-assigned -> creation-status-success
// path that leads into PENDING_ACTIVATION_RESPONSE.
func (d *Device) Activate() error {
	d.stateMu.Lock()
	if d.state != DeviceStatePendingActivation {
		d.stateMu.Unlock()
		return grderr.Wrap(grderr.ProtocolViolation, fmt.Sprintf("camera: Activate called in state %s", d.state), nil)
	}
	d.state = DeviceStatePendingActivationResponse
	d.stateMu.Unlock()

	return d.transport.SendActivateDeviceRequest()
}

// HandleSuccessResponse processes a CAM_SUCCESS_RESPONSE, matching
// device_success_response: the action depends entirely on the device's
// current state.
func (d *Device) HandleSuccessResponse() {
	d.stateMu.Lock()
	state := d.state
	d.stateMu.Unlock()

	switch state {
	case DeviceStateFatalError, DeviceStateInShutdown:
		return
	case DeviceStatePendingActivation, DeviceStatePendingStreamListResponse,
		DeviceStatePendingMediaTypeListResponse, DeviceStatePendingStreamPreparation:
		d.transitionFatal(fmt.Errorf("stray success response in state %s", state))
	case DeviceStatePendingActivationResponse:
		d.requestStreamList()
	case DeviceStateInitializationDone:
		d.handleRuntimeSuccess()
	}
}

func (d *Device) requestStreamList() {
	d.stateMu.Lock()
	d.state = DeviceStatePendingStreamListResponse
	d.stateMu.Unlock()

	if err := d.transport.SendStreamListRequest(); err != nil {
		d.transitionFatal(err)
	}
}

func (d *Device) handleRuntimeSuccess() {
	d.requestMu.Lock()
	defer d.requestMu.Unlock()

	if !d.pendingRequest {
		d.transitionFatal(fmt.Errorf("stray runtime success response with no pending request"))
		return
	}
	d.pendingRequest = false
	d.pendingRequestType = clientRequestNone
}

// HandleErrorResponse processes a CAM_ERROR_RESPONSE, matching
// device_error_response: every branch ends in fatal-error, since
// [MS-RDPECAM] offers no recovery path for a rejected request.
func (d *Device) HandleErrorResponse(reason string) {
	d.stateMu.Lock()
	state := d.state
	d.stateMu.Unlock()

	switch state {
	case DeviceStateFatalError, DeviceStateInShutdown:
		return
	default:
		d.transitionFatal(fmt.Errorf("error response %q in state %s", reason, state))
	}
}

// HandleStreamListResponse processes CAM_STREAM_LIST_RESPONSE, matching
// device_stream_list_response: it seeds one CameraStream per descriptor
// and kicks off the media-type-list request chain.
func (d *Device) HandleStreamListResponse(streamIndexes []uint8, newStream func(index uint8) (*CameraStream, error)) {
	d.stateMu.Lock()
	if d.state != DeviceStatePendingStreamListResponse {
		state := d.state
		d.stateMu.Unlock()
		if state != DeviceStateFatalError && state != DeviceStateInShutdown {
			d.transitionFatal(fmt.Errorf("stray stream list response in state %s", state))
		}
		return
	}
	d.stateMu.Unlock()

	if len(streamIndexes) == 0 {
		d.transitionFatal(fmt.Errorf("empty stream list response"))
		return
	}

	d.streamsMu.Lock()
	for _, idx := range streamIndexes {
		stream, err := newStream(idx)
		if err != nil {
			d.streamsMu.Unlock()
			d.transitionFatal(err)
			return
		}
		d.streams[idx] = stream
		d.pendingMediaTypeLists = append(d.pendingMediaTypeLists, idx)
	}
	d.streamsMu.Unlock()

	d.requestNextMediaTypeList()
}

func (d *Device) requestNextMediaTypeList() {
	d.streamsMu.Lock()
	if len(d.pendingMediaTypeLists) == 0 {
		d.streamsMu.Unlock()
		return
	}
	streamIndex := d.pendingMediaTypeLists[0]
	d.streamsMu.Unlock()

	d.stateMu.Lock()
	d.state = DeviceStatePendingMediaTypeListResponse
	d.stateMu.Unlock()

	if err := d.transport.SendMediaTypeListRequest(streamIndex); err != nil {
		d.transitionFatal(err)
	}
}

// HandleMediaTypeListResponse processes CAM_MEDIA_TYPE_LIST_RESPONSE,
// matching device_media_type_list_response: it records the descriptions
// against the stream at the head of the pending queue, then either
// requests the next stream's media types or moves on to stream
// preparation.
func (d *Device) HandleMediaTypeListResponse(descs []api.MediaTypeDescription) {
	d.stateMu.Lock()
	if d.state != DeviceStatePendingMediaTypeListResponse {
		state := d.state
		d.stateMu.Unlock()
		if state != DeviceStateFatalError && state != DeviceStateInShutdown {
			d.transitionFatal(fmt.Errorf("stray media type list response in state %s", state))
		}
		return
	}
	d.stateMu.Unlock()

	if len(descs) == 0 {
		d.transitionFatal(fmt.Errorf("empty media type list response"))
		return
	}

	d.streamsMu.Lock()
	if len(d.pendingMediaTypeLists) == 0 {
		d.streamsMu.Unlock()
		d.transitionFatal(fmt.Errorf("media type list response with no pending stream"))
		return
	}
	streamIndex := d.pendingMediaTypeLists[0]
	d.pendingMediaTypeLists = d.pendingMediaTypeLists[1:]
	stream, ok := d.streams[streamIndex]
	remaining := len(d.pendingMediaTypeLists)
	d.streamsMu.Unlock()

	if !ok {
		d.transitionFatal(fmt.Errorf("media type list response for unknown stream %d", streamIndex))
		return
	}
	stream.SetMediaTypeDescriptions(descs)

	if remaining > 0 {
		d.requestNextMediaTypeList()
		return
	}

	d.stateMu.Lock()
	d.state = DeviceStatePendingStreamPreparation
	d.stateMu.Unlock()
}

// FinishPreparation transitions the device into INITIALIZATION_DONE once
// callers have finished whatever local stream preparation they need
// (selecting media types, creating decode sessions).
func (d *Device) FinishPreparation() error {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	if d.state != DeviceStatePendingStreamPreparation {
		return grderr.Wrap(grderr.ProtocolViolation, fmt.Sprintf("camera: FinishPreparation called in state %s", d.state), nil)
	}
	d.state = DeviceStateInitializationDone
	return nil
}

// Stream returns the CameraStream at index, if the device has it.
func (d *Device) Stream(index uint8) (*CameraStream, bool) {
	d.streamsMu.Lock()
	defer d.streamsMu.Unlock()
	s, ok := d.streams[index]
	return s, ok
}

// startClientRequest records a new in-flight runtime request, refusing
// to start one while another is outstanding, matching the C assertion
// in grd_rdp_dvc_camera_device_request_sample.
func (d *Device) startClientRequest(kind clientRequestType) error {
	d.requestMu.Lock()
	defer d.requestMu.Unlock()
	if d.pendingRequest {
		return grderr.Wrap(grderr.ProtocolViolation, "camera: runtime request already in flight", nil)
	}
	d.pendingRequest = true
	d.pendingRequestType = kind
	return nil
}

// StartStream begins a stream: it marks the stream running, enables it
// and sends a StartStreamsRequest right away, returning the run sequence
// that request carries. It does not queue the start.
func (d *Device) StartStream(stream *CameraStream, selected map[uint8]int) (uint32, error) {
	if err := d.startClientRequest(clientRequestStartStreams); err != nil {
		return 0, err
	}

	d.streamsMu.Lock()
	d.runningStreams[stream.StreamIndex()] = struct{}{}
	d.streamsMu.Unlock()

	runSequence := stream.Enable()
	if err := d.transport.SendStartStreamsRequest(runSequence, selected); err != nil {
		d.transitionFatal(err)
		return 0, err
	}
	return runSequence, nil
}

// StopStream stops a stream. Because [MS-RDPECAM] cannot stop one
// stream in isolation, every other currently-running stream is queued
// for a restart, matching grd_rdp_dvc_camera_device_stop_stream.
func (d *Device) StopStream(stream *CameraStream) error {
	d.streamsMu.Lock()
	delete(d.runningStreams, stream.StreamIndex())
	for idx := range d.runningStreams {
		d.queuedRestarts[idx] = struct{}{}
	}
	d.streamsMu.Unlock()

	stream.Disable()

	if err := d.startClientRequest(clientRequestStopStreams); err != nil {
		return err
	}
	if err := d.transport.SendStopStreamsRequest(); err != nil {
		d.transitionFatal(err)
		return err
	}
	return nil
}

// RequestSample issues a new [MS-RDPECAM] sample request for stream,
// matching grd_rdp_dvc_camera_device_request_sample. It refuses while a
// StopStreams request is outstanding, since the protocol forbids
// interleaving a sample request with a stop.
func (d *Device) RequestSample(stream *CameraStream) error {
	d.requestMu.Lock()
	if d.pendingRequestType == clientRequestStopStreams {
		d.requestMu.Unlock()
		return grderr.Wrap(grderr.ProtocolViolation, "camera: sample request while stop streams in flight", nil)
	}
	d.requestMu.Unlock()

	buffer := stream.BeginSampleRequest()
	return d.transport.SendSampleRequest(stream.StreamIndex(), buffer)
}

// Shutdown tears every stream's decode session down and marks the
// device IN_SHUTDOWN.
func (d *Device) Shutdown() {
	d.stateMu.Lock()
	d.state = DeviceStateInShutdown
	d.stateMu.Unlock()

	d.streamsMu.Lock()
	streams := make([]*CameraStream, 0, len(d.streams))
	for _, s := range d.streams {
		streams = append(streams, s)
	}
	d.streamsMu.Unlock()

	for _, s := range streams {
		if err := s.Close(); err != nil {
			log.Warn("error closing camera stream during shutdown", "dvc_name", d.dvcName, "error", err)
		}
	}
}

var _ decode.LocalSource = (*discardSource)(nil)

// discardSource is a LocalSource with nowhere to publish to: Publish
// drops every frame.
type discardSource struct{}

func (discardSource) Publish(decode.Frame) error { return nil }
