package camera

import (
	"sync"
	"time"

	"github.com/GNOME/gnome-remote-desktop-sub002/internal/camera/decode"
	"github.com/GNOME/gnome-remote-desktop-sub002/internal/frameclock"
	"github.com/GNOME/gnome-remote-desktop-sub002/pkg/api"
)

// sampleTimeout is SAMPLE_TIMEOUT_MS from grd-rdp-dvc-camera-device.c: a
// sample request that goes unanswered this long is treated as failed and
// its buffer is flushed as corrupted rather than left outstanding
// forever.
const sampleTimeout = 2 * time.Second

// maxPendingFrames bounds how far the decode pipeline may run ahead of
// the consumer, ported from MAX_N_PENDING_FRAMES.
const maxPendingFrames = 2

// SampleBuffer identifies one in-flight StreamIndex sample request/
// response round trip, the Go analogue of GrdSampleBuffer.
type SampleBuffer struct {
	ID uint64
}

// CameraStream is one [MS-RDPECAM] stream on a camera device: its
// negotiated media type, frame-pacing clock and decode pipeline,
// mirroring GrdRdpCameraStream (§4.6 "Per-stream state").
type CameraStream struct {
	streamIndex uint8
	deviceName  string

	mu                       sync.Mutex
	mediaTypeDescriptions    []api.MediaTypeDescription
	currentMediaType         int
	isEnabled                bool
	currentRunSequence       uint32
	lastAckedRunSequence     uint32
	cameraLoopInhibited      bool

	frameClock *frameclock.Clock
	decode     *decode.Session

	pendingMu       sync.Mutex
	pendingSamples  map[uint64]time.Time
	nextSampleID    uint64

	requestSample func(stream *CameraStream) error
}

// NewCameraStream constructs a stream belonging to deviceName at
// streamIndex, publishing decoded frames through source.
func NewCameraStream(deviceName string, streamIndex uint8, source decode.LocalSource, requestSample func(*CameraStream) error) (*CameraStream, error) {
	session, err := decode.NewSession(source)
	if err != nil {
		return nil, err
	}

	s := &CameraStream{
		streamIndex:    streamIndex,
		deviceName:     deviceName,
		decode:         session,
		pendingSamples: make(map[uint64]time.Time),
		requestSample:  requestSample,
	}

	clock, err := frameclock.New(s.onFrameClockTrigger)
	if err != nil {
		session.Close()
		return nil, err
	}
	s.frameClock = clock

	return s, nil
}

// StreamIndex returns this stream's [MS-RDPECAM] StreamIndex.
func (s *CameraStream) StreamIndex() uint8 { return s.streamIndex }

// SetMediaTypeDescriptions records the media types [MS-RDPECAM]'s
// MediaTypeListResponse reported for this stream, flagging descriptions
// with a zero frame rate or pixel-aspect-ratio denominator as sanitized
// so selection logic skips them rather than dividing by zero, per
// grd_rdp_camera_stream_get_media_type_descriptions's callers.
func (s *CameraStream) SetMediaTypeDescriptions(descs []api.MediaTypeDescription) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range descs {
		if descs[i].FrameRateDenom == 0 || descs[i].PixelAspectRatioDenom == 0 {
			descs[i].Sanitized = true
		}
	}
	s.mediaTypeDescriptions = descs
}

// MediaTypeDescriptions returns the stream's negotiated media types.
func (s *CameraStream) MediaTypeDescriptions() []api.MediaTypeDescription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]api.MediaTypeDescription(nil), s.mediaTypeDescriptions...)
}

// canServeFrames reports whether the camera loop may run, matching
// can_serve_frames: the stream must be enabled, its start must already
// be acknowledged by the client, and the loop must not be inhibited
// (e.g. during a format change restart).
func (s *CameraStream) canServeFrames() bool {
	return s.isEnabled &&
		s.currentRunSequence == s.lastAckedRunSequence &&
		!s.cameraLoopInhibited
}

func (s *CameraStream) maybeStartCameraLoop(selected api.MediaTypeDescription) {
	if !s.canServeFrames() {
		return
	}
	if s.frameClock.IsArmed() {
		return
	}
	if err := s.frameClock.Arm(uint64(selected.FrameRateNum), uint64(selected.FrameRateDenom)); err != nil {
		log.Warn("failed to arm camera stream frame clock", "device", s.deviceName, "stream", s.streamIndex, "error", err)
	}
}

// NotifyStreamStarted acknowledges the StartStreamsRequest run sequence
// that produced a StartStreams success, matching
// grd_rdp_camera_stream_notify_stream_started. It returns false if the
// acknowledged run sequence no longer matches the stream's current one
// (a restart was queued in the meantime).
func (s *CameraStream) NotifyStreamStarted(runSequence uint32, selected api.MediaTypeDescription) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if runSequence != s.currentRunSequence {
		return false
	}
	if runSequence == s.lastAckedRunSequence {
		return true
	}
	s.lastAckedRunSequence = runSequence
	s.currentMediaType = selected.Index
	if selected.FrameRateNum > 0 {
		s.decode.SetFrameDuration(time.Second * time.Duration(selected.FrameRateDenom) / time.Duration(selected.FrameRateNum))
	}
	s.maybeStartCameraLoop(selected)
	return true
}

// InhibitCameraLoop pauses sample requests without tearing the stream
// down, used while a format change restart is queued.
func (s *CameraStream) InhibitCameraLoop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cameraLoopInhibited = true
	s.frameClock.Disarm()
}

// UninhibitCameraLoop resumes sample requests.
func (s *CameraStream) UninhibitCameraLoop(selected api.MediaTypeDescription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cameraLoopInhibited = false
	s.maybeStartCameraLoop(selected)
}

// Enable marks the stream as started with a fresh run sequence,
// returning the run sequence the client's StartStreamsRequest should be
// tagged with.
func (s *CameraStream) Enable() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isEnabled = true
	s.currentRunSequence++
	return s.currentRunSequence
}

// Disable marks the stream stopped and disarms its frame clock.
func (s *CameraStream) Disable() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isEnabled = false
	s.frameClock.Disarm()
}

// onFrameClockTrigger fires once per negotiated frame interval,
// matching on_frame_clock_trigger: it backs off when the decode
// pipeline already has maxPendingFrames outstanding, then issues a new
// sample request.
func (s *CameraStream) onFrameClockTrigger() {
	s.mu.Lock()
	canServe := s.canServeFrames()
	s.mu.Unlock()
	if !canServe {
		return
	}

	s.pendingMu.Lock()
	pending := len(s.pendingSamples)
	s.pendingMu.Unlock()
	if pending >= maxPendingFrames {
		return
	}

	if s.requestSample != nil {
		if err := s.requestSample(s); err != nil {
			log.Warn("failed to request camera sample", "device", s.deviceName, "stream", s.streamIndex, "error", err)
		}
	}
}

// BeginSampleRequest allocates a SampleBuffer id for a new request and
// starts its timeout clock.
func (s *CameraStream) BeginSampleRequest() SampleBuffer {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	s.nextSampleID++
	id := s.nextSampleID
	s.pendingSamples[id] = time.Now()
	return SampleBuffer{ID: id}
}

// SubmitSample delivers a sample's payload for decoding, matching
// grd_rdp_camera_stream_submit_sample: samples are discarded rather than
// decoded when the stream can no longer serve frames or the request
// itself failed.
func (s *CameraStream) SubmitSample(buffer SampleBuffer, payload []byte, success bool) {
	s.pendingMu.Lock()
	_, ok := s.pendingSamples[buffer.ID]
	delete(s.pendingSamples, buffer.ID)
	s.pendingMu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	canServe := s.canServeFrames()
	s.mu.Unlock()

	if !success || !canServe {
		return
	}

	if err := s.decode.DecodeSample(payload); err != nil {
		log.Warn("failed to decode camera sample", "device", s.deviceName, "stream", s.streamIndex, "error", err)
	}
}

// ExpireStaleSamples flushes sample requests that have been outstanding
// longer than sampleTimeout, matching the C device's per-sample timeout
// handling. Callers run this periodically (e.g. alongside the frame
// clock tick).
func (s *CameraStream) ExpireStaleSamples(now time.Time) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	for id, started := range s.pendingSamples {
		if now.Sub(started) >= sampleTimeout {
			delete(s.pendingSamples, id)
			log.Warn("camera sample request timed out", "device", s.deviceName, "stream", s.streamIndex, "sample_id", id)
		}
	}
}

// Close tears down the stream's frame clock and decode session.
func (s *CameraStream) Close() error {
	s.frameClock.Disarm()
	if err := s.frameClock.Close(); err != nil {
		return err
	}
	return s.decode.Close()
}
