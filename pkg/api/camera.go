package api

// MediaTypeDescription is one [MS-RDPECAM] media-type descriptor a
// camera device advertised for one of its streams. A descriptor whose
// FrameRateDenom or PixelAspectRatioDenom is zero is accepted into the
// stream's descriptor list with Sanitized set to true (§4.6 step 3).
type MediaTypeDescription struct {
	Index int

	Width, Height        uint32
	FrameRateNum         uint32
	FrameRateDenom       uint32
	PixelAspectRatioNum  uint32
	PixelAspectRatioDenom uint32

	// IsH264 reports whether this descriptor's format subtype is H.264;
	// only H.264 descriptors ever become eligible CameraStreams (§4.6
	// step 4).
	IsH264 bool

	Sanitized bool
}

// DeviceInfo names one client-announced camera device: the DVC name the
// client chose for the device channel and the human-readable device
// name advertised alongside it (§4.5).
type DeviceInfo struct {
	DVCName    string
	DeviceName string
}
