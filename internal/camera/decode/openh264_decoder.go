package decode

import (
	"fmt"

	openh264 "github.com/y9o/go-openh264"
)

// openh264Decoder adapts github.com/y9o/go-openh264's decoder to the
// h264Decoder interface. This file is the single point of contact with
// that binding's API surface, mirroring internal/hwaccel's pattern of
// hiding a third-party codec API behind one small adapter so any surface
// mismatch is contained here.
type openh264Decoder struct {
	dec *openh264.Decoder
}

func newOpenH264Decoder() (*openh264Decoder, error) {
	dec, err := openh264.NewDecoder()
	if err != nil {
		return nil, fmt.Errorf("camera/decode: open openh264 decoder: %w", err)
	}
	return &openh264Decoder{dec: dec}, nil
}

func (d *openh264Decoder) Decode(nal []byte) ([]byte, int, int, error) {
	img, err := d.dec.DecodeFrame(nal)
	if err != nil {
		return nil, 0, 0, err
	}
	if img == nil {
		return nil, 0, 0, fmt.Errorf("camera/decode: decoder produced no frame")
	}
	return img.Data, img.Width, img.Height, nil
}

func (d *openh264Decoder) Close() error {
	return d.dec.Close()
}
