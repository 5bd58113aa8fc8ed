package media

import (
	"fmt"
	"sync"

	openh264 "github.com/y9o/go-openh264"
)

// h264Encoder is the narrow backend interface the engine drives;
// grounded on the teacher's encoderBackend contract in
// internal/remote/desktop/encoder.go, trimmed to what this daemon
// needs (no hardware/GPU paths — §1 names this a software path).
type h264Encoder interface {
	Encode(frame CapturedFrame) ([]byte, error)
	SetDimensions(width, height int) error
	ForceKeyframe() error
	Close() error
}

type openh264Encoder struct {
	mu     sync.Mutex
	enc    *openh264.Encoder
	width  int
	height int
	fps    int
}

func newH264Encoder(width, height, fps int) (h264Encoder, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: invalid encoder dimensions %dx%d", ErrSetupFailed, width, height)
	}
	if fps <= 0 {
		fps = 30
	}
	params := openh264.NewEncoderParams()
	params.Usage = openh264.CAMERA_VIDEO_REAL_TIME
	params.PicW = width
	params.PicH = height
	params.BitrateBPS = 2_500_000
	params.MaxFrameRate = float32(fps)

	enc, err := openh264.NewEncoder(params)
	if err != nil {
		return nil, fmt.Errorf("%w: open h264 encoder: %v", ErrSetupFailed, err)
	}
	return &openh264Encoder{enc: enc, width: width, height: height, fps: fps}, nil
}

// Encode converts one BGRA capture to I420 and encodes it, returning
// the raw Annex B access unit pion's sample writer can packetize
// directly.
func (e *openh264Encoder) Encode(frame CapturedFrame) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if frame.Width != e.width || frame.Height != e.height {
		if err := e.setDimensionsLocked(frame.Width, frame.Height); err != nil {
			return nil, err
		}
	}

	y, u, v := bgraToI420(frame)
	out, err := e.enc.Encode(y, u, v)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return out, nil
}

func (e *openh264Encoder) SetDimensions(width, height int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.setDimensionsLocked(width, height)
}

func (e *openh264Encoder) setDimensionsLocked(width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("%w: invalid encoder dimensions %dx%d", ErrSetupFailed, width, height)
	}
	if err := e.enc.SetResolution(width, height); err != nil {
		return fmt.Errorf("set encoder resolution: %w", err)
	}
	e.width, e.height = width, height
	return nil
}

func (e *openh264Encoder) ForceKeyframe() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enc.ForceIntraFrame()
}

func (e *openh264Encoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enc.Close()
}

// bgraToI420 converts an X11 BGRA capture into I420 planes the way
// colorconv.go converts BGRA to NV12 for the hardware encoders: one
// luma plane at full resolution, two chroma planes subsampled 2x2.
func bgraToI420(frame CapturedFrame) (yPlane, uPlane, vPlane []byte) {
	w, h := frame.Width, frame.Height
	yPlane = make([]byte, w*h)
	uPlane = make([]byte, (w/2)*(h/2))
	vPlane = make([]byte, (w/2)*(h/2))

	for row := 0; row < h; row++ {
		srcRow := frame.Pix[row*frame.Stride : row*frame.Stride+w*4]
		for col := 0; col < w; col++ {
			b := int(srcRow[col*4+0])
			g := int(srcRow[col*4+1])
			r := int(srcRow[col*4+2])
			yPlane[row*w+col] = clampByte((66*r+129*g+25*b+128)>>8 + 16)
		}
	}
	for row := 0; row < h/2; row++ {
		srcRow := frame.Pix[(row*2)*frame.Stride : (row*2)*frame.Stride+w*4]
		for col := 0; col < w/2; col++ {
			b := int(srcRow[col*8+0])
			g := int(srcRow[col*8+1])
			r := int(srcRow[col*8+2])
			uPlane[row*(w/2)+col] = clampByte((-38*r-74*g+112*b+128)>>8 + 128)
			vPlane[row*(w/2)+col] = clampByte((112*r-94*g-18*b+128)>>8 + 128)
		}
	}

	return yPlane, uPlane, vPlane
}

func clampByte(v int) byte {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}
