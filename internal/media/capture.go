package media

// CapturedFrame is one raw capture, BGRA8888 pixels as produced by
// X11's ZPixmap format (grounded on the teacher's capture_linux.go
// pixel conversion).
type CapturedFrame struct {
	Width, Height int
	Stride        int
	Pix           []byte
}

// windowCapturer captures frames from one X11 window by XID, feeding
// them to a callback on its own goroutine until Stop (§4.6: the
// engine owns capture internally, never exposing frames to callers).
type windowCapturer interface {
	Start(onFrame func(CapturedFrame))
	Resize(width, height int)
	Stop()
}
