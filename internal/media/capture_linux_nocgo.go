//go:build linux && !cgo

package media

import "fmt"

// newWindowCapturer returns an error when built without CGO, since
// window capture requires the X11 libraries via CGO.
func newWindowCapturer(xid uint32) (windowCapturer, error) {
	return nil, fmt.Errorf("%w: window capture requires a CGO-enabled build", ErrSetupFailed)
}

func newResizeWatcher(xid uint32, onResize func(width, height int)) *resizeWatcher {
	return &resizeWatcher{xid: xid, onResize: onResize}
}

type resizeWatcher struct {
	xid      uint32
	onResize func(width, height int)
}

func (w *resizeWatcher) Start() {}
func (w *resizeWatcher) Stop()  {}
