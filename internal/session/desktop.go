package session

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Desktop is the external collaborator the controller asks for
// window enumeration and preview thumbnails (§4.7 "requests a JPEG
// thumbnail ... from an external 'desktop' collaborator"). This
// boundary exists so the poller's scheduling and publish wiring can
// be exercised against a fake without standing up real X11 capture.
type Desktop interface {
	// ListWindows returns the currently known top-level application
	// windows, optionally filtered to the given XIDs (empty means all).
	ListWindows(xids []uint32) ([]WindowInfo, error)
	// CaptureThumbnail returns a base64-encoded JPEG of the given
	// window, sized for a control-channel preview frame.
	CaptureThumbnail(xid uint32) (string, error)
}

// WindowInfo describes one candidate streaming target.
type WindowInfo struct {
	Name string
	PID  int
	XID  uint32
}

// wmctrlDesktop lists windows by shelling out to wmctrl, keeping the
// same "external process, not a linked X11 client" boundary the audio
// pipeline uses for PulseAudio (internal/media/audio.go): the
// controller never links against Xlib itself, only the media engine
// does for capture.
type wmctrlDesktop struct{}

// NewWmctrlDesktop constructs the default Desktop collaborator.
func NewWmctrlDesktop() Desktop {
	return wmctrlDesktop{}
}

func (wmctrlDesktop) ListWindows(xids []uint32) ([]WindowInfo, error) {
	out, err := exec.Command("wmctrl", "-lp").Output()
	if err != nil {
		return nil, fmt.Errorf("session: wmctrl -lp: %w", err)
	}

	want := make(map[uint32]bool, len(xids))
	for _, x := range xids {
		want[x] = true
	}

	var windows []WindowInfo
	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 5 {
			continue
		}
		xid64, err := strconv.ParseUint(strings.TrimPrefix(fields[0], "0x"), 16, 32)
		if err != nil {
			continue
		}
		pid, err := strconv.Atoi(fields[2])
		if err != nil {
			continue
		}
		xid := uint32(xid64)
		if len(want) > 0 && !want[xid] {
			continue
		}
		windows = append(windows, WindowInfo{
			Name: strings.Join(fields[4:], " "),
			PID:  pid,
			XID:  xid,
		})
	}
	return windows, nil
}

// CaptureThumbnail shells out to ImageMagick's import(1) to grab a
// single JPEG frame of the given window, the same external-process
// boundary wmctrl and parec use elsewhere in this package: the
// controller never links against Xlib itself, only the media engine
// does for live capture.
func (wmctrlDesktop) CaptureThumbnail(xid uint32) (string, error) {
	out, err := exec.Command("import", "-silent", "-window", fmt.Sprintf("0x%x", xid), "jpg:-").Output()
	if err != nil {
		return "", fmt.Errorf("session: import -window 0x%x: %w", xid, err)
	}
	return base64.StdEncoding.EncodeToString(out), nil
}
