package mdoc

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// Standard sidecar keys. The tilt-axis key is configurable because
// acquisition variants disagree on its name; the rest are stable.
const (
	KeyTiltAngle     = "TiltAngle"
	KeyPixelSpacing  = "PixelSpacing"
	KeyMagnification = "Magnification"
	KeyDefocus       = "Defocus"
	KeyExposureDose  = "ExposureDose"
	KeyDateTime      = "DateTime"
)

// Info summarizes the acquisition fields downstream stages read from a
// sidecar. Angles are rounded to whole degrees and the pixel size is
// converted from angstroms to nanometers, matching how the reconstruction
// directives consume them.
type Info struct {
	PixelSize     float64
	Magnification int
	TiltAngles    []float64
	TiltMin       float64
	TiltMax       float64
	TiltStep      float64
	Defocus       []float64
	DefocusAvg    float64
}

// Info derives the acquisition summary from the parsed sidecar.
func (f *File) Info() Info {
	info := Info{}

	if raw, ok := f.Float(KeyPixelSpacing); ok {
		info.PixelSize = math.Round(raw*100) / 100 / 10
	}
	if raw, ok := f.Value(KeyMagnification); ok {
		fields := strings.Fields(raw)
		if len(fields) > 0 {
			if mag, err := strconv.Atoi(fields[0]); err == nil {
				info.Magnification = mag
			}
		}
	}

	for _, angle := range f.Floats(KeyTiltAngle) {
		info.TiltAngles = append(info.TiltAngles, math.Round(angle))
	}
	if len(info.TiltAngles) > 0 {
		info.TiltMin = info.TiltAngles[0]
		info.TiltMax = info.TiltAngles[0]
		for _, angle := range info.TiltAngles[1:] {
			if angle < info.TiltMin {
				info.TiltMin = angle
			}
			if angle > info.TiltMax {
				info.TiltMax = angle
			}
		}
		info.TiltStep = math.Round(math.Abs((info.TiltMax - info.TiltMin) / float64(len(info.TiltAngles))))
	}

	info.Defocus = f.Floats(KeyDefocus)
	if len(info.Defocus) > 0 {
		var sum float64
		for _, d := range info.Defocus {
			sum += d
		}
		info.DefocusAvg = math.Round(sum/float64(len(info.Defocus))*100) / 100
	}

	return info
}

// dateTimeLayouts covers the timestamp renderings seen across acquisition
// software versions.
var dateTimeLayouts = []string{
	"02-Jan-06  15:04:05",
	"02-Jan-06 15:04:05",
	"02-Jan-2006  15:04:05",
	"02-Jan-2006 15:04:05",
	"2006-01-02 15:04:05",
}

// AcquisitionDate returns the sidecar's recorded acquisition timestamp, if
// one is present and parseable.
func (f *File) AcquisitionDate() (time.Time, bool) {
	raw, ok := f.Value(KeyDateTime)
	if !ok {
		return time.Time{}, false
	}
	raw = strings.TrimSpace(raw)
	for _, layout := range dateTimeLayouts {
		if ts, err := time.ParseInLocation(layout, raw, time.Local); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}
