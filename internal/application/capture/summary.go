package capture

import (
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/penwyp/go-gpu-timeline/internal/core/firmware"
	"github.com/penwyp/go-gpu-timeline/internal/core/timeline"
	"github.com/penwyp/go-gpu-timeline/internal/util"
)

// Summary describes a finished capture
type Summary struct {
	Output      string          `json:"output"`
	Compression string          `json:"compression"`
	Flags       string          `json:"flags"`
	Duration    string          `json:"duration"`
	Bytes       uint64          `json:"bytes"`
	Digest      string          `json:"blake3"`
	Events      uint64          `json:"synthetic_events"`
	Timeline    timeline.Stats  `json:"timeline"`
	Firmware    *firmware.Stats `json:"firmware,omitempty"`
}

func (s *Summary) JSON() ([]byte, error) {
	return sonic.ConfigStd.MarshalIndent(s, "", "  ")
}

// Table renders the summary followed by one row per stream
func (s *Summary) Table() string {
	overview := [][]string{
		{"FIELD", "VALUE"},
		{"Output", s.Output},
		{"Compression", s.Compression},
		{"Flags", s.Flags},
		{"Duration", s.Duration},
		{"Captured", util.FormatBytes(s.Bytes)},
		{"BLAKE3", s.Digest},
		{"Synthetic events", fmt.Sprintf("%d", s.Events)},
	}
	if s.Firmware != nil {
		overview = append(overview,
			[]string{"Firmware records", fmt.Sprintf("%d", s.Firmware.Records)},
			[]string{"Firmware dropped", fmt.Sprintf("%d", s.Firmware.Dropped)})
	}

	streams := [][]string{{"STREAM", "EVENTS", "APPENDED", "DRAINED", "LOST", "OVERSIZED"}}
	for _, st := range s.Timeline.Streams {
		streams = append(streams, []string{
			st.Type.String(),
			fmt.Sprintf("%d", st.Events),
			util.FormatBytes(st.Appended),
			util.FormatBytes(st.Drained),
			util.FormatBytes(st.Lost),
			fmt.Sprintf("%d", st.Oversized),
		})
	}
	return util.FormatTable(overview) + "\n" + util.FormatTable(streams)
}
