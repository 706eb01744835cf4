package fmp4

import (
	"fmt"
	"strings"

	"github.com/alxayo/go-rtmp/internal/fragment"
)

// renderMPD writes a dynamic-profile MPD with a SegmentTemplate driven by
// a SegmentTimeline reflecting the live fragment.Window (ISO/IEC 23009-1).
func renderMPD(identity string, timescale uint32, win *fragment.Window) string {
	live := win.Live()

	var timeline strings.Builder
	for _, f := range live {
		durationUnits := uint64(f.Duration.Seconds() * float64(timescale))
		timeline.WriteString(fmt.Sprintf("<S t=\"%d\" d=\"%d\"/>", uint64(f.StartDTS)*uint64(timescale)/1000, durationUnits))
	}

	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	b.WriteString(`<MPD xmlns="urn:mpeg:dash:schema:mpd:2011" type="dynamic" profiles="urn:mpeg:dash:profile:isoff-live:2011" minimumUpdatePeriod="PT2S" availabilityStartTime="1970-01-01T00:00:00Z">` + "\n")
	b.WriteString(fmt.Sprintf("<Period id=\"0\"><AdaptationSet segmentAlignment=\"true\"><Representation id=\"%s\" mimeType=\"video/mp4\">", identity))
	b.WriteString(fmt.Sprintf(`<SegmentTemplate timescale="%d" initialization="init-$RepresentationID$.m4s" media="chunk-$RepresentationID$-$Number$.m4s" startNumber="%d">`, timescale, firstSeq(live)))
	b.WriteString("<SegmentTimeline>")
	b.WriteString(timeline.String())
	b.WriteString("</SegmentTimeline></SegmentTemplate>")
	b.WriteString("</Representation></AdaptationSet></Period></MPD>\n")
	return b.String()
}

func firstSeq(live []*fragment.Fragment) uint64 {
	if len(live) == 0 {
		return 0
	}
	return live[0].SequenceNumber
}
