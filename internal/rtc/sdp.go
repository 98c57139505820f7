package rtc

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// SDP fixups are pure, idempotent text transforms applied around every
// local/remote description. They patch vendor quirks; none of them carry
// state.

var (
	opusFmtpRe   = regexp.MustCompile(`a=fmtp:(109|111) ([^\r\n]*)\r\n`)
	videoMediaRe = regexp.MustCompile(`(?s)m=video.*?(m=|$)`)
	h264RembRe   = regexp.MustCompile(`a=rtcp-fb:107 goog-remb\r\n`)
	iceUfragRe   = regexp.MustCompile(`([^\r])\na=ice-ufrag`)
)

// opusParameters force mono and discontinuous transmission on the
// publisher's audio: the scene mixes many speakers, stereo wastes
// bandwidth and DTX keeps silent occupants cheap.
var opusParameters = map[string]string{
	"sprop-stereo": "0",
	"stereo":       "0",
	"usedtx":       "1",
}

// ConfigurePublisherSDP rewrites Opus payload format parameters on an
// outbound publisher description.
func ConfigurePublisherSDP(sdp string) string {
	return opusFmtpRe.ReplaceAllStringFunc(sdp, func(line string) string {
		m := opusFmtpRe.FindStringSubmatch(line)
		params := parseFmtp(m[2])
		for k, v := range opusParameters {
			params[k] = v
		}
		return writeFmtp(m[1], params)
	})
}

// SubscriberFixups selects the platform-conditional transforms applied to
// subscriber descriptions in both directions.
type SubscriberFixups struct {
	// StripVideo removes video media sections entirely, for consumers
	// that cannot decode video.
	StripVideo bool
	// InjectH264Profile adds transport-wide congestion control and a
	// baseline H.264 profile to the 107 payload, needed by some decoders.
	InjectH264Profile bool
}

// ConfigureSubscriberSDP applies the enabled subscriber transforms.
func ConfigureSubscriberSDP(sdp string, fixups SubscriberFixups) string {
	if fixups.StripVideo {
		sdp = videoMediaRe.ReplaceAllString(sdp, "$1")
	} else if fixups.InjectH264Profile {
		sdp = h264RembRe.ReplaceAllString(sdp,
			"a=rtcp-fb:107 goog-remb\r\n"+
				"a=rtcp-fb:107 transport-cc\r\n"+
				"a=fmtp:107 level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f\r\n")
	}
	return sdp
}

// FixICEUfragLineEndings normalizes a malformed line ending in front of
// a=ice-ufrag produced by one browser engine (bare \n instead of \r\n).
func FixICEUfragLineEndings(sdp string) string {
	return iceUfragRe.ReplaceAllString(sdp, "$1\r\na=ice-ufrag")
}

func parseFmtp(s string) map[string]string {
	params := make(map[string]string)
	for _, part := range strings.Split(s, ";") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 || kv[0] == "" {
			continue
		}
		params[kv[0]] = kv[1]
	}
	return params
}

func writeFmtp(payloadType string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, fmt.Sprintf("%s=%s", k, params[k]))
	}
	return fmt.Sprintf("a=fmtp:%s %s\r\n", payloadType, strings.Join(pairs, ";"))
}
