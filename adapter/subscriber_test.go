package adapter

import (
	"strings"
	"testing"
)

const subscriberOfferSDP = "v=0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 107\r\n" +
	"a=rtcp-fb:107 goog-remb\r\n"

func TestSubscriberFixupSelection(t *testing.T) {
	cases := []struct {
		name   string
		opts   Options
		want   []string
		refuse []string
	}{
		{
			name:   "default leaves media sections alone",
			opts:   Options{},
			want:   []string{"m=audio", "m=video"},
			refuse: []string{"transport-cc", "profile-level-id"},
		},
		{
			name: "h264 profile injection",
			opts: Options{FixSubscriberSDP: true},
			want: []string{"m=video", "a=rtcp-fb:107 transport-cc\r\n", "profile-level-id=42e01f"},
		},
		{
			name:   "video stripping",
			opts:   Options{StripSubscriberVideo: true},
			want:   []string{"m=audio"},
			refuse: []string{"m=video"},
		},
		{
			name:   "stripping takes precedence over profile injection",
			opts:   Options{StripSubscriberVideo: true, FixSubscriberSDP: true},
			want:   []string{"m=audio"},
			refuse: []string{"m=video", "profile-level-id"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := &Adapter{opts: tc.opts}
			out := a.subscriberInFixup()(subscriberOfferSDP)
			for _, want := range tc.want {
				if !strings.Contains(out, want) {
					t.Errorf("missing %q in:\n%s", want, out)
				}
			}
			for _, refuse := range tc.refuse {
				if strings.Contains(out, refuse) {
					t.Errorf("unexpected %q in:\n%s", refuse, out)
				}
			}
		})
	}
}
