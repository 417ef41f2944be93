package voip

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusCodeParsesStatusLine(t *testing.T) {
	assert.Equal(t, 200, statusCode("SIP/2.0 200 OK\r\nVia: ...\r\n"))
	assert.Equal(t, 486, statusCode("SIP/2.0 486 Busy Here\r\n"))
	assert.Equal(t, 0, statusCode("garbage"))
}

func TestBuildOptionsContainsBranchAndTarget(t *testing.T) {
	req := buildOptions("441530", "10.1.1.5", "10.1.1.1", "z9hG4bKabc")
	assert.True(t, strings.HasPrefix(req, "OPTIONS sip:441530@10.1.1.5"))
	assert.Contains(t, req, "branch=z9hG4bKabc")
	assert.Contains(t, req, "Content-Length: 0")
}

func TestBuildInviteIncludesSDPWithRTPPort(t *testing.T) {
	req := buildInvite("441530", "10.1.1.5", "10.1.1.1", "z9hG4bKabc", "call1@10.1.1.1", "tag1", 10024)
	assert.Contains(t, req, "m=audio 10024 RTP/AVP 0")
	assert.Contains(t, req, "Content-Type: application/sdp")
}

func TestExtractToTagFindsTag(t *testing.T) {
	resp := "SIP/2.0 200 OK\r\nTo: <sip:441530@10.1.1.5>;tag=xyz123\r\nContent-Length: 0\r\n\r\n"
	tag, ok := extractToTag(resp)
	require.True(t, ok)
	assert.Equal(t, "xyz123", tag)
}

func TestExtractToTagMissingReturnsFalse(t *testing.T) {
	_, ok := extractToTag("SIP/2.0 200 OK\r\nContent-Length: 0\r\n\r\n")
	assert.False(t, ok)
}

func TestParseSDPExtractsPortAndIP(t *testing.T) {
	body := "v=0\r\no=x 1 1 IN IP4 10.1.1.5\r\nc=IN IP4 10.1.1.5\r\nt=0 0\r\nm=audio 20100 RTP/AVP 0\r\na=rtcp:20101\r\n"
	rtp, rtcp, ip := parseSDP(body, "10.1.1.5")
	assert.Equal(t, 20100, rtp)
	assert.Equal(t, 20101, rtcp)
	assert.Equal(t, "10.1.1.5", ip)
}

func TestParseSDPFallsBackToRTPPlusOneWithoutExplicitRTCP(t *testing.T) {
	body := "m=audio 20200 RTP/AVP 0\r\n"
	rtp, rtcp, _ := parseSDP(body, "10.1.1.5")
	assert.Equal(t, 20200, rtp)
	assert.Equal(t, 20201, rtcp)
}

func TestExtractBranchFromViaHeader(t *testing.T) {
	resp := "SIP/2.0 200 OK\r\nVia: SIP/2.0/UDP 10.1.1.1:5060;branch=z9hG4bK999\r\n\r\n"
	assert.Equal(t, "z9hG4bK999", extractBranch(resp))
}
