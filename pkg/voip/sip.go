package voip

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

func statusCode(response string) int {
	firstLine := response
	if idx := strings.IndexAny(response, "\r\n"); idx >= 0 {
		firstLine = response[:idx]
	}
	fields := strings.Fields(firstLine)
	if len(fields) < 2 {
		return 0
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0
	}
	return code
}

func buildOptions(phoneNumber, phoneIP, localIP, branch string) string {
	callID := fmt.Sprintf("%s@%s", uuid.New().String(), localIP)
	fromTag := fmt.Sprintf("%d", time.Now().UnixNano()+1)

	return fmt.Sprintf(
		"OPTIONS sip:%s@%s SIP/2.0\r\n"+
			"Via: SIP/2.0/UDP %s:5060;branch=%s\r\n"+
			"From: <sip:monitor@%s>;tag=%s\r\n"+
			"To: <sip:%s@%s>\r\n"+
			"Call-ID: %s\r\n"+
			"CSeq: 1 OPTIONS\r\n"+
			"Contact: <sip:monitor@%s:5060>\r\n"+
			"Max-Forwards: 70\r\n"+
			"Content-Length: 0\r\n"+
			"\r\n",
		phoneNumber, phoneIP, localIP, branch, localIP, fromTag, phoneNumber, phoneIP, callID, localIP)
}

func buildInvite(phoneNumber, phoneIP, localIP, branch, callID, fromTag string, rtpPort int) string {
	sdp := fmt.Sprintf(
		"v=0\r\n"+
			"o=meshmon %d 1 IN IP4 %s\r\n"+
			"s=Quality Probe\r\n"+
			"c=IN IP4 %s\r\n"+
			"t=0 0\r\n"+
			"m=audio %d RTP/AVP 0\r\n"+
			"a=rtpmap:0 PCMU/8000\r\n"+
			"a=ptime:40\r\n"+
			"a=sendrecv\r\n",
		time.Now().Unix(), localIP, localIP, rtpPort)

	return fmt.Sprintf(
		"INVITE sip:%s@%s SIP/2.0\r\n"+
			"Via: SIP/2.0/UDP %s:5060;branch=%s\r\n"+
			"From: <sip:monitor@%s>;tag=%s\r\n"+
			"To: <sip:%s@%s>\r\n"+
			"Call-ID: %s\r\n"+
			"CSeq: 1 INVITE\r\n"+
			"Contact: <sip:monitor@%s:5060>\r\n"+
			"Max-Forwards: 70\r\n"+
			"Call-Info: answer-after=0\r\n"+
			"Alert-Info: info=alert-autoanswer\r\n"+
			"Content-Type: application/sdp\r\n"+
			"Content-Length: %d\r\n"+
			"\r\n%s",
		phoneNumber, phoneIP, localIP, branch, localIP, fromTag, phoneNumber, phoneIP, callID, localIP, len(sdp), sdp)
}

func buildAck(phoneNumber, phoneIP, localIP, branch, callID, fromTag, toTag string) string {
	return fmt.Sprintf(
		"ACK sip:%s@%s SIP/2.0\r\n"+
			"Via: SIP/2.0/UDP %s:5060;branch=%s\r\n"+
			"From: <sip:monitor@%s>;tag=%s\r\n"+
			"To: <sip:%s@%s>;tag=%s\r\n"+
			"Call-ID: %s\r\n"+
			"CSeq: 1 ACK\r\n"+
			"Max-Forwards: 70\r\n"+
			"Content-Length: 0\r\n"+
			"\r\n",
		phoneNumber, phoneIP, localIP, branch, localIP, fromTag, phoneNumber, phoneIP, toTag, callID)
}

func buildBye(phoneNumber, phoneIP, localIP, branch, callID, fromTag, toTag string) string {
	return fmt.Sprintf(
		"BYE sip:%s@%s SIP/2.0\r\n"+
			"Via: SIP/2.0/UDP %s:5060;branch=%s\r\n"+
			"From: <sip:monitor@%s>;tag=%s\r\n"+
			"To: <sip:%s@%s>;tag=%s\r\n"+
			"Call-ID: %s\r\n"+
			"CSeq: 2 BYE\r\n"+
			"Max-Forwards: 70\r\n"+
			"Content-Length: 0\r\n"+
			"\r\n",
		phoneNumber, phoneIP, localIP, branch, localIP, fromTag, phoneNumber, phoneIP, toTag, callID)
}

// extractToTag pulls the tag= parameter off a response's To: header.
func extractToTag(response string) (string, bool) {
	lower := strings.ToLower(response)
	idx := strings.Index(lower, "\nto:")
	if idx < 0 {
		idx = strings.Index(lower, "\r\nto:")
	}
	if idx < 0 {
		return "", false
	}
	lineEnd := strings.IndexAny(response[idx+1:], "\r\n")
	var line string
	if lineEnd < 0 {
		line = response[idx+1:]
	} else {
		line = response[idx+1 : idx+1+lineEnd]
	}

	tagIdx := strings.Index(line, "tag=")
	if tagIdx < 0 {
		return "", false
	}
	rest := line[tagIdx+len("tag="):]
	end := strings.IndexAny(rest, ";\r\n >")
	if end < 0 {
		end = len(rest)
	}
	return rest[:end], true
}

// parseSDP extracts the RTP port, RTCP port, and media IP from the
// 200 OK's SDP body. Falls back to phoneIP and rtpPort+1 when a field
// is absent, matching the original library's defaulting behaviour.
func parseSDP(body, phoneIP string) (rtpPort, rtcpPort int, mediaIP string) {
	mediaIP = phoneIP

	if idx := strings.Index(body, "m=audio "); idx >= 0 {
		fields := strings.Fields(body[idx+len("m=audio "):])
		if len(fields) > 0 {
			if p, err := strconv.Atoi(fields[0]); err == nil {
				rtpPort = p
			}
		}
	}
	rtcpPort = rtpPort + 1

	if idx := strings.Index(body, "a=rtcp:"); idx >= 0 {
		fields := strings.Fields(body[idx+len("a=rtcp:"):])
		if len(fields) > 0 {
			if p, err := strconv.Atoi(fields[0]); err == nil {
				rtcpPort = p
			}
		}
	}

	if idx := strings.Index(body, "c=IN IP4 "); idx >= 0 {
		rest := body[idx+len("c=IN IP4 "):]
		end := strings.IndexAny(rest, " \r\n")
		if end < 0 {
			end = len(rest)
		}
		if ip := strings.TrimSpace(rest[:end]); ip != "" {
			mediaIP = ip
		}
	}

	return rtpPort, rtcpPort, mediaIP
}
