package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/mash-protocol/tlsconduit/pkg/engine"
)

// alertNames maps the alert descriptions a server commonly answers a probe
// with.
var alertNames = map[byte]string{
	0:   "close_notify",
	10:  "unexpected_message",
	20:  "bad_record_mac",
	22:  "record_overflow",
	40:  "handshake_failure",
	42:  "bad_certificate",
	47:  "illegal_parameter",
	50:  "decode_error",
	70:  "protocol_version",
	80:  "internal_error",
	109: "missing_extension",
	116: "certificate_required",
	120: "no_application_protocol",
}

// parseProbe decodes a hex string such as "16 03 03 71 41" into raw bytes.
func parseProbe(s string) ([]byte, error) {
	s = strings.NewReplacer(" ", "", ":", "", "0x", "").Replace(s)
	data, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid probe %q: %w", s, err)
	}
	if len(data) == 0 {
		return nil, errors.New("empty probe")
	}
	return data, nil
}

// describeRecords renders the records a server sent back.
func describeRecords(data []byte) []string {
	var out []string
	for len(data) > 0 {
		h, ok, err := engine.ParseRecordHeader(data)
		if !ok {
			out = append(out, fmt.Sprintf("trailing %d bytes: %x", len(data), data))
			break
		}
		if err != nil {
			out = append(out, fmt.Sprintf("invalid record: %v", err))
			break
		}

		body := data[engine.RecordHeaderLen:]
		if len(body) > h.Length {
			body = body[:h.Length]
		}
		line := fmt.Sprintf("%s version=0x%04x length=%d", h.Type, h.Version, h.Length)
		if h.Type == engine.RecordTypeAlert && len(body) >= 2 {
			line += " " + describeAlert(body[0], body[1])
		}
		out = append(out, line)

		if len(data) < h.Size() {
			out = append(out, fmt.Sprintf("record truncated (%d of %d bytes)", len(data), h.Size()))
			break
		}
		data = data[h.Size():]
	}
	return out
}

func describeAlert(level, desc byte) string {
	lvl := "warning"
	if level == 2 {
		lvl = "fatal"
	}
	name, ok := alertNames[desc]
	if !ok {
		name = fmt.Sprintf("alert(%d)", desc)
	}
	return fmt.Sprintf("level=%s description=%s", lvl, name)
}

// runProbe writes raw bytes to address over plain TCP and collects the
// reply until the server closes or timeout passes.
func runProbe(address string, payload []byte, timeout time.Duration) ([]byte, error) {
	conn, err := net.DialTimeout("tcp", address, timeout)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	if _, err := conn.Write(payload); err != nil {
		return nil, err
	}
	reply, err := io.ReadAll(conn)
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return reply, fmt.Errorf("server kept the connection open: %w", err)
	}
	return reply, err
}
