// Copyright 2025 The PyTroll Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package message implements the posttroll wire envelope.
//
// A message is formatted as a space-separated header followed by an
// optional payload:
//
//	pytroll:/<subject> <type> <sender> <timestamp> <version> <id> [mime-type data]
//
// For example
//
//	New("/DC/juhu", "info", "jhuuuu !!!")
//
// encodes as (at the right time, by the right user on the right host)
//
//	pytroll://DC/juhu info henry@prodsat 2010-12-01T12:21:11.123456+00:00 v1.02 <uuid> text/ascii jhuuuu !!!
//
// Note: the Message type is not optimized for BIG messages.
package message

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"os/user"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	posttroll "github.com/pytroll/go-posttroll"
)

// Magick is the wire prefix identifying posttroll messages.
const Magick = "pytroll:/"

// Known protocol versions. V102 timestamps carry a zone offset, V101
// ones are naive UTC.
const (
	V101 = "v1.01"
	V102 = "v1.02"
)

// Mime types accepted in the payload part.
const (
	mimeText   = "text/ascii"
	mimeJSON   = "application/json"
	mimeBinary = "binary/octet-stream"
)

// MessageError reports a malformed envelope on decode or an invalid
// field on construction. The offending raw prefix is preserved.
type MessageError struct {
	Reason string
	Raw    string
}

func (e *MessageError) Error() string {
	if e.Raw != "" {
		return fmt.Sprintf("message: %s: %q", e.Reason, e.Raw)
	}
	return "message: " + e.Reason
}

func newError(reason, raw string) *MessageError {
	if len(raw) > 36 {
		raw = raw[:36] + " ..."
	}
	return &MessageError{Reason: reason, Raw: raw}
}

// Message is a posttroll message.
type Message struct {
	Subject string
	Type    string
	Sender  string
	Time    time.Time
	ID      string
	Version string
	// Data holds the payload: a string, a []byte when Binary is set,
	// or a structured value serializable as JSON.
	Data   interface{}
	Binary bool
}

// New creates a message with the configured default version. The
// sender, time and id are filled in.
func New(subject, atype string, data interface{}) *Message {
	return NewWithVersion(subject, atype, data, DefaultVersion())
}

// NewBinary creates a message carrying an opaque binary payload.
func NewBinary(subject, atype string, data []byte) *Message {
	msg := NewWithVersion(subject, atype, data, DefaultVersion())
	msg.Binary = true
	return msg
}

// NewWithVersion creates a message with an explicit protocol version.
func NewWithVersion(subject, atype string, data interface{}, version string) *Message {
	return &Message{
		Subject: subject,
		Type:    atype,
		Sender:  getSender(),
		Time:    time.Now().UTC().Truncate(time.Microsecond),
		ID:      uuid.NewString(),
		Version: version,
		Data:    data,
	}
}

// DefaultVersion returns the protocol version selected by the
// message_version configuration key.
func DefaultVersion() string {
	return posttroll.GetConfig().GetString(posttroll.KeyMessageVersion, V102)
}

// User returns the user part of the sender.
func (m *Message) User() string {
	if i := strings.Index(m.Sender, "@"); i >= 0 {
		return m.Sender[:i]
	}
	return ""
}

// Host returns the host part of the sender.
func (m *Message) Host() string {
	if i := strings.Index(m.Sender, "@"); i >= 0 {
		return m.Sender[i+1:]
	}
	return ""
}

// Head returns the encoded message without the payload part.
func (m *Message) Head() (string, error) {
	if err := m.validate(); err != nil {
		return "", err
	}
	return m.encodeHead(), nil
}

// Encode converts the message to its raw string form.
func (m *Message) Encode() (string, error) {
	if err := m.validate(); err != nil {
		return "", err
	}
	head := m.encodeHead()
	if m.Data == nil {
		return head, nil
	}
	if m.Binary {
		payload, ok := m.Data.([]byte)
		if !ok {
			return "", newError("binary data must be []byte", "")
		}
		return head + " " + mimeBinary + " " + base64.StdEncoding.EncodeToString(payload), nil
	}
	switch data := m.Data.(type) {
	case string:
		if data == "" {
			return head, nil
		}
		return head + " " + mimeText + " " + data, nil
	default:
		encoded, err := json.Marshal(encodeTimes(m.Data, m.Version))
		if err != nil {
			return "", newError("data is not JSON serializable", fmt.Sprint(m.Data))
		}
		return head + " " + mimeJSON + " " + string(encoded), nil
	}
}

// String returns the encoded form, or a description of the encoding
// failure.
func (m *Message) String() string {
	raw, err := m.Encode()
	if err != nil {
		return fmt.Sprintf("message(invalid: %v)", err)
	}
	return raw
}

func (m *Message) encodeHead() string {
	return fmt.Sprintf("%s%s %s %s %s %s %s",
		Magick, m.Subject, m.Type, m.Sender,
		encodeTime(m.Time, m.Version), m.Version, m.ID)
}

// Equal reports whether two messages carry the same content. Times
// compare by instant so a decoded copy matches its original.
func (m *Message) Equal(other *Message) bool {
	if other == nil {
		return false
	}
	return m.Subject == other.Subject &&
		m.Type == other.Type &&
		m.Sender == other.Sender &&
		m.ID == other.ID &&
		m.Version == other.Version &&
		m.Binary == other.Binary &&
		m.Time.Equal(other.Time) &&
		reflect.DeepEqual(m.Data, other.Data)
}

func (m *Message) validate() error {
	if m.Subject == "" {
		return newError("invalid subject", m.Subject)
	}
	if m.Type == "" {
		return newError("invalid type", m.Type)
	}
	if m.Sender == "" {
		return newError("invalid sender", m.Sender)
	}
	if !m.Binary && m.Data != nil {
		if _, isString := m.Data.(string); !isString {
			if _, err := json.Marshal(encodeTimes(m.Data, m.Version)); err != nil {
				return newError("data is not JSON serializable", fmt.Sprint(m.Data))
			}
		}
	}
	return nil
}

var whitespace = regexp.MustCompile(`\s+`)

// Decode converts a raw string back into a message.
func Decode(rawstr string) (*Message, error) {
	if !strings.HasPrefix(rawstr, Magick) {
		return nil, newError("not a "+Magick+" message (wrong magick word)", rawstr)
	}
	body := rawstr[len(Magick):]

	// Header: subject, type, sender, time, version. The sixth element
	// holds the rest of the line.
	raw := whitespace.Split(body, 6)
	if len(raw) < 5 {
		return nil, newError("could not decode raw string", rawstr)
	}
	version := strings.TrimSpace(raw[4])
	if !validVersion(version) {
		return nil, newError("invalid message version "+version, rawstr)
	}
	when, err := parseTime(strings.TrimSpace(raw[3]))
	if err != nil {
		return nil, newError("invalid timestamp "+raw[3], rawstr)
	}
	msg := &Message{
		Subject: strings.TrimSpace(raw[0]),
		Type:    strings.TrimSpace(raw[1]),
		Sender:  strings.TrimSpace(raw[2]),
		Time:    when,
		Version: version,
	}

	rest := ""
	if len(raw) == 6 {
		rest = raw[5]
	}
	// The id token follows the version. Legacy streams without ids go
	// straight to the mime type; the id is then minted locally.
	if tok, tail := splitToken(rest); tok != "" && !isMimeType(tok) {
		if _, err := uuid.Parse(tok); err != nil {
			return nil, newError("invalid message id "+tok, rawstr)
		}
		msg.ID = tok
		rest = tail
	} else {
		msg.ID = uuid.NewString()
	}

	mimetype, payload := splitToken(rest)
	switch strings.ToLower(mimetype) {
	case "":
		msg.Data = nil
	case mimeJSON:
		var data interface{}
		if err := json.Unmarshal([]byte(payload), &data); err != nil {
			return nil, newError("JSON decode failed", payload)
		}
		msg.Data = decodeTimes(data)
	case mimeText:
		msg.Data = payload
	case mimeBinary:
		decoded, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil, newError("base64 decode failed", payload)
		}
		msg.Data = decoded
		msg.Binary = true
	default:
		return nil, newError("unknown mime-type "+mimetype, rawstr)
	}
	return msg, nil
}

func splitToken(s string) (token, rest string) {
	s = strings.TrimLeft(s, " \t")
	if s == "" {
		return "", ""
	}
	parts := whitespace.Split(s, 2)
	if len(parts) == 1 {
		return parts[0], ""
	}
	return parts[0], parts[1]
}

func isMimeType(tok string) bool {
	switch strings.ToLower(tok) {
	case mimeText, mimeJSON, mimeBinary:
		return true
	}
	return false
}

func validVersion(version string) bool {
	return version == V101 || version == V102
}

func getSender() string {
	username := "unknown"
	if u, err := user.Current(); err == nil {
		username = u.Username
	}
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	return username + "@" + host
}
