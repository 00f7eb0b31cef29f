// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package base

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/hemant/titandelay/internal/errors"
	"github.com/spf13/cast"
)

// Compact members look like
//
//	1|<id>|<topic>|<ttr>|<retry>|<retried>|<base64 payload>
//
// The leading field is the format marker. '|' and '%' inside id and topic
// are percent-escaped; the payload uses unpadded standard base64.
const (
	compactMarker = "1"
	compactSep    = "|"
	compactFields = 7
)

var compactEscaper = strings.NewReplacer("%", "%25", "|", "%7C")

// EncodeCompact marshals the given message into the compact wire form.
// The due time is never part of the result.
func EncodeCompact(msg *JobMessage) (string, error) {
	if msg == nil {
		return "", fmt.Errorf("cannot encode nil message")
	}
	var b strings.Builder
	b.Grow(len(msg.ID) + len(msg.Topic) + base64.RawStdEncoding.EncodedLen(len(msg.Payload)) + 24)
	b.WriteString(compactMarker)
	b.WriteString(compactSep)
	b.WriteString(compactEscaper.Replace(msg.ID))
	b.WriteString(compactSep)
	b.WriteString(compactEscaper.Replace(msg.Topic))
	b.WriteString(compactSep)
	b.WriteString(strconv.FormatInt(msg.TTR, 10))
	b.WriteString(compactSep)
	b.WriteString(strconv.Itoa(msg.Retry))
	b.WriteString(compactSep)
	b.WriteString(strconv.Itoa(msg.Retried))
	b.WriteString(compactSep)
	b.WriteString(base64.RawStdEncoding.EncodeToString(msg.Payload))
	return b.String(), nil
}

// DecodeCompact unmarshals a compact member and attaches the externally supplied score.
func DecodeCompact(s string, score int64) (*JobMessage, error) {
	fields := strings.Split(s, compactSep)
	if len(fields) != compactFields || fields[0] != compactMarker {
		return nil, fmt.Errorf("not a compact member")
	}
	id, err := url.PathUnescape(fields[1])
	if err != nil {
		return nil, fmt.Errorf("bad id: %v", err)
	}
	if id == "" {
		return nil, fmt.Errorf("empty id")
	}
	topic, err := url.PathUnescape(fields[2])
	if err != nil {
		return nil, fmt.Errorf("bad topic: %v", err)
	}
	ttr, err := strconv.ParseInt(fields[3], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad ttr: %v", err)
	}
	retry, err := strconv.Atoi(fields[4])
	if err != nil {
		return nil, fmt.Errorf("bad retry: %v", err)
	}
	retried, err := strconv.Atoi(fields[5])
	if err != nil {
		return nil, fmt.Errorf("bad retried: %v", err)
	}
	payload, err := base64.RawStdEncoding.DecodeString(fields[6])
	if err != nil {
		return nil, fmt.Errorf("bad payload: %v", err)
	}
	return &JobMessage{
		ID:       id,
		Topic:    topic,
		Payload:  payload,
		Retry:    retry,
		Retried:  retried,
		TTR:      ttr,
		Score:    score,
		Encoding: Encoding{Kind: EncodingCompact, Raw: s},
	}, nil
}

// legacyMessage is the self-describing JSON form written by older producers.
// It embeds its own due time, which readers must ignore in favor of the bucket score.
type legacyMessage struct {
	ID         string `json:"id"`
	Topic      string `json:"topic"`
	DelayTime  int64  `json:"delay_time"`
	TTR        int64  `json:"ttr"`
	RetryCount int    `json:"retry_count"`
	Retried    int    `json:"retried,omitempty"`
	Body       string `json:"body,omitempty"`
}

// EncodeLegacy marshals the given message into the legacy JSON form.
func EncodeLegacy(msg *JobMessage) (string, error) {
	if msg == nil {
		return "", fmt.Errorf("cannot encode nil message")
	}
	data, err := json.Marshal(legacyMessage{
		ID:         msg.ID,
		Topic:      msg.Topic,
		DelayTime:  msg.Score,
		TTR:        msg.TTR,
		RetryCount: msg.Retry,
		Retried:    msg.Retried,
		Body:       string(msg.Payload),
	})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// DecodeLegacy unmarshals a legacy JSON member. Older writers were loose about
// numeric fields, so numbers may arrive as JSON numbers or strings.
// The embedded delay_time is ignored and score is trusted instead.
func DecodeLegacy(s string, score int64) (*JobMessage, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return nil, err
	}
	id, err := cast.ToStringE(first(raw, "id", "jobId"))
	if err != nil {
		return nil, fmt.Errorf("bad id: %v", err)
	}
	if id == "" {
		return nil, fmt.Errorf("missing id")
	}
	topic, err := cast.ToStringE(raw["topic"])
	if err != nil {
		return nil, fmt.Errorf("bad topic: %v", err)
	}
	ttr, err := cast.ToInt64E(orZero(raw["ttr"]))
	if err != nil {
		return nil, fmt.Errorf("bad ttr: %v", err)
	}
	retry, err := cast.ToIntE(orZero(first(raw, "retry_count", "retryCount")))
	if err != nil {
		return nil, fmt.Errorf("bad retry_count: %v", err)
	}
	retried, err := cast.ToIntE(orZero(raw["retried"]))
	if err != nil {
		return nil, fmt.Errorf("bad retried: %v", err)
	}
	body, err := cast.ToStringE(raw["body"])
	if err != nil {
		return nil, fmt.Errorf("bad body: %v", err)
	}
	var payload []byte
	if body != "" {
		payload = []byte(body)
	}
	return &JobMessage{
		ID:       id,
		Topic:    topic,
		Payload:  payload,
		Retry:    retry,
		Retried:  retried,
		TTR:      ttr,
		Score:    score,
		Encoding: Encoding{Kind: EncodingLegacy, Raw: s},
	}, nil
}

// Decode tries the compact form first and falls back to the legacy form.
func Decode(s string, score int64) (*JobMessage, error) {
	const op errors.Op = "base.Decode"
	msg, cerr := DecodeCompact(s, score)
	if cerr == nil {
		return msg, nil
	}
	msg, lerr := DecodeLegacy(s, score)
	if lerr == nil {
		return msg, nil
	}
	return nil, errors.E(op, errors.DataLoss, &errors.DecodeError{
		Member: s,
		Err:    fmt.Errorf("compact: %v; legacy: %v", cerr, lerr),
	})
}

// RemovalMember returns the member string that identifies msg inside its bucket.
// Legacy messages are removed by the exact bytes they were read with.
func RemovalMember(msg *JobMessage) (string, error) {
	if msg == nil {
		return "", fmt.Errorf("cannot derive member of nil message")
	}
	switch msg.Encoding.Kind {
	case EncodingLegacy:
		if msg.Encoding.Raw != "" {
			return msg.Encoding.Raw, nil
		}
		return EncodeLegacy(msg)
	default:
		return EncodeCompact(msg)
	}
}

func first(m map[string]interface{}, keys ...string) interface{} {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func orZero(v interface{}) interface{} {
	if v == nil {
		return 0
	}
	if s, ok := v.(string); ok && s == "" {
		return 0
	}
	return v
}
