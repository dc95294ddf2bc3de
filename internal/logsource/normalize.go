package logsource

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const (
	fieldTimestamp   = "@timestamp"
	fieldDatetime    = "datetime"
	fieldAppName     = "app_name"
	fieldMessage     = "message"
	fieldLevel       = "level_name"
	fieldContext     = "context"
	fieldExtra       = "extra"
	extraDuration    = "duration_ms"
	extraCorrelation = "correlation_id"
)

// Normalize flattens one source document. It returns false when the document
// has no duration or no usable application name.
func Normalize(collection, id string, source []byte) (Record, bool) {
	doc := gjson.ParseBytes(source)
	if !doc.IsObject() {
		return Record{}, false
	}
	fields := topLevel(doc)

	extra := decodeNested(fields[fieldExtra])
	duration, ok := parseDuration(gjson.GetBytes(extra, extraDuration))
	if !ok {
		return Record{}, false
	}
	app := strings.TrimSpace(fields[fieldAppName].String())
	if app == "" || strings.EqualFold(app, "null") {
		return Record{}, false
	}
	ctxField := decodeNested(fields[fieldContext])

	tsField := fields[fieldTimestamp]
	if !tsField.Exists() || tsField.Type == gjson.Null {
		tsField = fields[fieldDatetime]
	}
	ts, _ := parseTimestamp(tsField)

	correlation := gjson.GetBytes(extra, extraCorrelation).String()
	if correlation == "" && ctxField != nil {
		correlation = gjson.GetBytes(ctxField, extraCorrelation).String()
	}

	return Record{
		Collection:    collection,
		ID:            id,
		Timestamp:     ts,
		RawTimestamp:  tsField.String(),
		AppName:       app,
		Message:       fields[fieldMessage].String(),
		Level:         fields[fieldLevel].String(),
		DurationMs:    duration,
		CorrelationID: correlation,
		Context:       ctxField,
		Extra:         extra,
	}, true
}

// topLevel indexes the first level of an object by literal key. Keys such as
// "@timestamp" are not valid gjson paths, so they are matched by name instead.
func topLevel(doc gjson.Result) map[string]gjson.Result {
	fields := map[string]gjson.Result{}
	doc.ForEach(func(key, value gjson.Result) bool {
		fields[key.String()] = value
		return true
	})
	return fields
}

// decodeNested returns the JSON object or array held by a field, decoding it
// first when it was stored as an encoded string. Anything else is nil.
func decodeNested(field gjson.Result) json.RawMessage {
	switch {
	case !field.Exists(), field.Type == gjson.Null:
		return nil
	case field.IsObject(), field.IsArray():
		return json.RawMessage(field.Raw)
	case field.Type == gjson.String:
		text := strings.TrimSpace(field.String())
		if text == "" || !gjson.Valid(text) {
			return nil
		}
		inner := gjson.Parse(text)
		if !inner.IsObject() && !inner.IsArray() {
			return nil
		}
		return json.RawMessage(text)
	default:
		return nil
	}
}

func parseDuration(value gjson.Result) (int64, bool) {
	switch value.Type {
	case gjson.Number:
		return int64(value.Float()), true
	case gjson.String:
		f, err := strconv.ParseFloat(strings.TrimSpace(value.String()), 64)
		if err != nil {
			return 0, false
		}
		return int64(f), true
	default:
		return 0, false
	}
}

func parseTimestamp(value gjson.Result) (time.Time, bool) {
	switch value.Type {
	case gjson.Number:
		return time.UnixMilli(value.Int()).UTC(), true
	case gjson.String:
		return parseTime(value.String())
	default:
		return time.Time{}, false
	}
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

func parseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
