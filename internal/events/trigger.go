package events

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	lambdaevents "github.com/aws/aws-lambda-go/events"
)

// Trigger is an object-created notification reduced to what the
// partitioner needs.
type Trigger struct {
	Bucket    string `json:"bucket"`
	Object    string `json:"object_name"`
	EventType string `json:"event_type"`
}

// ErrUnrecognizedTrigger is returned for payloads with no bucket and object.
var ErrUnrecognizedTrigger = errors.New("unrecognized trigger payload")

// maxUnwrap bounds nested wrappers.
const maxUnwrap = 4

// rawTrigger accepts the flat shapes seen from different producers.
type rawTrigger struct {
	Bucket     string `json:"bucket"`
	Container  string `json:"container"`
	Name       string `json:"name"`
	ObjectName string `json:"object_name"`
	Key        string `json:"key"`
	EventType  string `json:"eventType"`
	EventType2 string `json:"event_type"`
}

type wrapper struct {
	Records []json.RawMessage `json:"Records"`
	Message *struct {
		Data string `json:"data"`
	} `json:"message"`
	Data       json.RawMessage `json:"data"`
	Source     string          `json:"source"`
	DetailType string          `json:"detail-type"`
	Detail     json.RawMessage `json:"detail"`
}

// NormalizeTriggers reduces a notification payload to triggers. Supported
// shapes: native S3 notification records, EventBridge "Object Created"
// events, queue-wrapped base64 payloads {"message":{"data":...}}, generic
// {"data":{...}} wrappers and flat {bucket, name} objects.
func NormalizeTriggers(payload []byte) ([]Trigger, error) {
	return normalize(payload, 0)
}

func normalize(payload []byte, depth int) ([]Trigger, error) {
	if depth > maxUnwrap {
		return nil, fmt.Errorf("%w: nested too deeply", ErrUnrecognizedTrigger)
	}
	var w wrapper
	if err := json.Unmarshal(payload, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnrecognizedTrigger, err)
	}

	switch {
	case len(w.Records) > 0:
		var s3evt lambdaevents.S3Event
		if err := json.Unmarshal(payload, &s3evt); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnrecognizedTrigger, err)
		}
		out := make([]Trigger, 0, len(s3evt.Records))
		for _, r := range s3evt.Records {
			key := r.S3.Object.URLDecodedKey
			if key == "" {
				key = decodeKey(r.S3.Object.Key)
			}
			out = append(out, Trigger{Bucket: r.S3.Bucket.Name, Object: key, EventType: r.EventName})
		}
		return out, nil

	case w.Source == "aws.s3" && len(w.Detail) > 0:
		var detail struct {
			Bucket struct {
				Name string `json:"name"`
			} `json:"bucket"`
			Object struct {
				Key string `json:"key"`
			} `json:"object"`
		}
		if err := json.Unmarshal(w.Detail, &detail); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnrecognizedTrigger, err)
		}
		return single(Trigger{Bucket: detail.Bucket.Name, Object: detail.Object.Key, EventType: w.DetailType})

	case w.Message != nil && w.Message.Data != "":
		decoded, err := base64.StdEncoding.DecodeString(w.Message.Data)
		if err != nil {
			return nil, fmt.Errorf("%w: message.data is not base64: %v", ErrUnrecognizedTrigger, err)
		}
		return normalize(decoded, depth+1)

	case len(w.Data) > 0 && w.Data[0] == '{':
		return normalize(w.Data, depth+1)
	}

	var raw rawTrigger
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnrecognizedTrigger, err)
	}
	t := Trigger{
		Bucket:    firstNonEmpty(raw.Bucket, raw.Container),
		Object:    firstNonEmpty(raw.ObjectName, raw.Name, raw.Key),
		EventType: firstNonEmpty(raw.EventType, raw.EventType2),
	}
	return single(t)
}

func single(t Trigger) ([]Trigger, error) {
	if t.Bucket == "" || t.Object == "" {
		return nil, ErrUnrecognizedTrigger
	}
	return []Trigger{t}, nil
}

// decodeKey undoes S3's form encoding of object keys.
func decodeKey(key string) string {
	if decoded, err := url.QueryUnescape(key); err == nil {
		return decoded
	}
	return strings.ReplaceAll(key, "+", " ")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
