package contracts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	fieldBody      = "body"
	fieldID        = "__id"
	fieldTimestamp = "__timestamp"
	fieldSource    = "__source"
	fieldErrMsg    = "__errMsg"
)

// Envelope wraps a message body with its identity and origin. Envelopes
// are immutable once built.
type Envelope struct {
	body      json.RawMessage
	id        string
	timestamp int64
	source    string
	errMsg    string
}

// wireEnvelope is the JSON layout of an Envelope
type wireEnvelope struct {
	Body      json.RawMessage `json:"body"`
	ID        string          `json:"__id"`
	Timestamp int64           `json:"__timestamp"`
	Source    string          `json:"__source"`
	ErrMsg    string          `json:"__errMsg,omitempty"`
}

// NewEnvelope marshals body into a new envelope. An empty source defaults
// to the host label of this process.
func NewEnvelope(body any, source string) (*Envelope, error) {
	raw, err := marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%w: body: %v", ErrInvalidEnvelope, err)
	}
	return NewRawEnvelope(raw, source)
}

// NewRawEnvelope wraps an already serialized JSON body
func NewRawEnvelope(body json.RawMessage, source string) (*Envelope, error) {
	if len(body) == 0 {
		body = json.RawMessage("null")
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("%w: body is not valid JSON", ErrInvalidEnvelope)
	}
	if source == "" {
		source = HostLabel()
	}

	return &Envelope{
		body:      append(json.RawMessage(nil), body...),
		id:        newID(),
		timestamp: time.Now().Unix(),
		source:    source,
	}, nil
}

// ID returns the unique message id
func (e *Envelope) ID() string { return e.id }

// Timestamp returns the creation time
func (e *Envelope) Timestamp() time.Time { return time.Unix(e.timestamp, 0) }

// Source returns the origin label
func (e *Envelope) Source() string { return e.source }

// ErrMsg returns the last handler error recorded on a rerouted message
func (e *Envelope) ErrMsg() string { return e.errMsg }

// Body returns a copy of the raw JSON body
func (e *Envelope) Body() json.RawMessage {
	return append(json.RawMessage(nil), e.body...)
}

// Decode unmarshals the body into v
func (e *Envelope) Decode(v any) error {
	return json.Unmarshal(e.body, v)
}

// MarshalJSON implements json.Marshaler
func (e *Envelope) MarshalJSON() ([]byte, error) {
	return marshal(e.wire())
}

// UnmarshalJSON implements json.Unmarshaler
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if len(w.Body) == 0 {
		w.Body = json.RawMessage("null")
	}

	*e = Envelope{
		body:      w.Body,
		id:        w.ID,
		timestamp: w.Timestamp,
		source:    w.Source,
		errMsg:    w.ErrMsg,
	}
	return nil
}

func (e *Envelope) wire() wireEnvelope {
	return wireEnvelope{
		Body:      e.body,
		ID:        e.id,
		Timestamp: e.timestamp,
		Source:    e.source,
		ErrMsg:    e.errMsg,
	}
}

// newID joins the host label, a random number and a time-ordered uuid
func newID() string {
	return fmt.Sprintf("%s-%05d-%s", HostLabel(), rand.Intn(100000), uuid.Must(uuid.NewV7()))
}

var (
	hostLabel     string
	hostLabelOnce sync.Once
)

// HostLabel returns the first non-loopback IPv4 address of this host, or
// 127.0.0.1.
func HostLabel() string {
	hostLabelOnce.Do(func() {
		hostLabel = "127.0.0.1"
		addrs, err := net.InterfaceAddrs()
		if err != nil {
			return
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok || ipNet.IP.IsLoopback() {
				continue
			}
			if ip4 := ipNet.IP.To4(); ip4 != nil {
				hostLabel = ip4.String()
				return
			}
		}
	})
	return hostLabel
}

// marshal encodes v without HTML escaping
func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
