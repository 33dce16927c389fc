package contracts

import (
	"encoding/json"
	"fmt"
)

// Codec converts envelopes to and from message bodies
type Codec interface {
	Marshal(env *Envelope) ([]byte, error)
	Unmarshal(data []byte) (*Envelope, error)
	ContentType() string
}

// JSONCodec is the wire format shared with every other producer and
// consumer of the topology.
type JSONCodec struct{}

// Marshal implements Codec
func (JSONCodec) Marshal(env *Envelope) ([]byte, error) {
	if env == nil {
		return nil, ErrNilEnvelope
	}
	return marshal(env.wire())
}

// Unmarshal implements Codec
func (JSONCodec) Unmarshal(data []byte) (*Envelope, error) {
	env := &Envelope{}
	if err := env.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return env, nil
}

// ContentType implements Codec
func (JSONCodec) ContentType() string {
	return "application/json"
}

// AnnotateError sets the __errMsg field of a serialized envelope, keeping
// every other field as it was. An empty errMsg leaves data unchanged.
func AnnotateError(data []byte, errMsg string) ([]byte, error) {
	if errMsg == "" {
		return data, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return data, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if fields == nil {
		return data, fmt.Errorf("%w: not a JSON object", ErrInvalidEnvelope)
	}

	msg, err := marshal(errMsg)
	if err != nil {
		return data, err
	}
	fields[fieldErrMsg] = msg

	return marshal(fields)
}
