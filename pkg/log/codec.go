package log

import (
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// A log file is a plain sequence of CBOR-encoded events with integer keys.
// There is no header or framing: each item is self-delimiting, so a file
// can be appended to by several runs and cut at any event boundary.
var (
	encMode = mustEncMode(cbor.EncOptions{
		Sort:          cbor.SortCoreDeterministic,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	})

	decMode = mustDecMode(cbor.DecOptions{
		DupMapKey:       cbor.DupMapKeyEnforcedAPF,
		IndefLength:     cbor.IndefLengthForbidden,
		MaxNestedLevels: 16,
	})
)

func mustEncMode(opts cbor.EncOptions) cbor.EncMode {
	em, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("log: CBOR encoder options: %v", err))
	}
	return em
}

func mustDecMode(opts cbor.DecOptions) cbor.DecMode {
	dm, err := opts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("log: CBOR decoder options: %v", err))
	}
	return dm
}

// MarshalEvent returns the on-disk encoding of event.
func MarshalEvent(event Event) ([]byte, error) {
	return encMode.Marshal(event)
}

// UnmarshalEvent decodes a single event.
func UnmarshalEvent(data []byte) (Event, error) {
	var event Event
	err := decMode.Unmarshal(data, &event)
	return event, err
}

func newEncoder(w io.Writer) *cbor.Encoder {
	return encMode.NewEncoder(w)
}

func newDecoder(r io.Reader) *cbor.Decoder {
	return decMode.NewDecoder(r)
}
