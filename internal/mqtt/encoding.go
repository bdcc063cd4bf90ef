package mqtt

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Payload encodings
const (
	FormatJSON = "json"
	FormatCBOR = "cbor"
)

// Encode serialises v in the given format
func Encode(format string, v any) ([]byte, error) {
	switch format {
	case FormatJSON, "":
		return json.Marshal(v)
	case FormatCBOR:
		return cbor.Marshal(v)
	default:
		return nil, fmt.Errorf("unknown payload format %q", format)
	}
}
