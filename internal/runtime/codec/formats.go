package codec

import (
	"reflect"

	"github.com/bytedance/sonic"
	"github.com/fxamacker/cbor/v2"
	"github.com/vmihailenco/msgpack/v5"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

var jsonConfig = sonic.ConfigStd

// MarshalJSON and UnmarshalJSON are the JSON codec shared by the rest of the
// module (dead-letter records, HTTP responses).
func MarshalJSON(v any) ([]byte, error) {
	return jsonConfig.Marshal(v)
}

func UnmarshalJSON(data []byte, v any) error {
	return jsonConfig.Unmarshal(data, v)
}

type jsonFormat struct{}

func (jsonFormat) ContentType() string { return ContentTypeJSON }

func (jsonFormat) Decode(data []byte) (map[string]any, error) {
	var doc map[string]any
	if err := jsonConfig.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (jsonFormat) Encode(doc map[string]any) ([]byte, error) {
	return jsonConfig.Marshal(doc)
}

type msgpackFormat struct{}

func (msgpackFormat) ContentType() string { return ContentTypeMsgpack }

func (msgpackFormat) Decode(data []byte) (map[string]any, error) {
	var doc map[string]any
	if err := msgpack.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (msgpackFormat) Encode(doc map[string]any) ([]byte, error) {
	return msgpack.Marshal(doc)
}

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}
	cborDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

type cborFormat struct{}

func (cborFormat) ContentType() string { return ContentTypeCBOR }

func (cborFormat) Decode(data []byte) (map[string]any, error) {
	var doc map[string]any
	if err := cborDec.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (cborFormat) Encode(doc map[string]any) ([]byte, error) {
	return cborEnc.Marshal(doc)
}

// protobufFormat carries events as a google.protobuf.Struct.
type protobufFormat struct{}

func (protobufFormat) ContentType() string { return ContentTypeProtobuf }

func (protobufFormat) Decode(data []byte) (map[string]any, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return s.AsMap(), nil
}

func (protobufFormat) Encode(doc map[string]any) ([]byte, error) {
	s, err := structpb.NewStruct(doc)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(s)
}
