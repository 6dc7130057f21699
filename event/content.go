// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package event

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// TypeMap is a mapping from event type to the content struct type.
// This is used by Content.ParseRaw() for creating the correct type of struct.
var TypeMap = map[Type]reflect.Type{
	StateEncryption:        reflect.TypeOf(EncryptionEventContent{}),
	StateHistoryVisibility: reflect.TypeOf(HistoryVisibilityEventContent{}),

	EventEncrypted: reflect.TypeOf(EncryptedEventContent{}),

	ToDeviceRoomKey:                  reflect.TypeOf(RoomKeyEventContent{}),
	ToDeviceForwardedRoomKey:         reflect.TypeOf(ForwardedRoomKeyEventContent{}),
	ToDeviceRoomKeyRequest:           reflect.TypeOf(RoomKeyRequestEventContent{}),
	ToDeviceRoomKeyWithheld:          reflect.TypeOf(RoomKeyWithheldEventContent{}),
	ToDeviceOrgMatrixRoomKeyWithheld: reflect.TypeOf(RoomKeyWithheldEventContent{}),
	ToDeviceEncrypted:                reflect.TypeOf(EncryptedEventContent{}),
	ToDeviceDummy:                    reflect.TypeOf(DummyEventContent{}),
}

var ErrUnsupportedContentType = errors.New("unsupported content type")
var ErrContentAlreadyParsed = errors.New("content is already parsed")

// Content stores the content of an event.
//
// By default only the raw JSON is kept around. Calling ParseRaw with the
// correct event type parses the content into the matching struct from
// TypeMap, accessible through Parsed or the As* helpers.
type Content struct {
	VeryRaw json.RawMessage
	Parsed  any
}

func (content *Content) UnmarshalJSON(data []byte) error {
	content.VeryRaw = data
	return nil
}

func (content *Content) MarshalJSON() ([]byte, error) {
	if content.Parsed != nil {
		return json.Marshal(content.Parsed)
	} else if content.VeryRaw == nil {
		return []byte("null"), nil
	}
	return content.VeryRaw, nil
}

func (content *Content) ParseRaw(evtType Type) error {
	if content.Parsed != nil {
		return ErrContentAlreadyParsed
	}
	structType, ok := TypeMap[evtType]
	if !ok {
		return fmt.Errorf("%w %s", ErrUnsupportedContentType, evtType.Repr())
	}
	content.Parsed = reflect.New(structType).Interface()
	return json.Unmarshal(content.VeryRaw, &content.Parsed)
}

// RawGet reads a field from the raw JSON content without parsing the whole
// content into a struct. The path syntax is gjson's.
func (content *Content) RawGet(path ...string) gjson.Result {
	return gjson.GetBytes(content.VeryRaw, gjsonPath(path...))
}

// RawSet writes a field into the raw JSON content in-place.
func (content *Content) RawSet(value any, path ...string) error {
	raw, err := sjson.SetBytes(content.VeryRaw, gjsonPath(path...), value)
	if err != nil {
		return err
	}
	content.VeryRaw = raw
	return nil
}

func gjsonPath(path ...string) string {
	var out string
	for i, part := range path {
		if i > 0 {
			out += "."
		}
		for _, chr := range part {
			if chr == '.' || chr == '*' || chr == '?' || chr == '\\' {
				out += "\\"
			}
			out += string(chr)
		}
	}
	return out
}

func (content *Content) AsEncrypted() *EncryptedEventContent {
	casted, _ := content.Parsed.(*EncryptedEventContent)
	return casted
}

func (content *Content) AsRoomKey() *RoomKeyEventContent {
	casted, _ := content.Parsed.(*RoomKeyEventContent)
	return casted
}

func (content *Content) AsForwardedRoomKey() *ForwardedRoomKeyEventContent {
	casted, _ := content.Parsed.(*ForwardedRoomKeyEventContent)
	return casted
}

func (content *Content) AsRoomKeyRequest() *RoomKeyRequestEventContent {
	casted, _ := content.Parsed.(*RoomKeyRequestEventContent)
	return casted
}

func (content *Content) AsRoomKeyWithheld() *RoomKeyWithheldEventContent {
	casted, _ := content.Parsed.(*RoomKeyWithheldEventContent)
	return casted
}

func (content *Content) AsEncryption() *EncryptionEventContent {
	casted, _ := content.Parsed.(*EncryptionEventContent)
	return casted
}

func (content *Content) AsHistoryVisibility() *HistoryVisibilityEventContent {
	casted, _ := content.Parsed.(*HistoryVisibilityEventContent)
	return casted
}

var b64 = base64.RawStdEncoding

// unpaddedBase64 marshals a byte slice as an unpadded base64 JSON string.
type unpaddedBase64 []byte

func (ub64 *unpaddedBase64) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return errors.New("input doesn't look like a JSON string")
	}
	*ub64 = make([]byte, b64.DecodedLen(len(data)-2))
	_, err := b64.Decode(*ub64, data[1:len(data)-1])
	return err
}

func (ub64 *unpaddedBase64) MarshalJSON() ([]byte, error) {
	data := make([]byte, b64.EncodedLen(len(*ub64))+2)
	data[0] = '"'
	data[len(data)-1] = '"'
	b64.Encode(data[1:len(data)-1], *ub64)
	return data, nil
}
