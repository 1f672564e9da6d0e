/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package collab is the real-time collaboration coordinator: a
// per-document room holds one in-memory CRDT replica, fans updates out
// to every other connection, and persists dirty state on a debounced
// schedule.
package collab

import (
	"errors"
	"fmt"
	"strings"
)

// MessageType is the first byte of every binary frame on the
// collaboration stream.
type MessageType byte

const (
	// MessageAuth carries the session token. It must be the first
	// frame on a connection.
	MessageAuth MessageType = 0x01
	// MessageSync carries CRDT sync-step bytes. The coordinator answers
	// an inbound sync frame with the full replica state; the inbound
	// payload is not interpreted.
	MessageSync MessageType = 0x02
	// MessageUpdate carries CRDT update bytes to apply and broadcast.
	MessageUpdate MessageType = 0x03
	// MessageAwareness carries transient presence bytes. Fanned out,
	// never applied or persisted.
	MessageAwareness MessageType = 0x04
	// MessageStateless carries an arbitrary JSON string for
	// out-of-band user messages.
	MessageStateless MessageType = 0x05
)

// String returns the message type's wire name.
func (t MessageType) String() string {
	switch t {
	case MessageAuth:
		return "auth"
	case MessageSync:
		return "sync"
	case MessageUpdate:
		return "update"
	case MessageAwareness:
		return "awareness"
	case MessageStateless:
		return "stateless"
	default:
		return fmt.Sprintf("unknown(0x%02x)", byte(t))
	}
}

// ErrEmptyFrame is returned for zero-length frames.
var ErrEmptyFrame = errors.New("collab: empty frame")

// EncodeFrame prepends the type byte to payload.
func EncodeFrame(t MessageType, payload []byte) []byte {
	frame := make([]byte, 0, 1+len(payload))
	frame = append(frame, byte(t))
	return append(frame, payload...)
}

// DecodeFrame splits a frame into its type and payload. The payload
// aliases the input.
func DecodeFrame(frame []byte) (MessageType, []byte, error) {
	if len(frame) == 0 {
		return 0, nil, ErrEmptyFrame
	}
	t := MessageType(frame[0])
	switch t {
	case MessageAuth, MessageSync, MessageUpdate, MessageAwareness, MessageStateless:
		return t, frame[1:], nil
	default:
		return 0, nil, fmt.Errorf("collab: unknown message type 0x%02x", frame[0])
	}
}

// roomNamePrefix is the canonical transport room-name prefix.
const roomNamePrefix = "doc:"

// PathFromRoomName maps a transport room name to a document path:
// "doc:/alice/report" names the document at /alice/report. A bare
// path is accepted as well.
func PathFromRoomName(name string) (string, bool) {
	if name == "" {
		return "", false
	}
	if strings.HasPrefix(name, roomNamePrefix) {
		name = name[len(roomNamePrefix):]
	}
	if name == "" {
		return "", false
	}
	return name, true
}

// RoomName renders the canonical room name for a document path.
func RoomName(path string) string { return roomNamePrefix + path }
