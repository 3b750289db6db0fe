// Package wire is the Engine.IO/Socket.IO-style text framing shared by the
// hub transport and the edge client. A frame is one engine packet byte,
// optionally one socket packet byte, an optional namespace, an optional ack
// id, and a JSON array payload.
package wire

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
)

type EngineType byte

const (
	EngineOpen    EngineType = '0'
	EngineClose   EngineType = '1'
	EnginePing    EngineType = '2'
	EnginePong    EngineType = '3'
	EngineMessage EngineType = '4'
)

type SocketType byte

const (
	SocketConnect SocketType = '0'
	SocketEvent   SocketType = '2'
	SocketAck     SocketType = '3'
)

func ParseNamespace(s string) (namespace, rest string) {
	if !strings.HasPrefix(s, "/") {
		return "/", s
	}
	comma := strings.IndexByte(s, ',')
	if comma == -1 {
		return "/", s
	}
	return s[:comma], s[comma+1:]
}

func parseIDPrefix(s string) (id *int, rest string) {
	i := 0
	for i < len(s) {
		c := s[i]
		if c < '0' || c > '9' {
			break
		}
		i++
	}
	if i == 0 {
		return nil, s
	}
	v, err := strconv.Atoi(s[:i])
	if err != nil {
		return nil, s
	}
	return &v, s[i:]
}

// EventPacket is a named event with optional ack id and JSON arguments.
type EventPacket struct {
	Namespace string
	ID        *int
	Event     string
	Args      []json.RawMessage
}

func ParseEvent(payload string) (EventPacket, error) {
	if payload == "" || payload[0] != byte(SocketEvent) {
		return EventPacket{}, errors.New("not an event packet")
	}

	ns, rest := ParseNamespace(payload[1:])
	id, rest := parseIDPrefix(rest)
	if !strings.HasPrefix(rest, "[") {
		return EventPacket{}, errors.New("invalid event payload")
	}

	var arr []json.RawMessage
	if err := json.Unmarshal([]byte(rest), &arr); err != nil {
		return EventPacket{}, err
	}
	if len(arr) == 0 {
		return EventPacket{}, errors.New("missing event name")
	}
	var name string
	if err := json.Unmarshal(arr[0], &name); err != nil {
		return EventPacket{}, errors.New("invalid event name")
	}
	return EventPacket{Namespace: ns, ID: id, Event: name, Args: arr[1:]}, nil
}

// AckPacket correlates a response to an earlier event by id.
type AckPacket struct {
	Namespace string
	ID        int
	Args      []json.RawMessage
}

func ParseAck(payload string) (AckPacket, error) {
	if payload == "" || payload[0] != byte(SocketAck) {
		return AckPacket{}, errors.New("not an ack packet")
	}

	ns, rest := ParseNamespace(payload[1:])
	id, rest := parseIDPrefix(rest)
	if id == nil {
		return AckPacket{}, errors.New("missing ack id")
	}
	if !strings.HasPrefix(rest, "[") {
		return AckPacket{}, errors.New("invalid ack payload")
	}

	var arr []json.RawMessage
	if err := json.Unmarshal([]byte(rest), &arr); err != nil {
		return AckPacket{}, err
	}
	return AckPacket{Namespace: ns, ID: *id, Args: arr}, nil
}

func BuildEvent(namespace string, id *int, event string, args ...any) (string, error) {
	arr := make([]any, 0, 1+len(args))
	arr = append(arr, event)
	arr = append(arr, args...)
	data, err := json.Marshal(arr)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteByte(byte(SocketEvent))
	if namespace != "" && namespace != "/" {
		b.WriteString(namespace)
		b.WriteByte(',')
	}
	if id != nil {
		b.WriteString(strconv.Itoa(*id))
	}
	b.Write(data)
	return b.String(), nil
}

func BuildAck(namespace string, id int, args ...any) (string, error) {
	if args == nil {
		args = make([]any, 0)
	}
	data, err := json.Marshal(args)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteByte(byte(SocketAck))
	if namespace != "" && namespace != "/" {
		b.WriteString(namespace)
		b.WriteByte(',')
	}
	b.WriteString(strconv.Itoa(id))
	b.Write(data)
	return b.String(), nil
}

func BuildConnect(namespace string, auth any) (string, error) {
	data, err := json.Marshal(auth)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteByte(byte(SocketConnect))
	if namespace != "" && namespace != "/" {
		b.WriteString(namespace)
		b.WriteByte(',')
	}
	b.Write(data)
	return b.String(), nil
}
