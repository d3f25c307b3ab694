// Package codec implements the text-safe payload transform used at every
// storage, cache and wire boundary.
package codec

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

var enc = base64.StdEncoding

// Encode turns arbitrary bytes into a printable token.
// Empty input yields the empty token, which still decodes to empty input.
func Encode(plain []byte) string {
	return enc.EncodeToString(plain)
}

// EncodeString is Encode for string payloads.
func EncodeString(plain string) string {
	return Encode([]byte(plain))
}

// Decode reverses Encode.
func Decode(token string) ([]byte, error) {
	out, err := enc.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	return out, nil
}

// DecodeString is Decode returning a string.
func DecodeString(token string) (string, error) {
	out, err := Decode(token)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Marshal serializes v as JSON and encodes the result into one token.
func Marshal(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return Encode(data), nil
}

// Unmarshal decodes a token produced by Marshal into v.
func Unmarshal(token string, v any) error {
	data, err := Decode(token)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	return nil
}
