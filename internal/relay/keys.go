package relay

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
)

// PubKeyHex accepts a hex public key, an npub or an nprofile and returns
// lowercase hex.
func PubKeyHex(s string) (string, error) {
	s = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), "nostr:"))
	if strings.HasPrefix(s, "npub1") || strings.HasPrefix(s, "nprofile1") {
		_, value, err := nip19.Decode(s)
		if err != nil {
			return "", fmt.Errorf("invalid public key %q: %w", s, err)
		}
		switch v := value.(type) {
		case string:
			return v, nil
		case nostr.ProfilePointer:
			return v.PublicKey, nil
		default:
			return "", fmt.Errorf("invalid public key %q", s)
		}
	}
	return hexKey(s)
}

// SecretKeyHex accepts a hex secret key or an nsec and returns lowercase hex.
func SecretKeyHex(s string) (string, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "nsec1") {
		_, value, err := nip19.Decode(s)
		if err != nil {
			return "", fmt.Errorf("invalid secret key: %w", err)
		}
		sk, ok := value.(string)
		if !ok {
			return "", fmt.Errorf("invalid secret key")
		}
		return sk, nil
	}
	sk, err := hexKey(s)
	if err != nil {
		return "", fmt.Errorf("invalid secret key")
	}
	return sk, nil
}

func hexKey(s string) (string, error) {
	s = strings.ToLower(s)
	if len(s) != 64 {
		return "", fmt.Errorf("invalid key %q: want 64 hex characters", s)
	}
	if _, err := hex.DecodeString(s); err != nil {
		return "", fmt.Errorf("invalid key %q: %w", s, err)
	}
	return s, nil
}

// NoteID renders an event id as a bech32 note for logs.
func NoteID(id string) string {
	note, err := nip19.EncodeNote(id)
	if err != nil {
		return id
	}
	return note
}
