package models

import (
	"encoding/json"
	"time"
)

// PersonaStatus is the lifecycle state of a persona. Personas are never
// removed from the store, only moved between states.
type PersonaStatus int

const (
	StatusEnabled   PersonaStatus = 0
	StatusSuspended PersonaStatus = 1
	StatusDeleted   PersonaStatus = -1
)

func (s PersonaStatus) String() string {
	switch s {
	case StatusEnabled:
		return "enabled"
	case StatusSuspended:
		return "suspended"
	case StatusDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Persona is one bot-controlled identity able to publish on its own.
type Persona struct {
	ID        int64         `json:"id"`
	Status    PersonaStatus `json:"status"`
	Prompt    string        `json:"prompt"`
	PubKey    string        `json:"pubkey"`
	SecretKey string        `json:"-"`
	Content   string        `json:"content"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Enabled reports whether the persona may be selected to reply.
func (p *Persona) Enabled() bool {
	return p.Status == StatusEnabled
}

// Profile decodes the stored kind-0 content. Broken JSON yields an empty profile.
func (p *Persona) Profile() Profile {
	var profile Profile
	_ = json.Unmarshal([]byte(p.Content), &profile)
	return profile
}

// Profile is the public metadata published for a persona.
type Profile struct {
	Name        string `json:"name,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Picture     string `json:"picture,omitempty"`
	About       string `json:"about,omitempty"`
}

// Label returns the most human-friendly name available.
func (p Profile) Label() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.Name
}
