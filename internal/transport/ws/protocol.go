package ws

import (
	"encoding/json"

	"github.com/huncho416/MythicPrisonCore/internal/economy/cache"
)

const ProtocolVersion = "1"

const (
	TypeHello   = "HELLO"
	TypeWelcome = "WELCOME"
	TypeUpdate  = "UPDATE"
)

type baseMsg struct {
	Type string `json:"type"`
}

type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	NodeID          string `json:"node_id"`
}

type WelcomeMsg struct {
	Type  string `json:"type"`
	Peers int    `json:"peers"`
}

type UpdateMsg struct {
	Type   string       `json:"type"`
	Update cache.Update `json:"update"`
}

func decodeType(b []byte) (string, error) {
	var base baseMsg
	if err := json.Unmarshal(b, &base); err != nil {
		return "", err
	}
	return base.Type, nil
}
