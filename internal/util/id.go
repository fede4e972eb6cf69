package util

import (
	"crypto/rand"
	"encoding/hex"
	"hash/fnv"
)

func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}

var participantColors = []string{
	"#e15759", "#4e79a7", "#59a14f", "#f28e2b",
	"#b07aa1", "#76b7b2", "#edc948", "#9c755f",
}

// ParticipantColor assigns a stable display color per participant ID.
func ParticipantColor(participantID string) string {
	hash := fnv.New32a()
	_, _ = hash.Write([]byte(participantID))
	return participantColors[int(hash.Sum32())%len(participantColors)]
}
