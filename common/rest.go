package common

import "time"

// SoftwareName is the name of this software
const SoftwareName = "pong-arena"

// SoftwareVersion is the version of this software
const SoftwareVersion = "v1.0.0-alpha"

// APIVersion is the version of the REST API
const APIVersion uint = 1

// InfoResponse is the JSON response to the /info REST method
type InfoResponse struct {
	Software string `json:"software"`
	Version  string `json:"version"`
	API      uint   `json:"apiVersion"`
}

// StatusResponse is the JSON response to the /status REST method
type StatusResponse struct {
	Online int `json:"online"`
	Rooms  int `json:"rooms"`
	Queued int `json:"queued"`
}

// TournamentView is how a tournament is presented to clients, both over REST (/tournament)
// and inside tournament frames.
type TournamentView struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	MaxPlayers   int       `json:"maxPlayers"`
	OwnerID      uint64    `json:"ownerId"`
	Status       string    `json:"status"`
	CurrentRound int       `json:"currentRound"`
	WinnerID     *uint64   `json:"winnerId,omitempty"`
	Players      []uint64  `json:"players,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}
