package server

import (
	"encoding/json"
	"net/http"

	"github.com/alejzeis/pong-arena/common"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var infoResponseJSON []byte // Cached bytes of the JSON for the /info response

func init() {
	infoResponseJSON, _ = json.Marshal(common.InfoResponse{
		Software: common.SoftwareName,
		Version:  common.SoftwareVersion,
		API:      common.APIVersion,
	})
}

// Returns server information such as the software version and REST API version
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(infoResponseJSON)
}

// Returns the number of connected users, live rooms and users searching for a match
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, common.StatusResponse{
		Online: s.registry.OnlineCount(),
		Rooms:  s.rooms.Count(),
		Queued: s.matchmaker.Len(),
	})
}

// Returns the pending or active tournament
// HTTP Responses:
//   - 404 Not Found: No tournament is pending or running
//   - 500 Internal Server Error: The store could not be read
//   - 200 OK: The tournament with its registered players
func (s *Server) handleTournament(w http.ResponseWriter, r *http.Request) {
	view, err := s.tournaments.Current(r.Context())
	if err != nil {
		if errors.Is(err, ErrTournamentNotFound) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		log.WithError(err).Error("Failed to look up current tournament")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		log.WithError(err).Error("Failed to encode JSON response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}
