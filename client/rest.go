package client

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/alejzeis/pong-arena/common"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// ErrNoTournament is returned by tournament when the server has no pending or active tournament
var ErrNoTournament = errors.New("no tournament is running")

type restClient struct {
	rest      *resty.Client
	serverURL string
}

func createRestClient(serverURL string) *restClient {
	client := new(restClient)
	client.serverURL = strings.TrimSuffix(serverURL, "/")
	client.rest = resty.New()
	return client
}

func (r *restClient) info() (common.InfoResponse, error) {
	var info common.InfoResponse
	err := r.getJSON("/info", &info)
	return info, err
}

func (r *restClient) status() (common.StatusResponse, error) {
	var status common.StatusResponse
	err := r.getJSON("/status", &status)
	return status, err
}

func (r *restClient) tournament() (common.TournamentView, error) {
	var view common.TournamentView
	err := r.getJSON("/tournament", &view)
	return view, err
}

// websocketURL derives the game socket address from the REST base URL
func (r *restClient) websocketURL() string {
	url := r.serverURL
	switch {
	case strings.HasPrefix(url, "https://"):
		url = "wss://" + strings.TrimPrefix(url, "https://")
	case strings.HasPrefix(url, "http://"):
		url = "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url + "/ws"
}

func (r *restClient) getJSON(path string, v interface{}) error {
	url := r.serverURL + path
	response, err := r.rest.R().Get(url)
	if err != nil {
		log.WithField("url", url).WithError(err).Warn("Request failed")
		return errors.Wrapf(err, "GET %s", path)
	}

	switch response.StatusCode() {
	case http.StatusOK:
	case http.StatusNotFound:
		if path == "/tournament" {
			return ErrNoTournament
		}
		fallthrough
	default:
		log.WithFields(log.Fields{
			"url":    url,
			"status": response.StatusCode(),
			"body":   response.String(),
		}).Warn("Unexpected response")
		return errors.Errorf("GET %s: unexpected status %d", path, response.StatusCode())
	}

	if err := json.Unmarshal(response.Body(), v); err != nil {
		log.WithFields(log.Fields{
			"url":  url,
			"body": response.String(),
		}).WithError(err).Error("Failed to decode JSON response")
		return errors.Wrapf(err, "decode %s", path)
	}
	return nil
}
