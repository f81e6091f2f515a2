package client

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/alejzeis/pong-arena/common"
	"github.com/alejzeis/pong-arena/server"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const devTokenTTL = 12 * time.Hour

var errUsage = errors.New("bad usage")

const usage = `commands:
  connect [URL] [token|userId]   connect to a server, a userId needs PONG_JWT_SECRET
  info | status                  server information
  queue | unqueue | queued       matchmaking
  join [roomId]                  create a room, or join one by code
  start | state | leave          current room
  move [y] | score [userId]      in game
  tournament create [name] [size] | join [id] | current | round [id] [round]
  chat [userId] [message...]
  quit`

type console struct {
	rest   *restClient
	socket *gameSocket
	secret []byte
}

// RunClient is the main method for running the client code. secret enables dev tokens for
// connect with a numeric user id.
func RunClient(in io.Reader, secret []byte) {
	c := &console{secret: secret}
	defer c.disconnect()

	log.Info("Client ready for commands.")
	scanner := bufio.NewScanner(in)

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		text := strings.TrimSpace(scanner.Text())
		if len(text) == 0 {
			continue
		}
		if text == "quit" || text == "exit" {
			return
		}
		if err := c.execute(strings.Fields(text)); err != nil {
			if errors.Is(err, errUsage) {
				fmt.Println(usage)
				continue
			}
			log.WithError(err).Error("Command failed")
		}
	}
}

func (c *console) execute(args []string) error {
	switch args[0] {
	case "help":
		fmt.Println(usage)
		return nil
	case "connect":
		if len(args) < 3 {
			return errUsage
		}
		return c.connect(args[1], args[2])
	case "disconnect":
		c.disconnect()
		return nil
	case "info":
		return c.withRest(func(r *restClient) error {
			info, err := r.info()
			if err == nil {
				log.WithFields(log.Fields{"software": info.Software, "version": info.Version, "api": info.API}).Info("Server info")
			}
			return err
		})
	case "status":
		return c.withRest(func(r *restClient) error {
			status, err := r.status()
			if err == nil {
				log.WithFields(log.Fields{"online": status.Online, "rooms": status.Rooms, "queued": status.Queued}).Info("Server status")
			}
			return err
		})
	case "queue":
		return c.socket.send(common.KindMatchmaking, common.EventQueueJoin, nil)
	case "unqueue":
		return c.socket.send(common.KindMatchmaking, common.EventQueueLeave, nil)
	case "queued":
		return c.socket.send(common.KindMatchmaking, common.EventQueueStatus, nil)
	case "join":
		req := common.RoomRequest{}
		if len(args) > 1 {
			req.RoomID = strings.ToUpper(args[1])
		}
		return c.socket.send(common.KindGame, common.EventJoin, req)
	case "start", "state", "leave":
		roomID, err := c.currentRoom()
		if err != nil {
			return err
		}
		return c.socket.send(common.KindGame, args[0], common.RoomRequest{RoomID: roomID})
	case "move":
		if len(args) < 2 {
			return errUsage
		}
		y, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return errUsage
		}
		roomID, err := c.currentRoom()
		if err != nil {
			return err
		}
		return c.socket.send(common.KindGame, common.EventMove, common.MoveRequest{RoomID: roomID, Y: y})
	case "score":
		if len(args) < 2 {
			return errUsage
		}
		scorer, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return errUsage
		}
		roomID, err := c.currentRoom()
		if err != nil {
			return err
		}
		return c.socket.send(common.KindGame, common.EventScore, common.ScoreRequest{RoomID: roomID, Scorer: scorer})
	case "tournament":
		return c.tournament(args[1:])
	case "chat":
		if len(args) < 3 {
			return errUsage
		}
		to, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return errUsage
		}
		return c.socket.send(common.KindChat, "", common.ChatRequest{To: to, Message: strings.Join(args[2:], " ")})
	}
	return errUsage
}

func (c *console) tournament(args []string) error {
	if len(args) == 0 {
		return errUsage
	}
	switch args[0] {
	case "create":
		if len(args) < 3 {
			return errUsage
		}
		size, err := strconv.Atoi(args[2])
		if err != nil {
			return errUsage
		}
		return c.socket.send(common.KindTournament, common.EventTournamentCreate, common.CreateTournamentRequest{Name: args[1], MaxPlayers: size})
	case "join":
		if len(args) < 2 {
			return errUsage
		}
		return c.socket.send(common.KindTournament, common.EventTournamentJoin, common.TournamentRequest{TournamentID: args[1]})
	case "current":
		if c.socket == nil && c.rest != nil {
			view, err := c.rest.tournament()
			if err == nil {
				log.WithFields(log.Fields{"id": view.ID, "name": view.Name, "status": view.Status, "round": view.CurrentRound, "players": view.Players}).Info("Current tournament")
			}
			return err
		}
		return c.socket.send(common.KindTournament, common.EventTournamentCurrent, nil)
	case "round":
		if len(args) < 2 {
			return errUsage
		}
		req := common.TournamentRequest{TournamentID: args[1]}
		if len(args) > 2 {
			round, err := strconv.Atoi(args[2])
			if err != nil {
				return errUsage
			}
			req.Round = round
		}
		return c.socket.send(common.KindTournament, common.EventTournamentStartRound, req)
	}
	return errUsage
}

// connect opens the game socket. A numeric credential is turned into a locally signed token.
func (c *console) connect(serverURL, credential string) error {
	c.disconnect()

	token := credential
	if userID, err := strconv.ParseUint(credential, 10, 64); err == nil {
		if len(c.secret) == 0 {
			return errors.New("a user id needs PONG_JWT_SECRET to sign a token, pass a token instead")
		}
		if token, err = server.IssueToken(c.secret, userID, devTokenTTL); err != nil {
			return errors.Wrap(err, "sign token")
		}
	}

	rest := createRestClient(serverURL)
	info, err := rest.info()
	if err != nil {
		return err
	}
	if info.API != common.APIVersion {
		return errors.Errorf("server speaks API v%d, this client v%d", info.API, common.APIVersion)
	}

	socket, err := openSocket(rest.websocketURL(), token)
	if err != nil {
		return errors.Wrap(err, "connect")
	}

	c.rest = rest
	c.socket = socket
	log.WithFields(log.Fields{"server": serverURL, "version": info.Version}).Info("Connected")
	return nil
}

func (c *console) disconnect() {
	if c.socket != nil {
		c.socket.close()
		c.socket = nil
	}
}

func (c *console) withRest(f func(*restClient) error) error {
	if c.rest == nil {
		return ErrNotConnected
	}
	return f(c.rest)
}

func (c *console) currentRoom() (string, error) {
	if c.socket == nil {
		return "", ErrNotConnected
	}
	roomID := c.socket.room()
	if roomID == "" {
		return "", errors.New("not in a room, use join first")
	}
	return roomID, nil
}
