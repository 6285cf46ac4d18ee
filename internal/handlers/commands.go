// internal/handlers/commands.go
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jason-s-yu/krackle/internal/lobby"
	"github.com/sirupsen/logrus"
)

// CommandType enumerates the messages a client may send on a lobby socket.
type CommandType string

const (
	CmdChatMessage           CommandType = "chat_message"
	CmdLeaveLobby            CommandType = "leave_lobby"
	CmdKickPlayer            CommandType = "kick_player"
	CmdMutePlayer            CommandType = "mute_player"
	CmdUnmutePlayer          CommandType = "unmute_player"
	CmdStartGame             CommandType = "start_game"
	CmdCloseLobby            CommandType = "close_lobby"
	CmdDisbandLobby          CommandType = "disband_lobby"
	CmdChangeSettings        CommandType = "change_settings"
	CmdNewGameVideo          CommandType = "new_game_video"
	CmdUploadImage           CommandType = "upload_image"
	CmdFaceDetectionData     CommandType = "face_detection_data"
	CmdFaceDetectionSettings CommandType = "face_detection_admin_settings"
)

// command is an inbound frame: {"type": ..., "payload": {...}}.
type command struct {
	Type    CommandType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// decodeCommand parses a client frame. Older clients put the payload fields
// next to "type" instead of under "payload"; both forms are accepted.
func decodeCommand(data []byte) (command, error) {
	var cmd command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return cmd, err
	}
	if len(cmd.Payload) > 0 && string(cmd.Payload) != "null" {
		return cmd, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return cmd, err
	}
	delete(fields, "type")
	delete(fields, "payload")
	payload, err := json.Marshal(fields)
	if err != nil {
		return cmd, err
	}
	cmd.Payload = payload
	return cmd, nil
}

type targetPayload struct {
	Username string `json:"username"`
	Reason   string `json:"reason"`
}

type chatPayload struct {
	Text *string `json:"text"`
}

type imagePayload struct {
	ImageData string `json:"image_data"`
}

var (
	errMissingText     = &lobby.Rejection{Kind: lobby.KindInvalidPayload, Message: "Message text is required."}
	errMissingImage    = &lobby.Rejection{Kind: lobby.KindInvalidPayload, Message: "No image data received."}
	errMissingSubject  = &lobby.Rejection{Kind: lobby.KindInvalidPayload, Message: "Detection data must include a username."}
	errBadSettingsJSON = &lobby.Rejection{Kind: lobby.KindInvalidSettings, Message: "Invalid settings payload."}
	errBadDetectorJSON = &lobby.Rejection{Kind: lobby.KindInvalidSettings, Message: "Invalid face detection settings payload."}
)

// clientSession is one authenticated socket bound to a lobby member.
type clientSession struct {
	srv    *LobbyServer
	lob    *lobby.Lobby
	conn   *LobbyConnection
	logger *logrus.Entry
}

func (s *clientSession) handle(ctx context.Context, cmd command) {
	if err := s.dispatch(ctx, cmd); err != nil {
		s.reportError(cmd.Type, err)
	}
}

func (s *clientSession) dispatch(ctx context.Context, cmd command) error {
	user := s.conn.Username
	code := s.lob.Code

	switch cmd.Type {
	case CmdChatMessage:
		var p chatPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil || p.Text == nil {
			return errMissingText
		}
		return s.lob.Chat(user, *p.Text)

	case CmdLeaveLobby:
		if err := s.lob.Leave(user, s.conn); err != nil {
			return err
		}
		s.srv.Store.Tokens().RevokeUser(code, user)
		s.conn.Close("left lobby")
		return nil

	case CmdKickPlayer:
		var p targetPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return lobby.ErrInvalidPayload
		}
		if err := s.lob.Kick(user, p.Username, p.Reason); err != nil {
			return err
		}
		s.srv.Store.Tokens().RevokeUser(code, p.Username)
		return nil

	case CmdMutePlayer, CmdUnmutePlayer:
		var p targetPayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return lobby.ErrInvalidPayload
		}
		if cmd.Type == CmdMutePlayer {
			if err := s.lob.Mute(user, p.Username); err != nil {
				return err
			}
			s.conn.Notify(lobby.NoticeSuccess, fmt.Sprintf("%s has been muted.", p.Username))
			return nil
		}
		if err := s.lob.Unmute(user, p.Username); err != nil {
			return err
		}
		s.conn.Notify(lobby.NoticeSuccess, fmt.Sprintf("%s has been unmuted.", p.Username))
		return nil

	case CmdStartGame:
		return s.lob.StartGame(user)

	case CmdCloseLobby:
		return s.lob.Close(user)

	case CmdDisbandLobby:
		return s.lob.Disband(user)

	case CmdChangeSettings:
		var patch lobby.SettingsPatch
		if err := json.Unmarshal(cmd.Payload, &patch); err != nil {
			return errBadSettingsJSON
		}
		return s.lob.ChangeSettings(user, patch)

	case CmdNewGameVideo:
		return s.lob.AdvanceRound(user, func(round int) (string, error) {
			return s.srv.Videos.VideoForRound(ctx, code, round)
		})

	case CmdUploadImage:
		var p imagePayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil || p.ImageData == "" {
			return errMissingImage
		}
		if err := s.srv.Images.StoreImage(ctx, code, user, p.ImageData); err != nil {
			return fmt.Errorf("store image: %w", err)
		}
		if err := s.lob.Verify(user, "image"); err != nil {
			return err
		}
		s.conn.Notify(lobby.NoticeSuccess, "Profile picture uploaded successfully!")
		return nil

	case CmdFaceDetectionData:
		return s.relayDetection(cmd.Payload)

	case CmdFaceDetectionSettings:
		var patch lobby.DetectionSettingsPatch
		if err := json.Unmarshal(cmd.Payload, &patch); err != nil {
			return errBadDetectorJSON
		}
		if err := s.lob.SetDetectionSettings(user, patch); err != nil {
			return err
		}
		s.conn.Notify(lobby.NoticeSuccess, "Face detection settings updated!")
		return nil

	default:
		s.logger.WithField("type", cmd.Type).Warn("unknown message type")
		s.conn.Notify(lobby.NoticeError, fmt.Sprintf("Unknown message type: %s", cmd.Type))
		return nil
	}
}

// relayDetection forwards a detector result. Only the username key is
// inspected; a result flagged verified marks that member verified, anything
// else is relayed to the lobby untouched.
func (s *clientSession) relayDetection(payload json.RawMessage) error {
	var shape map[string]json.RawMessage
	if err := json.Unmarshal(payload, &shape); err != nil {
		return errMissingSubject
	}
	var subject string
	if raw, ok := shape["username"]; !ok || json.Unmarshal(raw, &subject) != nil || subject == "" {
		return errMissingSubject
	}

	var verified bool
	if raw, ok := shape["verified"]; ok {
		_ = json.Unmarshal(raw, &verified)
	}
	if !verified {
		return s.lob.Telemetry(s.conn.Username, subject, payload)
	}

	method := "face"
	if raw, ok := shape["method"]; ok {
		var m string
		if json.Unmarshal(raw, &m) == nil && m != "" {
			method = m
		}
	}
	if err := s.lob.Verify(subject, method); err != nil {
		if errors.Is(err, lobby.ErrNotMember) {
			return lobby.ErrTargetNotFound
		}
		return err
	}
	return nil
}

// reportError turns a failed command into a private notice. The connection
// stays open.
func (s *clientSession) reportError(typ CommandType, err error) {
	var rej *lobby.Rejection
	switch {
	case errors.As(err, &rej):
		s.logger.WithFields(logrus.Fields{"type": typ, "kind": rej.Kind}).Debug("command rejected")
		s.conn.Notify(lobby.NoticeError, rej.Message)
	case errors.Is(err, ErrNoMoreVideos):
		s.conn.Notify(lobby.NoticeError, "No more videos available.")
	default:
		s.logger.WithError(err).WithField("type", typ).Error("command failed")
		s.conn.Notify(lobby.NoticeError, "Something went wrong. Please try again.")
	}
}
