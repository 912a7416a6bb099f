package models

import "encoding/json"

// Inbound event types.
const (
	EventJoinRoom   = "join_room"
	EventCodeChange = "code_change"
	EventDisconnect = "disconnect"
)

// Outbound event types.
const (
	EventRoleAssigned    = "role_assigned"
	EventRoomUpdate      = "room_update"
	EventMentorLeft      = "mentor_left"
	EventRoomNotFound    = "room_not_found"
	EventRedirectToLobby = "redirect_to_lobby"
	EventCodeUpdate      = "code_update"
	EventError           = "error"
)

type WSFrame struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

/*** Inbound payloads ***/

// InboundFrame keeps the payload raw until the event type is known.
type InboundFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type JoinRoom struct {
	Room string `json:"room"`
}

type CodeChange struct {
	Room   string `json:"room"`
	Code   string `json:"code"`
	Sender string `json:"sender,omitempty"`
}

/*** Outbound payloads ***/

type RoleAssigned struct {
	IsMentor bool `json:"isMentor"`
}

type RoomUpdate struct {
	StudentCount int `json:"studentCount"`
}

type CodeUpdate struct {
	Code     string `json:"code"`
	IsSolved bool   `json:"isSolved"`
	Sender   string `json:"sender"`
}

type Message struct {
	Message string `json:"message"`
}

func ErrorFrame(msg string) WSFrame { return WSFrame{Type: EventError, Data: Message{Message: msg}} }

func RoleFrame(role Role) WSFrame {
	return WSFrame{Type: EventRoleAssigned, Data: RoleAssigned{IsMentor: role == RoleMentor}}
}

func RoomUpdateFrame(count int) WSFrame {
	return WSFrame{Type: EventRoomUpdate, Data: RoomUpdate{StudentCount: count}}
}

func CodeUpdateFrame(u CodeUpdate) WSFrame { return WSFrame{Type: EventCodeUpdate, Data: u} }

func MentorLeftFrame() WSFrame { return WSFrame{Type: EventMentorLeft} }
