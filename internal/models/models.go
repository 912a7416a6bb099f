package models

type Role string

const (
	RoleMentor  Role = "mentor"
	RoleStudent Role = "student"
)

/*** Persisted room state ***/

// Room is a code block document. MentorID is empty while nobody owns the room.
type Room struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Code         string `json:"code"`
	OriginalCode string `json:"originalCode"`
	Solution     string `json:"-"`
	MentorID     string `json:"mentorId,omitempty"`
	StudentCount int    `json:"studentCount"`
}

func (r *Room) HasMentor() bool { return r.MentorID != "" }

// IsMentor reports whether connID currently holds the room's mentor slot.
func (r *Room) IsMentor(connID string) bool {
	return connID != "" && r.MentorID == connID
}

// CodeBlockView is what the lobby and the room page read over HTTP.
type CodeBlockView struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Code         string `json:"code"`
	StudentCount int    `json:"studentCount"`
}

func (r *Room) View() CodeBlockView {
	return CodeBlockView{ID: r.ID, Title: r.Title, Code: r.Code, StudentCount: r.StudentCount}
}

type CodeBlocksResponse struct {
	Total int             `json:"total"`
	Items []CodeBlockView `json:"items"`
}

// uniform error payload
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
