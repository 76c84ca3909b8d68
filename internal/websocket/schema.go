package websocket

import "github.com/clinicus/clinicus-backend/internal/model"

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionAnswer         Action = "answer"
	ActionEditSlot       Action = "edit_slot"
	ActionEditCell       Action = "edit_cell"
	ActionSelectQuestion Action = "select_question"
	ActionNextQuestion   Action = "next_question"
	ActionPrevQuestion   Action = "prev_question"
	ActionNextPage       Action = "next_page"
	ActionSubmit         Action = "submit"
	ActionPause          Action = "pause"
	ActionResume         Action = "resume"
	ActionPing           Action = "ping"
)

// Request is every client message. Only the fields of the action are read.
type Request struct {
	Action     Action        `json:"action"`
	QuestionID int           `json:"question_id,omitempty"`
	Answer     *model.Answer `json:"answer,omitempty"`
	Slot       *int          `json:"slot,omitempty"`
	Row        *int          `json:"row,omitempty"`
	Col        *int          `json:"col,omitempty"`
	Value      string        `json:"value,omitempty"`
	Index      *int          `json:"index,omitempty"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventState    Event = "state"
	EventTick     Event = "tick"
	EventNotice   Event = "notice"
	EventNavigate Event = "navigate"
	EventExpired  Event = "expired"
	EventGraded   Event = "graded"
	EventError    Event = "error"
	EventPong     Event = "pong"
)

// Envelope wraps every server message.
type Envelope struct {
	Event Event       `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

type TickResponse struct {
	Display string `json:"display"`
	Minutes int    `json:"minutes"`
	Seconds int    `json:"seconds"`
	Running bool   `json:"running"`
}

type NavigateResponse struct {
	Route string `json:"route"`
}

type GradedResponse struct {
	Status string        `json:"status"`
	Route  string        `json:"route"`
	Result *model.Result `json:"result,omitempty"`
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
