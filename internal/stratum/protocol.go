// Package stratum holds the Stratum V1 message shapes at the boundary
// between miner sessions and the job manager.
package stratum

import (
	"fmt"

	"github.com/bytedance/sonic"

	"github.com/bardlex/gompcore/internal/jobs"
)

// Message is any line received from a miner.
type Message struct {
	ID     any    `json:"id"`
	Method string `json:"method,omitempty"`
	Params []any  `json:"params,omitempty"`
	Result any    `json:"result,omitempty"`
	Error  []any  `json:"error,omitempty"`
}

// Response answers a request. Result and Error are always present, one of
// them null.
type Response struct {
	ID     any   `json:"id"`
	Result any   `json:"result"`
	Error  []any `json:"error"`
}

// Notification is a server push such as mining.notify. ID is always null.
type Notification struct {
	ID     any    `json:"id"`
	Method string `json:"method"`
	Params []any  `json:"params"`
}

// Protocol error codes beyond the share rejection codes in package jobs.
const (
	ErrorUnauthorized   = 24
	ErrorNotSubscribed  = 25
	ErrorInvalidRequest = -32600
	ErrorMethodNotFound = -32601
	ErrorInvalidParams  = -32602
	ErrorParseError     = -32700
)

// SubscribeRequest represents a mining.subscribe request
type SubscribeRequest struct {
	UserAgent string
	SessionID string
}

// AuthorizeRequest represents a mining.authorize request
type AuthorizeRequest struct {
	Username string
	Password string
}

// SubmitRequest represents a mining.submit request
type SubmitRequest struct {
	Username    string
	JobID       string
	ExtraNonce2 string
	NTime       string
	Nonce       string
}

// ParseMessage parses a JSON-RPC message from bytes
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := sonic.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	return &msg, nil
}

// MarshalLine encodes v as one newline-terminated protocol line.
func MarshalLine(v any) ([]byte, error) {
	data, err := sonic.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return append(data, '\n'), nil
}

// IsRequest returns true if the message is a request
func (m *Message) IsRequest() bool {
	return m.Method != "" && m.ID != nil
}

// IsResponse returns true if the message is a response
func (m *Message) IsResponse() bool {
	return m.Method == "" && m.ID != nil && (m.Result != nil || m.Error != nil)
}

// IsNotification returns true if the message is a notification
func (m *Message) IsNotification() bool {
	return m.Method != "" && m.ID == nil
}

func NewResponse(id, result any) *Response {
	return &Response{ID: id, Result: result}
}

// NewErrorResponse builds the [code, message, null] error triple.
func NewErrorResponse(id any, code int, message string) *Response {
	return &Response{ID: id, Error: []any{code, message, nil}}
}

// SubmitResponse answers mining.submit from a share result.
func SubmitResponse(id any, res *jobs.ShareResult) *Response {
	if res.Error != nil {
		return NewErrorResponse(id, res.Error.Code, res.Error.Message)
	}
	return NewResponse(id, true)
}

// SubscribeResult is the mining.subscribe result:
// [[["mining.set_difficulty", id], ["mining.notify", id]], extranonce1, extranonce2_size].
func SubscribeResult(subscriptionID, extraNonce1 string, extraNonce2Size int) []any {
	return []any{
		[]any{
			[]any{"mining.set_difficulty", subscriptionID},
			[]any{"mining.notify", subscriptionID},
		},
		extraNonce1,
		extraNonce2Size,
	}
}

// NotifyMessage is the mining.notify push for job.
func NotifyMessage(job jobs.Job, cleanJobs bool) *Notification {
	w := job.Work()
	branch := w.MerkleBranch
	if branch == nil {
		branch = []string{}
	}
	return &Notification{
		Method: "mining.notify",
		Params: []any{job.ID(), w.PrevHash, w.Coinb1, w.Coinb2, branch, w.Version, w.NBits, w.NTime, cleanJobs},
	}
}

func SetDifficultyMessage(difficulty float64) *Notification {
	return &Notification{
		Method: "mining.set_difficulty",
		Params: []any{difficulty},
	}
}

// ParseSubscribeRequest parses mining.subscribe parameters. Both are optional.
func ParseSubscribeRequest(params []any) (*SubscribeRequest, error) {
	req := &SubscribeRequest{}

	if len(params) > 0 {
		if userAgent, ok := params[0].(string); ok {
			req.UserAgent = userAgent
		}
	}

	if len(params) > 1 {
		if sessionID, ok := params[1].(string); ok {
			req.SessionID = sessionID
		}
	}

	return req, nil
}

// ParseAuthorizeRequest parses mining.authorize parameters
func ParseAuthorizeRequest(params []any) (*AuthorizeRequest, error) {
	if len(params) < 1 {
		return nil, fmt.Errorf("insufficient parameters")
	}

	username, ok := params[0].(string)
	if !ok {
		return nil, fmt.Errorf("username must be string")
	}

	req := &AuthorizeRequest{Username: username}
	if len(params) > 1 {
		if password, ok := params[1].(string); ok {
			req.Password = password
		}
	}
	return req, nil
}

// ParseSubmitRequest parses mining.submit parameters
func ParseSubmitRequest(params []any) (*SubmitRequest, error) {
	if len(params) < 5 {
		return nil, fmt.Errorf("insufficient parameters")
	}

	names := [5]string{"username", "job_id", "extranonce2", "ntime", "nonce"}
	var fields [5]string
	for i := range fields {
		s, ok := params[i].(string)
		if !ok {
			return nil, fmt.Errorf("%s must be string", names[i])
		}
		fields[i] = s
	}

	return &SubmitRequest{
		Username:    fields[0],
		JobID:       fields[1],
		ExtraNonce2: fields[2],
		NTime:       fields[3],
		Nonce:       fields[4],
	}, nil
}

// Client is what a session knows about its miner when a share arrives.
type Client struct {
	ExtraNonce1        string
	IP                 string
	Port               int
	Difficulty         float64
	PreviousDifficulty float64
}

// Submission turns a parsed mining.submit into the manager's input.
func (r *SubmitRequest) Submission(c Client) *jobs.Submission {
	return &jobs.Submission{
		JobID:              r.JobID,
		PreviousDifficulty: c.PreviousDifficulty,
		Difficulty:         c.Difficulty,
		ExtraNonce1:        c.ExtraNonce1,
		ExtraNonce2:        r.ExtraNonce2,
		NTime:              r.NTime,
		Nonce:              r.Nonce,
		IP:                 c.IP,
		Port:               c.Port,
		Worker:             r.Username,
	}
}
