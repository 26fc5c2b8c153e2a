package stratum

import (
	"math/big"
	"reflect"
	"strings"
	"testing"

	"github.com/bardlex/gompcore/internal/jobs"
)

func TestParseMessage(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		want    *Message
		wantErr bool
	}{
		{
			name: "valid request",
			data: []byte(`{"id":1,"method":"mining.subscribe","params":["miner/1.0",null]}`),
			want: &Message{
				ID:     float64(1),
				Method: "mining.subscribe",
				Params: []any{"miner/1.0", nil},
			},
		},
		{
			name: "valid response",
			data: []byte(`{"id":1,"result":true,"error":null}`),
			want: &Message{
				ID:     float64(1),
				Result: true,
			},
		},
		{
			name: "error response",
			data: []byte(`{"id":2,"result":null,"error":[21,"Job not found",null]}`),
			want: &Message{
				ID:    float64(2),
				Error: []any{float64(21), "Job not found", nil},
			},
		},
		{
			name:    "invalid json",
			data:    []byte(`{"id":1,"method":`),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseMessage(tt.data)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseMessage() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseMessage() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestMessageKinds(t *testing.T) {
	tests := []struct {
		name                  string
		msg                   Message
		request, resp, notify bool
	}{
		{"request", Message{ID: 1, Method: "mining.submit"}, true, false, false},
		{"response", Message{ID: 1, Result: true}, false, true, false},
		{"error response", Message{ID: 1, Error: []any{20, "Other", nil}}, false, true, false},
		{"notification", Message{Method: "mining.notify"}, false, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.msg.IsRequest(); got != tt.request {
				t.Errorf("IsRequest() = %v", got)
			}
			if got := tt.msg.IsResponse(); got != tt.resp {
				t.Errorf("IsResponse() = %v", got)
			}
			if got := tt.msg.IsNotification(); got != tt.notify {
				t.Errorf("IsNotification() = %v", got)
			}
		})
	}
}

func TestSubmitResponse(t *testing.T) {
	tests := []struct {
		name string
		res  *jobs.ShareResult
		want string
	}{
		{
			name: "accepted",
			res:  &jobs.ShareResult{Accepted: true, Difficulty: 8},
			want: `{"id":4,"result":true,"error":null}` + "\n",
		},
		{
			name: "duplicate",
			res:  &jobs.ShareResult{Error: &jobs.ShareError{Code: jobs.CodeDuplicate, Message: "Duplicate share"}},
			want: `{"id":4,"result":null,"error":[22,"Duplicate share",null]}` + "\n",
		},
		{
			name: "low difficulty",
			res:  &jobs.ShareResult{Error: &jobs.ShareError{Code: jobs.CodeLowDifficulty, Message: "Low difficulty share of 0.5"}},
			want: `{"id":4,"result":null,"error":[23,"Low difficulty share of 0.5",null]}` + "\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line, err := MarshalLine(SubmitResponse(4, tt.res))
			if err != nil {
				t.Fatal(err)
			}
			if string(line) != tt.want {
				t.Errorf("got %s, want %s", line, tt.want)
			}
		})
	}
}

type notifyJob struct{}

func (notifyJob) ID() string               { return "1a" }
func (notifyJob) Template() *jobs.Template { return &jobs.Template{} }
func (notifyJob) ExtraNonce2Size() int     { return 4 }
func (notifyJob) Target() *big.Int         { return big.NewInt(1) }
func (notifyJob) Difficulty() float64      { return 1 }

func (notifyJob) RegisterSubmit(_, _, _, _ string) bool {
	return true
}

func (notifyJob) SerializeHeader(_, _, _, _ string) ([]byte, error) {
	return nil, nil
}

func (notifyJob) SerializeBlock(_ []byte, _, _ string) ([]byte, error) {
	return nil, nil
}

func (notifyJob) Work() jobs.Work {
	return jobs.Work{PrevHash: "aa", Coinb1: "01", Coinb2: "02", Version: "20000000", NBits: "1d00ffff", NTime: "5a54a978"}
}

func TestNotifyMessage(t *testing.T) {
	line, err := MarshalLine(NotifyMessage(notifyJob{}, true))
	if err != nil {
		t.Fatal(err)
	}
	want := `{"id":null,"method":"mining.notify","params":["1a","aa","01","02",[],"20000000","1d00ffff","5a54a978",true]}`
	if strings.TrimSpace(string(line)) != want {
		t.Errorf("got %s\nwant %s", line, want)
	}
}

func TestSetDifficultyMessage(t *testing.T) {
	line, err := MarshalLine(SetDifficultyMessage(16))
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.TrimSpace(string(line)); got != `{"id":null,"method":"mining.set_difficulty","params":[16]}` {
		t.Errorf("got %s", got)
	}
}

func TestSubscribeResult(t *testing.T) {
	got := SubscribeResult("deadbeef", "0800000a", 4)
	want := []any{
		[]any{
			[]any{"mining.set_difficulty", "deadbeef"},
			[]any{"mining.notify", "deadbeef"},
		},
		"0800000a",
		4,
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("SubscribeResult() = %v", got)
	}
}

func TestParseSubscribeRequest(t *testing.T) {
	req, err := ParseSubscribeRequest([]any{"cgminer/4.10", "sess1"})
	if err != nil {
		t.Fatal(err)
	}
	if req.UserAgent != "cgminer/4.10" || req.SessionID != "sess1" {
		t.Errorf("got %+v", req)
	}
	if req, _ := ParseSubscribeRequest(nil); req.UserAgent != "" {
		t.Errorf("empty params gave %+v", req)
	}
}

func TestParseAuthorizeRequest(t *testing.T) {
	tests := []struct {
		name    string
		params  []any
		want    *AuthorizeRequest
		wantErr bool
	}{
		{"with password", []any{"worker1", "x"}, &AuthorizeRequest{Username: "worker1", Password: "x"}, false},
		{"without password", []any{"worker1"}, &AuthorizeRequest{Username: "worker1"}, false},
		{"no params", nil, nil, true},
		{"numeric username", []any{123}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAuthorizeRequest(tt.params)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParseSubmitRequest(t *testing.T) {
	tests := []struct {
		name    string
		params  []any
		want    *SubmitRequest
		wantErr string
	}{
		{
			name:   "valid",
			params: []any{"worker1", "1a", "00000001", "5a54a978", "b2957c02"},
			want:   &SubmitRequest{Username: "worker1", JobID: "1a", ExtraNonce2: "00000001", NTime: "5a54a978", Nonce: "b2957c02"},
		},
		{
			name:    "too few",
			params:  []any{"worker1", "1a"},
			wantErr: "insufficient parameters",
		},
		{
			name:    "numeric nonce",
			params:  []any{"worker1", "1a", "00000001", "5a54a978", float64(7)},
			wantErr: "nonce must be string",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSubmitRequest(tt.params)
			if tt.wantErr != "" {
				if err == nil || err.Error() != tt.wantErr {
					t.Fatalf("error = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestSubmitRequestSubmission(t *testing.T) {
	req := &SubmitRequest{Username: "worker1", JobID: "1a", ExtraNonce2: "00000001", NTime: "5a54a978", Nonce: "b2957c02"}
	sub := req.Submission(Client{ExtraNonce1: "0800000a", IP: "10.0.0.5", Port: 3333, Difficulty: 16, PreviousDifficulty: 8})

	want := &jobs.Submission{
		JobID:              "1a",
		PreviousDifficulty: 8,
		Difficulty:         16,
		ExtraNonce1:        "0800000a",
		ExtraNonce2:        "00000001",
		NTime:              "5a54a978",
		Nonce:              "b2957c02",
		IP:                 "10.0.0.5",
		Port:               3333,
		Worker:             "worker1",
	}
	if !reflect.DeepEqual(sub, want) {
		t.Errorf("Submission() = %+v", sub)
	}
}
