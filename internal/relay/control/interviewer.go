package control

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/danshapiro/relay/internal/relay/blackboard"
	"github.com/danshapiro/relay/internal/relay/oplog"
)

type Option struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// Question is a pending human decision. It is also the on-disk shape of
// human_request.json.
type Question struct {
	ID             string   `json:"id"`
	Iteration      int      `json:"iteration"`
	Title          string   `json:"title"`
	Text           string   `json:"question"`
	Options        []Option `json:"options"`
	Recommendation string   `json:"recommendation,omitempty"`
	AskedAt        string   `json:"asked_at,omitempty"`
}

// NewQuestionID returns a fresh question id.
func NewQuestionID() string { return uuid.NewString() }

func (q Question) HasOption(id string) bool {
	for _, o := range q.Options {
		if o.ID == id {
			return true
		}
	}
	return false
}

// Answer is a human's reply. It is also the on-disk shape of
// human_answer.json.
type Answer struct {
	QuestionID string `json:"question_id"`
	OptionID   string `json:"option"`
	Text       string `json:"text,omitempty"`
}

// Interviewer blocks until a human answers q or ctx is done.
type Interviewer interface {
	Ask(ctx context.Context, q Question) (Answer, error)
}

// AutoInterviewer answers with the recommendation, or the first option.
type AutoInterviewer struct{}

func (AutoInterviewer) Ask(_ context.Context, q Question) (Answer, error) {
	if q.Recommendation != "" && q.HasOption(q.Recommendation) {
		return Answer{QuestionID: q.ID, OptionID: q.Recommendation}, nil
	}
	if len(q.Options) > 0 {
		return Answer{QuestionID: q.ID, OptionID: q.Options[0].ID}, nil
	}
	return Answer{}, fmt.Errorf("question %s has no options", q.ID)
}

// QueueInterviewer returns pre-seeded option ids in order.
type QueueInterviewer struct {
	mu      sync.Mutex
	answers []string
	Asked   []Question
}

func NewQueueInterviewer(optionIDs ...string) *QueueInterviewer {
	return &QueueInterviewer{answers: append([]string{}, optionIDs...)}
}

func (qi *QueueInterviewer) Ask(_ context.Context, q Question) (Answer, error) {
	qi.mu.Lock()
	defer qi.mu.Unlock()
	qi.Asked = append(qi.Asked, q)
	if len(qi.answers) == 0 {
		return Answer{}, fmt.Errorf("no queued answer for question %q", q.Title)
	}
	a := qi.answers[0]
	qi.answers = qi.answers[1:]
	return Answer{QuestionID: q.ID, OptionID: a}, nil
}

// FileInterviewer waits for the front end to drop human_answer.json on the
// board. The request file itself is written by the engine before it
// checkpoints, so Ask only reads.
type FileInterviewer struct {
	Board        *blackboard.Board
	Log          *oplog.Log
	PollInterval time.Duration
}

func (fi *FileInterviewer) Ask(ctx context.Context, q Question) (Answer, error) {
	interval := fi.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	fi.Log.Info("waiting for human answer", oplog.Fields{"question": q.ID, "file": blackboard.HumanAnswerFile})
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if a, ok := fi.poll(q); ok {
			return a, nil
		}
		select {
		case <-ctx.Done():
			return Answer{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (fi *FileInterviewer) poll(q Question) (Answer, bool) {
	data, ok, err := fi.Board.Read(blackboard.HumanAnswerFile)
	if err != nil || !ok {
		return Answer{}, false
	}
	var a Answer
	if err := json.Unmarshal(data, &a); err != nil {
		// May be mid-write by a non-atomic writer; try again next tick.
		return Answer{}, false
	}
	if a.QuestionID != "" && a.QuestionID != q.ID {
		return Answer{}, false
	}
	if !q.HasOption(a.OptionID) {
		fi.Log.Warn("ignoring answer with unknown option", oplog.Fields{"question": q.ID, "option": a.OptionID})
		_ = fi.Board.Remove(blackboard.HumanAnswerFile)
		return Answer{}, false
	}
	a.QuestionID = q.ID
	return a, true
}

// ChannelInterviewer parks one question at a time until Answer is called,
// for front ends that live in the same process.
type ChannelInterviewer struct {
	mu      sync.Mutex
	pending *Question
	ch      chan Answer
}

func NewChannelInterviewer() *ChannelInterviewer {
	return &ChannelInterviewer{}
}

func (ci *ChannelInterviewer) Ask(ctx context.Context, q Question) (Answer, error) {
	ch := make(chan Answer, 1)
	ci.mu.Lock()
	ci.pending = &q
	ci.ch = ch
	ci.mu.Unlock()
	defer func() {
		ci.mu.Lock()
		ci.pending = nil
		ci.ch = nil
		ci.mu.Unlock()
	}()
	select {
	case a := <-ch:
		return a, nil
	case <-ctx.Done():
		return Answer{}, ctx.Err()
	}
}

// Pending returns the parked question, if any.
func (ci *ChannelInterviewer) Pending() (Question, bool) {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	if ci.pending == nil {
		return Question{}, false
	}
	return *ci.pending, true
}

// Answer delivers optionID to the parked question.
func (ci *ChannelInterviewer) Answer(optionID, text string) error {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	if ci.pending == nil {
		return fmt.Errorf("no question is pending")
	}
	optionID = strings.TrimSpace(optionID)
	if !ci.pending.HasOption(optionID) {
		ids := make([]string, 0, len(ci.pending.Options))
		for _, o := range ci.pending.Options {
			ids = append(ids, o.ID)
		}
		return fmt.Errorf("unknown option %q (want one of %s)", optionID, strings.Join(ids, ", "))
	}
	select {
	case ci.ch <- Answer{QuestionID: ci.pending.ID, OptionID: optionID, Text: text}:
		return nil
	default:
		return fmt.Errorf("question %s already answered", ci.pending.ID)
	}
}
