package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kilianp07/jobdispatch/core/dispatch"
	"github.com/kilianp07/jobdispatch/core/model"
	"github.com/kilianp07/jobdispatch/infra/logger"
)

// Engine is the part of the dispatch engine driven by agent messages.
type Engine interface {
	Respond(ctx context.Context, jobID, agentID string, action dispatch.Action, reason string) (dispatch.RespondResult, error)
	Progress(ctx context.Context, jobID, agentID string, to model.JobStatus) (model.Job, error)
}

// Subscriber is the subset of PahoClient used by the listener.
type Subscriber interface {
	Subscribe(topic, kind string, handler Handler) error
}

// ResponseMessage is sent by agents on their response topic.
type ResponseMessage struct {
	JobID  string `json:"job_id"`
	Action string `json:"action"`
	Reason string `json:"reason,omitempty"`
}

// ProgressMessage is sent by the assigned agent on its progress topic.
type ProgressMessage struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// Result is published back to the agent after each message.
type Result struct {
	JobID   string `json:"job_id"`
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

// ResponseListener turns agent MQTT messages into engine calls. The agent id
// is taken from the topic so an agent can only answer for itself.
type ResponseListener struct {
	engine  Engine
	sub     Subscriber
	pub     Publisher
	topics  Topics
	timeout time.Duration
	log     logger.Logger
}

// NewResponseListener creates a listener. pub may be nil to skip results.
func NewResponseListener(engine Engine, sub Subscriber, pub Publisher, topics Topics) *ResponseListener {
	topics.SetDefaults()
	return &ResponseListener{engine: engine, sub: sub, pub: pub, topics: topics, timeout: 10 * time.Second,
		log: logger.New("mqtt_listener")}
}

// Start subscribes to the response and progress topics.
func (l *ResponseListener) Start() error {
	if err := l.sub.Subscribe(l.topics.Responses, "response", l.onResponse); err != nil {
		return err
	}
	return l.sub.Subscribe(l.topics.Progress, "progress", l.onProgress)
}

func (l *ResponseListener) onResponse(topic string, payload []byte) {
	agentID, ok := agentFromTopic(l.topics.Responses, topic)
	if !ok {
		l.log.Warnf("response on unexpected topic %s", topic)
		return
	}
	var m ResponseMessage
	if err := json.Unmarshal(payload, &m); err != nil || m.JobID == "" {
		l.log.Errorf("failed to decode response from %s: %v", agentID, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()
	res := Result{JobID: m.JobID}
	action, err := dispatch.ParseAction(m.Action)
	if err == nil {
		var out dispatch.RespondResult
		out, err = l.engine.Respond(ctx, m.JobID, agentID, action, m.Reason)
		res.Success, res.Message = out.Success, out.Message
	}
	if err != nil {
		res.Error = err.Error()
		l.log.Warnf("response %s of agent %s on job %s: %v", m.Action, agentID, m.JobID, err)
	}
	l.reply(ctx, agentID, res)
}

func (l *ResponseListener) onProgress(topic string, payload []byte) {
	agentID, ok := agentFromTopic(l.topics.Progress, topic)
	if !ok {
		l.log.Warnf("progress on unexpected topic %s", topic)
		return
	}
	var m ProgressMessage
	if err := json.Unmarshal(payload, &m); err != nil || m.JobID == "" {
		l.log.Errorf("failed to decode progress from %s: %v", agentID, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()
	res := Result{JobID: m.JobID, Success: true, Message: "status updated"}
	if _, err := l.engine.Progress(ctx, m.JobID, agentID, model.JobStatus(m.Status)); err != nil {
		res = Result{JobID: m.JobID, Message: "status rejected", Error: err.Error()}
		l.log.Warnf("progress %s of agent %s on job %s: %v", m.Status, agentID, m.JobID, err)
	}
	l.reply(ctx, agentID, res)
}

func (l *ResponseListener) reply(ctx context.Context, agentID string, res Result) {
	if l.pub == nil {
		return
	}
	if err := l.pub.PublishJSON(ctx, fmt.Sprintf(l.topics.Results, agentID), "result", false, res); err != nil {
		l.log.Errorf("publish result to %s: %v", agentID, err)
	}
}

// agentFromTopic extracts the segment matched by + in pattern.
func agentFromTopic(pattern, topic string) (string, bool) {
	ps := strings.Split(pattern, "/")
	ts := strings.Split(topic, "/")
	if len(ps) != len(ts) {
		return "", false
	}
	id := ""
	for i, p := range ps {
		switch {
		case p == "+":
			id = ts[i]
		case p != ts[i]:
			return "", false
		}
	}
	return id, id != ""
}
