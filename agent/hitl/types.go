package hitl

import (
	"time"

	"github.com/BaSui01/handoffd/agent/escalation"
)

// Status 是接管请求的状态.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusResponded Status = "responded"
	StatusExpired   Status = "expired"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusResponded || s == StatusExpired
}

// HumanResponse 是人工对请求的答复；过期时为合成响应。
type HumanResponse struct {
	HandoffID   string    `json:"handoff_id"`
	Action      string    `json:"action"`
	Comment     string    `json:"comment,omitempty"`
	OperatorID  string    `json:"operator_id,omitempty"`
	Expired     bool      `json:"expired"`
	RespondedAt time.Time `json:"responded_at"`
}

// Request 是一次人工接管请求.
type Request struct {
	ID             string                `json:"id"`
	RunID          string                `json:"run_id"`
	Reason         string                `json:"reason"`
	Classification escalation.ErrorClass `json:"classification"`
	Urgency        escalation.Urgency    `json:"urgency"`
	Options        []string              `json:"options"`
	Status         Status                `json:"status"`
	Response       *HumanResponse        `json:"human_response,omitempty"`
	CreatedAt      time.Time             `json:"created_at"`
	ExpiresAt      time.Time             `json:"expires_at"`
	ResolvedAt     *time.Time            `json:"resolved_at,omitempty"`
	Metadata       map[string]string     `json:"metadata,omitempty"`
}

// Allows reports whether action is one of the request's options.
func (r *Request) Allows(action string) bool {
	for _, o := range r.Options {
		if o == action {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to hand to other goroutines.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	c := *r
	c.Options = append([]string(nil), r.Options...)
	if r.Response != nil {
		resp := *r.Response
		c.Response = &resp
	}
	if r.ResolvedAt != nil {
		t := *r.ResolvedAt
		c.ResolvedAt = &t
	}
	if r.Metadata != nil {
		c.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// NewRequest 描述待创建的请求.
type NewRequest struct {
	RunID          string
	Reason         string
	Classification escalation.ErrorClass
	Options        []string
	Urgency        escalation.Urgency
	Metadata       map[string]string
}

// TTLTable 按紧急度给出默认超时.
type TTLTable struct {
	Urgent time.Duration `yaml:"urgent" env:"URGENT" json:"urgent"`
	High   time.Duration `yaml:"high" env:"HIGH" json:"high"`
	Normal time.Duration `yaml:"normal" env:"NORMAL" json:"normal"`
}

// DefaultTTLTable returns urgent 5m, high 15m, normal 30m.
func DefaultTTLTable() TTLTable {
	return TTLTable{
		Urgent: 5 * time.Minute,
		High:   15 * time.Minute,
		Normal: 30 * time.Minute,
	}
}

// For returns the TTL for u; unknown urgencies use the normal TTL.
func (t TTLTable) For(u escalation.Urgency) time.Duration {
	switch u {
	case escalation.UrgencyUrgent:
		return t.Urgent
	case escalation.UrgencyHigh:
		return t.High
	default:
		return t.Normal
	}
}

// Filter 选择请求；零值字段不参与过滤.
type Filter struct {
	Status  Status
	Urgency escalation.Urgency
	RunID   string
}

// Match reports whether r satisfies f.
func (f Filter) Match(r *Request) bool {
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.Urgency != "" && r.Urgency != f.Urgency {
		return false
	}
	if f.RunID != "" && r.RunID != f.RunID {
		return false
	}
	return true
}
