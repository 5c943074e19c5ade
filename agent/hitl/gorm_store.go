package hitl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BaSui01/handoffd/agent/escalation"
	"gorm.io/gorm"
)

// HandoffRequestRecord 是 handoff_requests 表的行.
type HandoffRequestRecord struct {
	ID              string     `gorm:"primaryKey;size:64" json:"id"`
	RunID           string     `gorm:"size:64;index:idx_handoff_run" json:"run_id"`
	Reason          string     `gorm:"type:text" json:"reason"`
	Classification  string     `gorm:"size:32" json:"classification"`
	Urgency         string     `gorm:"size:16;index:idx_handoff_status_urgency,priority:2" json:"urgency"`
	Options         string     `gorm:"size:255" json:"options"` // 逗号分隔
	Status          string     `gorm:"size:16;index:idx_handoff_status_urgency,priority:1" json:"status"`
	ResponseAction  string     `gorm:"size:64" json:"response_action"`
	ResponseComment string     `gorm:"type:text" json:"response_comment"`
	OperatorID      string     `gorm:"size:128" json:"operator_id"`
	Metadata        string     `gorm:"type:text" json:"metadata"`
	CreatedAt       time.Time  `json:"created_at"`
	ExpiresAt       time.Time  `gorm:"index" json:"expires_at"`
	ResolvedAt      *time.Time `json:"resolved_at"`
}

// TableName 指定表名.
func (HandoffRequestRecord) TableName() string { return "handoff_requests" }

// GormStore 把请求归档到关系型数据库.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a store on db. Schema is managed by internal/migration;
// AutoMigrate is available for tests and sqlite deployments.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// AutoMigrate 创建或更新 handoff_requests 表.
func (s *GormStore) AutoMigrate() error {
	if err := s.db.AutoMigrate(&HandoffRequestRecord{}); err != nil {
		return fmt.Errorf("failed to auto migrate handoff_requests: %w", err)
	}
	return nil
}

func toRecord(req *Request) (*HandoffRequestRecord, error) {
	rec := &HandoffRequestRecord{
		ID:             req.ID,
		RunID:          req.RunID,
		Reason:         req.Reason,
		Classification: string(req.Classification),
		Urgency:        string(req.Urgency),
		Options:        strings.Join(req.Options, ","),
		Status:         string(req.Status),
		CreatedAt:      req.CreatedAt,
		ExpiresAt:      req.ExpiresAt,
		ResolvedAt:     req.ResolvedAt,
	}
	if req.Response != nil {
		rec.ResponseAction = req.Response.Action
		rec.ResponseComment = req.Response.Comment
		rec.OperatorID = req.Response.OperatorID
	}
	if len(req.Metadata) > 0 {
		data, err := json.Marshal(req.Metadata)
		if err != nil {
			return nil, err
		}
		rec.Metadata = string(data)
	}
	return rec, nil
}

func (rec *HandoffRequestRecord) toRequest() *Request {
	req := &Request{
		ID:             rec.ID,
		RunID:          rec.RunID,
		Reason:         rec.Reason,
		Classification: escalation.ErrorClass(rec.Classification),
		Urgency:        escalation.Urgency(rec.Urgency),
		Status:         Status(rec.Status),
		CreatedAt:      rec.CreatedAt,
		ExpiresAt:      rec.ExpiresAt,
		ResolvedAt:     rec.ResolvedAt,
	}
	if rec.Options != "" {
		req.Options = strings.Split(rec.Options, ",")
	}
	if req.Status.Terminal() {
		resp := &HumanResponse{
			HandoffID:  rec.ID,
			Action:     rec.ResponseAction,
			Comment:    rec.ResponseComment,
			OperatorID: rec.OperatorID,
			Expired:    req.Status == StatusExpired,
		}
		if rec.ResolvedAt != nil {
			resp.RespondedAt = *rec.ResolvedAt
		}
		req.Response = resp
	}
	if rec.Metadata != "" {
		_ = json.Unmarshal([]byte(rec.Metadata), &req.Metadata)
	}
	return req
}

func (s *GormStore) Save(ctx context.Context, req *Request) error {
	rec, err := toRecord(req)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Create(rec).Error
}

func (s *GormStore) Update(ctx context.Context, req *Request) error {
	rec, err := toRecord(req)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Save(rec).Error
}

func (s *GormStore) Load(ctx context.Context, id string) (*Request, error) {
	var rec HandoffRequestRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrStoreNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec.toRequest(), nil
}

func (s *GormStore) List(ctx context.Context, filter Filter) ([]*Request, error) {
	q := s.db.WithContext(ctx).Model(&HandoffRequestRecord{})
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	if filter.Urgency != "" {
		q = q.Where("urgency = ?", string(filter.Urgency))
	}
	if filter.RunID != "" {
		q = q.Where("run_id = ?", filter.RunID)
	}
	var recs []HandoffRequestRecord
	if err := q.Order("created_at ASC").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]*Request, 0, len(recs))
	for i := range recs {
		out = append(out, recs[i].toRequest())
	}
	sortRequests(out)
	return out, nil
}
