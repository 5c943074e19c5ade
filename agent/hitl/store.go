package hitl

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrStoreNotFound 由 Store.Load 在记录不存在时返回.
var ErrStoreNotFound = errors.New("handoff request not found in store")

// Store 持久化接管请求。Registry 写穿到 Store，但内存表对进行中的状态转换是权威的。
type Store interface {
	Save(ctx context.Context, req *Request) error
	Load(ctx context.Context, id string) (*Request, error)
	List(ctx context.Context, filter Filter) ([]*Request, error)
	Update(ctx context.Context, req *Request) error
}

// MemoryStore 在进程内保存请求.
type MemoryStore struct {
	requests map[string]*Request
	mu       sync.RWMutex
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{requests: make(map[string]*Request)}
}

func (s *MemoryStore) Save(ctx context.Context, req *Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[req.ID] = req.Clone()
	return nil
}

func (s *MemoryStore) Load(ctx context.Context, id string) (*Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, ErrStoreNotFound
	}
	return req.Clone(), nil
}

func (s *MemoryStore) List(ctx context.Context, filter Filter) ([]*Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Request
	for _, req := range s.requests {
		if filter.Match(req) {
			out = append(out, req.Clone())
		}
	}
	sortRequests(out)
	return out, nil
}

func (s *MemoryStore) Update(ctx context.Context, req *Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[req.ID] = req.Clone()
	return nil
}

// sortRequests 按紧急度（urgent 在前）再按创建时间排序.
func sortRequests(reqs []*Request) {
	sort.SliceStable(reqs, func(i, j int) bool {
		ri, rj := reqs[i].Urgency.Rank(), reqs[j].Urgency.Rank()
		if ri != rj {
			return ri < rj
		}
		return reqs[i].CreatedAt.Before(reqs[j].CreatedAt)
	})
}
