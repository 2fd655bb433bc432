package session

import (
	"fmt"
	"sync"

	"StitcheSenseAR/internal/protocol"
	"StitcheSenseAR/internal/template"
)

// Registry 会话注册表：按session_id管理所有活跃会话
// 所有查找方法在未命中时返回ErrUnknownSession
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Manager

	store    *template.Store
	pipeline Pipeline
	config   Config
}

// NewRegistry 创建会话注册表
func NewRegistry(store *template.Store, pipeline Pipeline, config Config) *Registry {
	return &Registry{
		sessions: make(map[string]*Manager),
		store:    store,
		pipeline: pipeline,
		config:   config,
	}
}

// Start 以指定初始模板创建会话（Connecting状态）
// initialTemplateID为空时使用目录默认模板
func (r *Registry) Start(sessionID, initialTemplateID string, emitter Emitter) (*Manager, error) {
	initial := r.store.Default()
	if initialTemplateID != "" {
		var err error
		initial, err = r.store.Get(initialTemplateID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidTemplate, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[sessionID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSession, sessionID)
	}

	m := newManager(sessionID, initial, r.store, r.pipeline, r.config, emitter, r.remove)
	r.sessions[sessionID] = m
	return m, nil
}

// Get 查找会话
func (r *Registry) Get(sessionID string) (*Manager, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	return m, nil
}

// SubmitFrame 向指定会话提交一帧
func (r *Registry) SubmitFrame(sessionID, frameData string, cfg *protocol.DressConfig) error {
	m, err := r.Get(sessionID)
	if err != nil {
		return err
	}
	return m.SubmitFrame(frameData, cfg)
}

// SelectTemplate 切换指定会话的裙装模板
func (r *Registry) SelectTemplate(sessionID string, cfg protocol.DressConfig) error {
	m, err := r.Get(sessionID)
	if err != nil {
		return err
	}
	return m.SelectTemplate(cfg)
}

// Close 关闭指定会话；对未知或已关闭的会话是空操作（关闭幂等）
func (r *Registry) Close(sessionID string) {
	r.mu.Lock()
	m, ok := r.sessions[sessionID]
	r.mu.Unlock()
	if ok {
		m.Close()
	}
}

// CloseAll 关闭全部会话，优雅停机使用
func (r *Registry) CloseAll() {
	r.mu.Lock()
	managers := make([]*Manager, 0, len(r.sessions))
	for _, m := range r.sessions {
		managers = append(managers, m)
	}
	r.mu.Unlock()

	for _, m := range managers {
		m.Close()
		m.Wait()
	}
}

// Count 活跃会话数
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// IDs 当前所有会话ID
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

// remove 会话进入Closed后从注册表摘除，供onClosed回调使用
func (r *Registry) remove(sessionID string) {
	r.mu.Lock()
	delete(r.sessions, sessionID)
	r.mu.Unlock()
}
