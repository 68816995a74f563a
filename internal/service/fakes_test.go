package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/lvdashuaibi/pollbot/config"
	"github.com/lvdashuaibi/pollbot/internal/lock"
	"github.com/lvdashuaibi/pollbot/internal/model"
	"github.com/lvdashuaibi/pollbot/internal/repository"
	"github.com/lvdashuaibi/pollbot/internal/tracker"
)

// memPollRepo 内存版投票仓库，UpdatePollVotes 串行执行以模拟行锁
type memPollRepo struct {
	mu          sync.Mutex
	nextID      int64
	polls       map[int64]*model.Poll
	reads       int
	transitions int
	// findHook 在 FindPollByID 读取前调用（不持有锁）
	findHook func()
}

func newMemPollRepo() *memPollRepo {
	return &memPollRepo{polls: make(map[int64]*model.Poll)}
}

func clonePoll(p *model.Poll) *model.Poll {
	c := *p
	c.Options = append([]string(nil), p.Options...)
	c.Votes = make([]model.VoteRecord, len(p.Votes))
	for i, v := range p.Votes {
		v.Values = append([]string(nil), v.Values...)
		c.Votes[i] = v
	}
	return &c
}

func (r *memPollRepo) InsertPoll(_ context.Context, p *model.Poll) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	c := clonePoll(p)
	c.ID = r.nextID
	r.polls[c.ID] = c
	return c.ID, nil
}

func (r *memPollRepo) FindPollByID(_ context.Context, id int64) (*model.Poll, error) {
	r.mu.Lock()
	hook := r.findHook
	r.reads++
	r.mu.Unlock()
	if hook != nil {
		hook()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.polls[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return clonePoll(p), nil
}

func (r *memPollRepo) FindOpenPollByMessage(_ context.Context, messageID, channelID string) (*model.Poll, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.polls {
		if p.MessageID == messageID && p.ChannelID == channelID && !p.Deleted {
			return clonePoll(p), nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *memPollRepo) FindExpiredPolls(_ context.Context, nowMs int64) ([]*model.Poll, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.Poll
	for _, p := range r.polls {
		if p.ExpireAt <= nowMs && !p.Deleted {
			out = append(out, clonePoll(p))
		}
	}
	return out, nil
}

func (r *memPollRepo) UpdatePollVotes(_ context.Context, id int64, mutate func(*model.Poll) error) (*model.Poll, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.polls[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := clonePoll(p)
	if err := mutate(c); err != nil {
		return nil, err
	}
	r.polls[id] = c
	return clonePoll(c), nil
}

func (r *memPollRepo) MarkPollDeleted(_ context.Context, id int64, state model.PollState) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.polls[id]
	if !ok || p.Deleted {
		return false, nil
	}
	p.Deleted = true
	p.State = state
	r.transitions++
	return true, nil
}

func (r *memPollRepo) get(id int64) *model.Poll {
	r.mu.Lock()
	defer r.mu.Unlock()
	return clonePoll(r.polls[id])
}

type sentMessage struct {
	kind      string
	channelID string
	messageID string
	userID    string
	content   model.MessageContent
}

type fakeMessenger struct {
	mu      sync.Mutex
	seq     int
	log     []sentMessage
	sendErr error
}

func (m *fakeMessenger) record(msg sentMessage) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	if msg.messageID == "" {
		msg.messageID = fmt.Sprintf("msg-%d", m.seq)
	}
	m.log = append(m.log, msg)
	return msg.messageID
}

func (m *fakeMessenger) Send(_ context.Context, channelID string, content model.MessageContent) (string, error) {
	m.mu.Lock()
	err := m.sendErr
	m.mu.Unlock()
	if err != nil {
		return "", err
	}
	return m.record(sentMessage{kind: "send", channelID: channelID, content: content}), nil
}

func (m *fakeMessenger) Reply(_ context.Context, channelID, _ string, content model.MessageContent) (string, error) {
	return m.record(sentMessage{kind: "reply", channelID: channelID, content: content}), nil
}

func (m *fakeMessenger) Update(_ context.Context, channelID, messageID string, content model.MessageContent) error {
	m.record(sentMessage{kind: "update", channelID: channelID, messageID: messageID, content: content})
	return nil
}

func (m *fakeMessenger) SendDirect(_ context.Context, userID string, content model.MessageContent) error {
	m.record(sentMessage{kind: "direct", userID: userID, content: content})
	return nil
}

func (m *fakeMessenger) setSendErr(err error) {
	m.mu.Lock()
	m.sendErr = err
	m.mu.Unlock()
}

func (m *fakeMessenger) byKind(kind string) []sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []sentMessage
	for _, msg := range m.log {
		if msg.kind == kind {
			out = append(out, msg)
		}
	}
	return out
}

type recordEvents struct {
	mu     sync.Mutex
	events []*model.PollEvent
}

func (r *recordEvents) PublishPollEvent(_ context.Context, e *model.PollEvent) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

func (r *recordEvents) count(typ model.PollEventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func testPollConfig() config.PollConfig {
	cfg := config.DefaultPollConfig()
	cfg.FinishGrace = 0
	cfg.LockRetryDelay = time.Millisecond
	return cfg
}

func newLockService(t *testing.T) (*lock.Service, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := repository.NewRedisRepository(context.Background(), config.RedisConfig{Address: mr.Addr()})
	if err != nil {
		t.Fatalf("连接miniredis失败: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return lock.NewService(store), mr
}

type harness struct {
	svc    *PollService
	repo   *memPollRepo
	msgr   *fakeMessenger
	events *recordEvents
	mr     *miniredis.Miniredis
}

func newHarness(t *testing.T, cfg config.PollConfig, withTracker bool) *harness {
	t.Helper()
	locks, mr := newLockService(t)
	h := &harness{
		repo:   newMemPollRepo(),
		msgr:   &fakeMessenger{},
		events: &recordEvents{},
		mr:     mr,
	}
	var tr *tracker.ActivityTracker
	if withTracker {
		tr = tracker.NewActivityTracker(cfg.SoftExpiryThreshold)
	}
	h.svc = NewPollService(h.repo, nil, locks, h.msgr, tr, h.events, cfg)
	h.svc.now = func() time.Time { return time.UnixMilli(1_700_000_000_000) }
	return h
}

// waitFor 轮询条件直到满足或超时
func waitFor(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
