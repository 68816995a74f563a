package economy

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/lvdashuaibi/pollbot/config"
	"github.com/lvdashuaibi/pollbot/internal/lock"
	"github.com/lvdashuaibi/pollbot/internal/model"
	"github.com/lvdashuaibi/pollbot/internal/repository"
	"github.com/shopspring/decimal"
)

type memUserRepo struct {
	mu        sync.Mutex
	users     map[string]*model.UserCache
	findByID  int
	batchArgs [][]string
	saved     int
}

func newMemUserRepo(users ...*model.UserCache) *memUserRepo {
	r := &memUserRepo{users: make(map[string]*model.UserCache)}
	for _, u := range users {
		r.users[u.UserID] = u
	}
	return r
}

func (r *memUserRepo) copyOf(u *model.UserCache) *model.UserCache {
	c := *u
	c.Ban = append([]model.BanInfo(nil), u.Ban...)
	return &c
}

func (r *memUserRepo) FindUserByID(ctx context.Context, userID string) (*model.UserCache, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.findByID++
	u, ok := r.users[userID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return r.copyOf(u), nil
}

func (r *memUserRepo) FindUserByUsername(ctx context.Context, username string) (*model.UserCache, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.Username == username {
			return r.copyOf(u), nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *memUserRepo) FindUsersByIDs(ctx context.Context, userIDs []string) ([]*model.UserCache, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batchArgs = append(r.batchArgs, append([]string(nil), userIDs...))
	var out []*model.UserCache
	for _, id := range userIDs {
		if u, ok := r.users[id]; ok {
			out = append(out, r.copyOf(u))
		}
	}
	return out, nil
}

func (r *memUserRepo) SaveUser(ctx context.Context, user *model.UserCache) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saved++
	r.users[user.UserID] = r.copyOf(user)
	return nil
}

func newStore(t *testing.T) (*repository.RedisRepository, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := repository.NewRedisRepository(context.Background(), config.RedisConfig{Address: mr.Addr()})
	if err != nil {
		t.Fatalf("连接miniredis失败: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store, mr
}

func fixedNow() time.Time {
	return time.Unix(1_700_000_000, 0)
}

func newUserCache(t *testing.T, repo *memUserRepo) (*UserCacheService, *repository.RedisRepository, *miniredis.Miniredis) {
	t.Helper()
	store, mr := newStore(t)
	svc := NewUserCacheService(store, repo, config.DefaultEconomyConfig())
	svc.now = fixedNow
	return svc, store, mr
}

func TestGetUserFromCacheReadThrough(t *testing.T) {
	repo := newMemUserRepo(&model.UserCache{UserID: "1", Username: "alice", Amount: decimal.NewFromInt(500)})
	svc, _, mr := newUserCache(t, repo)
	ctx := context.Background()

	user, err := svc.GetUserFromCache(ctx, "1")
	if err != nil {
		t.Fatalf("读取用户缓存失败: %v", err)
	}
	if !user.Amount.Equal(decimal.NewFromInt(500)) {
		t.Fatalf("余额应为500, got %s", user.Amount)
	}
	if !mr.Exists(UserCachePrefix + "1") {
		t.Fatal("第一次读取后应写入缓存")
	}
	if ttl := mr.TTL(UserCachePrefix + "1"); ttl != 24*time.Hour {
		t.Fatalf("TTL 应为24小时, got %v", ttl)
	}

	if _, err := svc.GetUserFromCache(ctx, "1"); err != nil {
		t.Fatalf("第二次读取失败: %v", err)
	}
	if repo.findByID != 1 {
		t.Fatalf("只应读取一次数据库, got %d", repo.findByID)
	}

	if _, err := svc.GetUserFromCache(ctx, "404"); err != repository.ErrNotFound {
		t.Fatalf("应返回 ErrNotFound, got %v", err)
	}
}

func TestGetUserFromCacheFallsBackWhenCacheDown(t *testing.T) {
	repo := newMemUserRepo(&model.UserCache{UserID: "1", Username: "alice"})
	svc, _, mr := newUserCache(t, repo)
	mr.Close()

	user, err := svc.GetUserFromCache(context.Background(), "1")
	if err != nil {
		t.Fatalf("缓存不可用时应回退到数据库, got %v", err)
	}
	if user.Username != "alice" {
		t.Fatalf("用户字段错误: %+v", user)
	}
}

func TestGetUsersFromCacheLoadsOnlyMissing(t *testing.T) {
	repo := newMemUserRepo(
		&model.UserCache{UserID: "1", Username: "alice"},
		&model.UserCache{UserID: "2", Username: "bob"},
		&model.UserCache{UserID: "3", Username: "carol"},
	)
	svc, _, mr := newUserCache(t, repo)
	ctx := context.Background()

	if _, err := svc.GetUserFromCache(ctx, "1"); err != nil {
		t.Fatalf("预热缓存失败: %v", err)
	}

	users, err := svc.GetUsersFromCache(ctx, []string{"1", "2", "3", "9"})
	if err != nil {
		t.Fatalf("批量读取用户缓存失败: %v", err)
	}
	if len(users) != 3 {
		t.Fatalf("应返回3个用户, got %d", len(users))
	}
	if len(repo.batchArgs) != 1 {
		t.Fatalf("只应批量查询一次, got %d", len(repo.batchArgs))
	}
	loaded := repo.batchArgs[0]
	sort.Strings(loaded)
	if len(loaded) != 3 || loaded[0] != "2" || loaded[1] != "3" || loaded[2] != "9" {
		t.Fatalf("应只查询缺失的ID, got %v", loaded)
	}
	for _, id := range []string{"2", "3"} {
		if !mr.Exists(UserCachePrefix + id) {
			t.Fatalf("用户 %s 应已回填缓存", id)
		}
	}
	if mr.Exists(UserCachePrefix + "9") {
		t.Fatal("不存在的用户不应写入缓存")
	}
}

func TestUpdateUserCacheWritesThrough(t *testing.T) {
	repo := newMemUserRepo(&model.UserCache{UserID: "1", Username: "alice", Amount: decimal.NewFromInt(10)})
	svc, _, _ := newUserCache(t, repo)
	ctx := context.Background()

	user, err := svc.GetUserFromCache(ctx, "1")
	if err != nil {
		t.Fatalf("读取用户缓存失败: %v", err)
	}
	user.Amount = user.Amount.Add(decimal.RequireFromString("2.5"))
	if err := svc.UpdateUserCache(ctx, user); err != nil {
		t.Fatalf("更新用户缓存失败: %v", err)
	}
	if repo.saved != 1 {
		t.Fatalf("只应保存一次, got %d", repo.saved)
	}

	cached, err := svc.GetUserFromCache(ctx, "1")
	if err != nil {
		t.Fatalf("更新后读取失败: %v", err)
	}
	if !cached.Amount.Equal(decimal.RequireFromString("12.5")) {
		t.Fatalf("缓存余额应为12.5, got %s", cached.Amount)
	}
	if cached.LastUpdated != fixedNow().UnixMilli() {
		t.Fatalf("应写入 lastUpdated, got %d", cached.LastUpdated)
	}
	if repo.findByID != 1 {
		t.Fatalf("更新后应命中缓存, got %d 次数据库读取", repo.findByID)
	}
}

func TestGetUserBanStatus(t *testing.T) {
	future := fixedNow().Add(time.Hour).Unix()
	past := fixedNow().Add(-time.Hour).Unix()
	repo := newMemUserRepo(
		&model.UserCache{UserID: "1", Ban: []model.BanInfo{{Type: model.FuncRut, UnBanTime: future}, {Type: model.FuncSlots, UnBanTime: past}}},
		&model.UserCache{UserID: "2", Ban: []model.BanInfo{{Type: model.FuncAll, UnBanTime: future}}},
	)
	svc, _, _ := newUserCache(t, repo)
	ctx := context.Background()

	tests := []struct {
		userID string
		fn     model.FuncType
		banned bool
	}{
		{"1", model.FuncRut, true},
		{"1", model.FuncSlots, false},
		{"1", model.FuncSicbo, false},
		{"2", model.FuncLixi, true},
	}
	for _, tt := range tests {
		status, err := svc.GetUserBanStatus(ctx, tt.userID, tt.fn)
		if err != nil {
			t.Fatalf("查询封禁状态(%s, %s)失败: %v", tt.userID, tt.fn, err)
		}
		if status.IsBanned != tt.banned {
			t.Fatalf("封禁状态(%s, %s) = %v, want %v", tt.userID, tt.fn, status.IsBanned, tt.banned)
		}
		if tt.banned && status.BanInfo == nil {
			t.Fatalf("%s/%s 应返回封禁信息", tt.userID, tt.fn)
		}
	}
}

func TestUnban(t *testing.T) {
	future := fixedNow().Add(time.Hour).Unix()
	repo := newMemUserRepo(
		&model.UserCache{UserID: "1", Username: "a.nguyen", Ban: []model.BanInfo{{Type: model.FuncRut, UnBanTime: future}, {Type: model.FuncSlots, UnBanTime: future}}},
		&model.UserCache{UserID: "2", Username: "b.pham"},
		&model.UserCache{UserID: "3", Username: "c.tran", Ban: []model.BanInfo{{Type: model.FuncSicbo, UnBanTime: future}}},
	)
	svc, _, _ := newUserCache(t, repo)
	ctx := context.Background()

	unbanned, err := svc.Unban(ctx, []string{"a.nguyen", "b.pham", "ghost"}, model.FuncRut)
	if err != nil {
		t.Fatalf("解封失败: %v", err)
	}
	if len(unbanned) != 1 || unbanned[0] != "a.nguyen" {
		t.Fatalf("只应解封 a.nguyen, got %v", unbanned)
	}
	status, _ := svc.GetUserBanStatus(ctx, "1", model.FuncSlots)
	if !status.IsBanned {
		t.Fatal("解封 rut 不应移除 slots 封禁")
	}
	status, _ = svc.GetUserBanStatus(ctx, "1", model.FuncRut)
	if status.IsBanned {
		t.Fatal("rut 封禁应被移除")
	}

	unbanned, err = svc.Unban(ctx, []string{"c.tran", "b.pham"}, model.FuncAll)
	if err != nil {
		t.Fatalf("全部解封失败: %v", err)
	}
	if len(unbanned) != 2 {
		t.Fatalf("all 应解封两个用户, got %v", unbanned)
	}
	if len(repo.users["3"].Ban) != 0 {
		t.Fatalf("封禁列表应已清空并保存, got %v", repo.users["3"].Ban)
	}
}

func TestCacheStats(t *testing.T) {
	repo := newMemUserRepo(&model.UserCache{UserID: "1"}, &model.UserCache{UserID: "2"})
	svc, store, _ := newUserCache(t, repo)
	ctx := context.Background()

	if _, err := svc.GetUsersFromCache(ctx, []string{"1", "2"}); err != nil {
		t.Fatalf("批量读取用户缓存失败: %v", err)
	}
	if ok, err := lock.NewService(store).AcquireLock(ctx, "slots:1", time.Minute); err != nil || !ok {
		t.Fatalf("获取锁失败: %v %v", ok, err)
	}

	stats, err := svc.CacheStats(ctx)
	if err != nil {
		t.Fatalf("统计缓存失败: %v", err)
	}
	if stats.UserCacheKeys != 2 || stats.ActiveLocks != 1 {
		t.Fatalf("统计结果错误: %+v", stats)
	}
}
