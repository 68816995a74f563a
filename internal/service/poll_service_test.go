package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lvdashuaibi/pollbot/internal/model"
	"github.com/lvdashuaibi/pollbot/internal/poll"
	"github.com/lvdashuaibi/pollbot/internal/tracker"
)

func createPoll(t *testing.T, h *harness, options []string, mode model.ChoiceMode) *model.Poll {
	t.Helper()
	p, err := h.svc.Create(context.Background(), CreateRequest{
		ChannelID:   "10",
		ClanID:      "1",
		CreatorID:   "100",
		CreatorName: "owner",
		Title:       "lunch",
		Options:     options,
		Mode:        mode,
		ExpiryHours: 1,
	})
	if err != nil {
		t.Fatalf("创建投票失败: %v", err)
	}
	return p
}

func TestCreateValidatesOptionCount(t *testing.T) {
	h := newHarness(t, testPollConfig(), false)

	for n := 0; n <= 12; n++ {
		options := make([]string, n)
		for i := range options {
			options[i] = fmt.Sprintf("o%d", i)
		}
		_, err := h.svc.Create(context.Background(), CreateRequest{
			ChannelID: "10", CreatorID: "100", Title: "t", Options: options, ExpiryHours: 1,
		})
		valid := n >= model.MinOptions && n <= model.MaxOptions
		if valid && err != nil {
			t.Fatalf("%d个选项应创建成功: %v", n, err)
		}
		if !valid && !errors.Is(err, ErrValidation) {
			t.Fatalf("%d个选项应返回校验错误, got %v", n, err)
		}
	}
}

func TestCreateValidatesExpiryAndTitle(t *testing.T) {
	h := newHarness(t, testPollConfig(), false)
	ctx := context.Background()

	_, err := h.svc.Create(ctx, CreateRequest{Title: "t", Options: []string{"A", "B"}, ExpiryHours: 0.4})
	if !errors.Is(err, ErrExpiryTooShort) {
		t.Fatalf("过期时间过短应报错, got %v", err)
	}
	for _, hours := range []float64{1e13, math.MaxFloat64, math.Inf(1)} {
		_, err = h.svc.Create(ctx, CreateRequest{Title: "t", Options: []string{"A", "B"}, ExpiryHours: hours})
		if !errors.Is(err, ErrExpiryTooLong) {
			t.Fatalf("过期时间 %v 超出范围应报错, got %v", hours, err)
		}
	}
	if _, err = h.svc.Create(ctx, CreateRequest{Title: "t", Options: []string{"A", "B"}, ExpiryHours: math.NaN()}); !errors.Is(err, ErrInvalidExpiry) {
		t.Fatalf("NaN 过期时间应报错, got %v", err)
	}
	if _, err = h.svc.Create(ctx, CreateRequest{Title: "t", Options: []string{"A", "B"}, ExpiryHours: math.Inf(-1)}); !errors.Is(err, ErrExpiryTooShort) {
		t.Fatalf("负无穷过期时间应报错, got %v", err)
	}
	_, err = h.svc.Create(ctx, CreateRequest{Title: "  ", Options: []string{"A", "B"}, ExpiryHours: 1})
	if !errors.Is(err, ErrMissingTitle) {
		t.Fatalf("缺少标题应报错, got %v", err)
	}
	if len(h.msgr.byKind("send")) != 0 {
		t.Fatalf("校验失败时不应发送消息")
	}
}

func TestCreateDefaultsToSevenDays(t *testing.T) {
	h := newHarness(t, testPollConfig(), false)

	p, err := h.svc.Create(context.Background(), CreateRequest{
		ChannelID: "10", CreatorID: "100", Title: "t", Options: []string{"A", "B"},
	})
	if err != nil {
		t.Fatalf("创建失败: %v", err)
	}
	if p.ExpireAt-p.CreatedAt != 168*3600*1000 {
		t.Fatalf("默认时长应为168小时, got %d", p.ExpireAt-p.CreatedAt)
	}
	if p.Mode != model.ChoiceSingle || p.MessageID == "" || p.ID == 0 {
		t.Fatalf("投票字段错误: %+v", p)
	}
	if h.events.count(model.EventPollCreated) != 1 {
		t.Fatalf("应发布创建事件")
	}
}

func TestEndToEndVoteOverrideAndFinalize(t *testing.T) {
	h := newHarness(t, testPollConfig(), false)
	ctx := context.Background()
	p := createPoll(t, h, []string{"A", "B"}, model.ChoiceSingle)

	steps := []struct {
		voter, choice string
	}{
		{"user1", "0"},
		{"user2", "1"},
		{"user1", "1"},
	}
	for _, s := range steps {
		if _, err := h.svc.SubmitVote(ctx, p.ID, s.voter, s.voter, []string{s.choice}); err != nil {
			t.Fatalf("投票失败: %v", err)
		}
	}

	done, err := h.svc.Finalize(ctx, p.ID)
	if err != nil || !done {
		t.Fatalf("结束失败: done=%v err=%v", done, err)
	}

	sends := h.msgr.byKind("send")
	result := sends[len(sends)-1].content.Embeds[0]
	if result.Fields[0].Value != "- (no one choose)" {
		t.Fatalf("选项A应无人投票, got %q", result.Fields[0].Value)
	}
	if result.Fields[1].Value != "- Voted: user1, user2" {
		t.Fatalf("选项B应为 user1, user2, got %q", result.Fields[1].Value)
	}

	stored := h.repo.get(p.ID)
	groups := poll.Aggregate(stored.Options, stored.Mode, stored.Votes)
	if len(groups[0].Voters) != 0 || !reflect.DeepEqual(groups[1].Voters, []string{"user1", "user2"}) {
		t.Fatalf("聚合结果错误: %+v", groups)
	}
	if !stored.Deleted || stored.State != model.StateFinalized {
		t.Fatalf("投票应已结束: %+v", stored)
	}
}

func TestSingleModeRepeatVoteReplaces(t *testing.T) {
	h := newHarness(t, testPollConfig(), false)
	ctx := context.Background()
	p := createPoll(t, h, []string{"A", "B", "C"}, model.ChoiceSingle)

	h.svc.SubmitVote(ctx, p.ID, "u1", "alice", []string{"0"})
	updated, err := h.svc.SubmitVote(ctx, p.ID, "u1", "alice", []string{"2"})
	if err != nil {
		t.Fatalf("投票失败: %v", err)
	}
	if len(updated.Votes) != 1 || updated.Votes[0].Value != "2" {
		t.Fatalf("应只保留最后一次投票, got %+v", updated.Votes)
	}

	if _, err := h.svc.SubmitVote(ctx, p.ID, "u1", "alice", []string{"0", "1"}); !errors.Is(err, ErrInvalidSelection) {
		t.Fatalf("单选多个选项应报错, got %v", err)
	}
}

func TestMultipleModeRepeatVoteReplaces(t *testing.T) {
	h := newHarness(t, testPollConfig(), false)
	ctx := context.Background()
	p := createPoll(t, h, []string{"A", "B", "C"}, model.ChoiceMultiple)

	h.svc.SubmitVote(ctx, p.ID, "u1", "alice", []string{"0", "1"})
	updated, err := h.svc.SubmitVote(ctx, p.ID, "u1", "alice", []string{"1", "2"})
	if err != nil {
		t.Fatalf("投票失败: %v", err)
	}

	groups := poll.Aggregate(updated.Options, updated.Mode, updated.Votes)
	if len(groups[0].Voters) != 0 {
		t.Fatalf("不应再计入A: %+v", groups[0])
	}
	if len(groups[1].Voters) != 1 || len(groups[2].Voters) != 1 {
		t.Fatalf("应计入B和C: %+v", groups)
	}
}

func TestSubmitVoteValidation(t *testing.T) {
	h := newHarness(t, testPollConfig(), false)
	ctx := context.Background()
	p := createPoll(t, h, []string{"A", "B"}, model.ChoiceSingle)

	if _, err := h.svc.SubmitVote(ctx, p.ID, "", "x", []string{"0"}); !errors.Is(err, ErrMissingVoter) {
		t.Fatalf("缺少投票人, got %v", err)
	}
	if _, err := h.svc.SubmitVote(ctx, p.ID, "u1", "x", nil); !errors.Is(err, ErrInvalidSelection) {
		t.Fatalf("缺少选项, got %v", err)
	}
	if _, err := h.svc.SubmitVote(ctx, p.ID, "u1", "x", []string{"5"}); !errors.Is(err, ErrInvalidSelection) {
		t.Fatalf("越界选项, got %v", err)
	}
}

func TestConcurrentVotersAllRecorded(t *testing.T) {
	h := newHarness(t, testPollConfig(), false)
	ctx := context.Background()
	p := createPoll(t, h, []string{"A", "B"}, model.ChoiceSingle)

	// 其他实例持有投票互斥锁时投票也不受影响
	token, err := h.svc.locks.AcquireMutex(ctx, pollMutexKey(p.ID), time.Minute)
	if err != nil || token == "" {
		t.Fatalf("获取互斥锁失败: %q %v", token, err)
	}

	const voters = 40
	errs := make(chan error, voters)
	var wg sync.WaitGroup
	for i := 0; i < voters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("voter%d", i)
			_, err := h.svc.SubmitVote(ctx, p.ID, id, id, []string{fmt.Sprint(i % 2)})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("并发投票不应失败: %v", err)
		}
	}
	stored := h.repo.get(p.ID)
	if len(stored.Votes) != voters {
		t.Fatalf("应记录%d条投票, got %d", voters, len(stored.Votes))
	}
	seen := make(map[string]bool, voters)
	for _, v := range stored.Votes {
		seen[v.VoterID] = true
	}
	if len(seen) != voters {
		t.Fatalf("投票人应各不相同, got %d", len(seen))
	}
}

func TestFinalizeIsIdempotent(t *testing.T) {
	h := newHarness(t, testPollConfig(), false)
	ctx := context.Background()
	p := createPoll(t, h, []string{"A", "B"}, model.ChoiceSingle)
	sendsBefore := len(h.msgr.byKind("send"))

	first, err := h.svc.Finalize(ctx, p.ID)
	if err != nil || !first {
		t.Fatalf("第一次结束应成功: %v %v", first, err)
	}
	second, err := h.svc.Finalize(ctx, p.ID)
	if err != nil || second {
		t.Fatalf("第二次结束应为空操作: %v %v", second, err)
	}

	if got := len(h.msgr.byKind("send")) - sendsBefore; got != 1 {
		t.Fatalf("结果只应发布一次, got %d", got)
	}
	if h.repo.transitions != 1 {
		t.Fatalf("删除状态只应迁移一次, got %d", h.repo.transitions)
	}
	if h.events.count(model.EventPollFinalized) != 1 {
		t.Fatalf("结束事件只应发布一次")
	}

	updates := h.msgr.byKind("update")
	if updates[len(updates)-1].content.Text != poll.FinishedText {
		t.Fatalf("投票消息应替换为结束提示, got %+v", updates[len(updates)-1])
	}
}

func TestConcurrentFinalizeReadsOnce(t *testing.T) {
	h := newHarness(t, testPollConfig(), false)
	p := createPoll(t, h, []string{"A", "B"}, model.ChoiceSingle)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once bool
	h.repo.findHook = func() {
		if once {
			return
		}
		once = true
		close(entered)
		<-release
	}

	type outcome struct {
		done bool
		err  error
	}
	results := make(chan outcome, 2)
	for i := 0; i < 2; i++ {
		go func() {
			done, err := h.svc.Finalize(context.Background(), p.ID)
			results <- outcome{done, err}
		}()
	}

	<-entered
	// 未获得互斥锁的一方直接放弃
	loser := <-results
	close(release)
	winner := <-results

	if loser.err != nil || loser.done {
		t.Fatalf("未获得锁的一方应放弃: %+v", loser)
	}
	if winner.err != nil || !winner.done {
		t.Fatalf("获得锁的一方应完成结束: %+v", winner)
	}
	if h.repo.reads != 1 {
		t.Fatalf("只应有一次读取投票记录, got %d", h.repo.reads)
	}
	if h.repo.transitions != 1 {
		t.Fatalf("只应有一次状态迁移, got %d", h.repo.transitions)
	}
}

func TestFinalizeAbortsOnTransportError(t *testing.T) {
	h := newHarness(t, testPollConfig(), false)
	ctx := context.Background()
	p := createPoll(t, h, []string{"A", "B"}, model.ChoiceSingle)

	h.msgr.setSendErr(errors.New("gateway down"))
	if done, err := h.svc.Finalize(ctx, p.ID); err == nil || done {
		t.Fatalf("发送失败时应返回错误: %v %v", done, err)
	}
	if h.repo.get(p.ID).Deleted {
		t.Fatalf("发送失败时不应修改状态")
	}

	// 互斥锁已释放，下次触发可以重试
	h.msgr.setSendErr(nil)
	if done, err := h.svc.Finalize(ctx, p.ID); err != nil || !done {
		t.Fatalf("重试应成功: %v %v", done, err)
	}
}

func TestFinalizeWithCacheDownStillFinalizesOnce(t *testing.T) {
	h := newHarness(t, testPollConfig(), false)
	ctx := context.Background()
	p := createPoll(t, h, []string{"A", "B"}, model.ChoiceSingle)
	sendsBefore := len(h.msgr.byKind("send"))

	h.mr.Close()

	first, err := h.svc.Finalize(ctx, p.ID)
	if err != nil || !first {
		t.Fatalf("缓存不可用时应回退到数据库抢占: %v %v", first, err)
	}
	second, _ := h.svc.Finalize(ctx, p.ID)
	if second {
		t.Fatalf("第二次应为空操作")
	}
	if got := len(h.msgr.byKind("send")) - sendsBefore; got != 1 {
		t.Fatalf("结果只应发布一次, got %d", got)
	}
}

func TestVoteAfterFinalizeRejected(t *testing.T) {
	h := newHarness(t, testPollConfig(), false)
	ctx := context.Background()
	p := createPoll(t, h, []string{"A", "B"}, model.ChoiceSingle)

	h.svc.Finalize(ctx, p.ID)
	if _, err := h.svc.SubmitVote(ctx, p.ID, "u1", "alice", []string{"0"}); !errors.Is(err, ErrPollClosed) {
		t.Fatalf("结束后投票应被拒绝, got %v", err)
	}
}

func TestCancelPermission(t *testing.T) {
	h := newHarness(t, testPollConfig(), false)
	ctx := context.Background()
	p := createPoll(t, h, []string{"A", "B"}, model.ChoiceSingle)
	updatesBefore := len(h.msgr.byKind("update"))

	if err := h.svc.Cancel(ctx, p.ID, "999"); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("非创建者取消应被拒绝, got %v", err)
	}
	directs := h.msgr.byKind("direct")
	if len(directs) != 1 || directs[0].userID != "999" || !strings.Contains(directs[0].content.Text, "no permission") {
		t.Fatalf("应私信提示请求者: %+v", directs)
	}
	if h.repo.get(p.ID).Deleted || len(h.msgr.byKind("update")) != updatesBefore {
		t.Fatalf("频道状态不应改变")
	}

	if err := h.svc.Cancel(ctx, p.ID, "100"); err != nil {
		t.Fatalf("创建者取消失败: %v", err)
	}
	stored := h.repo.get(p.ID)
	if !stored.Deleted || stored.State != model.StateCancelled {
		t.Fatalf("投票应已取消: %+v", stored)
	}
	if len(h.msgr.byKind("send")) != 1 {
		t.Fatalf("取消不应发布结果")
	}
}

func TestFinishByCreator(t *testing.T) {
	h := newHarness(t, testPollConfig(), false)
	ctx := context.Background()
	p := createPoll(t, h, []string{"A", "B"}, model.ChoiceSingle)

	if err := h.svc.Finish(ctx, p.ID, "555"); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("非创建者结束应被拒绝, got %v", err)
	}
	if err := h.svc.Finish(ctx, p.ID, "100"); err != nil {
		t.Fatalf("创建者结束失败: %v", err)
	}
	if !h.repo.get(p.ID).Deleted || h.svc.isClosing(p.ID) {
		t.Fatalf("投票应已结束且清除关闭标记")
	}
}

func TestSoftExpirySuppressesRender(t *testing.T) {
	cfg := testPollConfig()
	cfg.SoftExpiryPolicy = SoftExpirySuppressRender
	h := newHarness(t, cfg, true)
	ctx := context.Background()
	p := createPoll(t, h, []string{"A", "B"}, model.ChoiceSingle)

	for i := 0; i < 5; i++ {
		h.svc.tracker.OnChannelActivity(p.ClanID, p.ChannelID, fmt.Sprintf("m%d", i), tracker.MessageDescriptor{Text: "hi"})
	}
	updatesBefore := len(h.msgr.byKind("update"))

	updated, err := h.svc.SubmitVote(ctx, p.ID, "u1", "alice", []string{"0"})
	if err != nil || len(updated.Votes) != 1 {
		t.Fatalf("软过期后仍应记录投票: %v", err)
	}
	if len(h.msgr.byKind("update")) != updatesBefore {
		t.Fatalf("软过期后不应重新渲染")
	}
}

func TestSoftExpiryFinalizePolicy(t *testing.T) {
	cfg := testPollConfig()
	cfg.SoftExpiryPolicy = SoftExpiryFinalize
	h := newHarness(t, cfg, true)
	p := createPoll(t, h, []string{"A", "B"}, model.ChoiceSingle)

	for i := 0; i < 5; i++ {
		h.svc.tracker.OnChannelActivity(p.ClanID, p.ChannelID, fmt.Sprintf("m%d", i), tracker.MessageDescriptor{Text: "hi"})
	}

	if !waitFor(func() bool { return h.repo.get(p.ID).Deleted }) {
		t.Fatalf("软过期策略为 finalize 时应结束投票")
	}
}

func TestSoftExpiryPolicyNormalized(t *testing.T) {
	cases := []struct {
		policy string
		want   string
	}{
		{"Finalize", SoftExpiryFinalize},
		{" FINALIZE ", SoftExpiryFinalize},
		{"", SoftExpirySuppressRender},
		{"Suppress_Render", SoftExpirySuppressRender},
		{"finalise", SoftExpirySuppressRender},
	}
	for _, c := range cases {
		cfg := testPollConfig()
		cfg.SoftExpiryPolicy = c.policy
		h := newHarness(t, cfg, true)
		if h.svc.cfg.SoftExpiryPolicy != c.want {
			t.Fatalf("策略 %q 应归一为 %q, got %q", c.policy, c.want, h.svc.cfg.SoftExpiryPolicy)
		}
	}

	// 大小写不同的 finalize 仍会在软过期时结束投票
	cfg := testPollConfig()
	cfg.SoftExpiryPolicy = "Finalize"
	h := newHarness(t, cfg, true)
	p := createPoll(t, h, []string{"A", "B"}, model.ChoiceSingle)
	for i := 0; i < 5; i++ {
		h.svc.tracker.OnChannelActivity(p.ClanID, p.ChannelID, fmt.Sprintf("m%d", i), tracker.MessageDescriptor{Text: "hi"})
	}
	if !waitFor(func() bool { return h.repo.get(p.ID).Deleted }) {
		t.Fatalf("Finalize 策略应结束投票")
	}
}
