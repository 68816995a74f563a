package tracker

import (
	"strings"
	"testing"
)

func TestFivePlainMessagesExpire(t *testing.T) {
	tr := NewActivityTracker(DefaultThreshold)
	tr.StartTracking("1", "10", "poll-msg")

	for i := 0; i < 4; i++ {
		tr.OnChannelActivity("1", "10", "m", MessageDescriptor{Text: "hi"})
	}
	if tr.IsExpired("poll-msg") {
		t.Fatalf("权重为4时不应过期")
	}

	tr.OnChannelActivity("1", "10", "m", MessageDescriptor{Text: "hi"})
	state, ok := tr.State("poll-msg")
	if !ok || !state.Expired || state.MessageCountAfter != 5 {
		t.Fatalf("权重为5时应过期, got %+v", state)
	}

	tr.OnChannelActivity("1", "10", "m", MessageDescriptor{Text: "hi"})
	if state, _ := tr.State("poll-msg"); state.MessageCountAfter != 5 {
		t.Fatalf("过期后不再累加, got %d", state.MessageCountAfter)
	}
}

func TestWeights(t *testing.T) {
	if w := (MessageDescriptor{Text: strings.Repeat("a", 201)}).Weight(); w != 2 {
		t.Fatalf("长文本权重应为2, got %d", w)
	}
	if w := (MessageDescriptor{Text: strings.Repeat("a", 200)}).Weight(); w != 1 {
		t.Fatalf("200字符权重应为1, got %d", w)
	}
	if w := (MessageDescriptor{HasEmbed: true}).Weight(); w != 3 {
		t.Fatalf("卡片权重应为3, got %d", w)
	}
	if w := (MessageDescriptor{AttachmentsLen: 1, Text: strings.Repeat("a", 300)}).Weight(); w != 3 {
		t.Fatalf("附件权重应为3, got %d", w)
	}
}

func TestIgnoresOwnMessageAndOtherChannels(t *testing.T) {
	tr := NewActivityTracker(DefaultThreshold)
	tr.StartTracking("1", "10", "poll-msg")

	for i := 0; i < 10; i++ {
		tr.OnChannelActivity("1", "10", "poll-msg", MessageDescriptor{HasEmbed: true})
		tr.OnChannelActivity("1", "11", "m", MessageDescriptor{HasEmbed: true})
		tr.OnChannelActivity("2", "10", "m", MessageDescriptor{HasEmbed: true})
	}
	if state, _ := tr.State("poll-msg"); state.MessageCountAfter != 0 {
		t.Fatalf("不应累加, got %d", state.MessageCountAfter)
	}
}

func TestOnExpiredFiresOnce(t *testing.T) {
	tr := NewActivityTracker(DefaultThreshold)
	var fired []string
	tr.OnExpired(func(s ActivityState) { fired = append(fired, s.PollMessageID) })
	tr.StartTracking("1", "10", "a")
	tr.StartTracking("1", "10", "b")

	for i := 0; i < 3; i++ {
		tr.OnChannelActivity("1", "10", "m", MessageDescriptor{HasEmbed: true})
	}

	if len(fired) != 2 {
		t.Fatalf("每个投票应只触发一次, got %v", fired)
	}
}

func TestStopTrackingPrunesChannel(t *testing.T) {
	tr := NewActivityTracker(DefaultThreshold)
	tr.StartTracking("1", "10", "a")
	tr.StartTracking("1", "10", "b")
	tr.StartTracking("1", "11", "c")

	tr.StopTracking("a")
	if polls, channels := tr.Len(); polls != 2 || channels != 2 {
		t.Fatalf("got polls=%d channels=%d", polls, channels)
	}
	tr.StopTracking("b")
	tr.StopTracking("c")
	tr.StopTracking("missing")
	if polls, channels := tr.Len(); polls != 0 || channels != 0 {
		t.Fatalf("空集合应被清理, got polls=%d channels=%d", polls, channels)
	}
}
