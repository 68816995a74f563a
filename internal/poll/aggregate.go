package poll

import (
	"strconv"

	"github.com/lvdashuaibi/pollbot/internal/model"
)

// Aggregate 将投票记录按选项分组。
// 每个选项下的投票人保持投票记录的先后顺序；无法解析或越界的选项键被忽略。
func Aggregate(options []string, mode model.ChoiceMode, votes []model.VoteRecord) []model.OptionResult {
	results := make([]model.OptionResult, len(options))
	for i, label := range options {
		results[i] = model.OptionResult{
			Index:  i,
			Label:  label,
			Voters: []string{},
			IDs:    []string{},
		}
	}

	for _, vote := range votes {
		for _, idx := range selectedIndexes(vote, mode, len(options)) {
			results[idx].Voters = append(results[idx].Voters, vote.DisplayName)
			results[idx].IDs = append(results[idx].IDs, vote.VoterID)
		}
	}
	return results
}

// Result 聚合完整的投票结果
func Result(p *model.Poll) *model.PollResult {
	return &model.PollResult{
		PollID:  p.ID,
		Title:   p.Title,
		Mode:    p.Mode,
		Options: Aggregate(p.Options, p.Mode, p.Votes),
	}
}

// selectedIndexes 单选只取一个选项，多选去重
func selectedIndexes(vote model.VoteRecord, mode model.ChoiceMode, n int) []int {
	keys := vote.Selected()
	if mode != model.ChoiceMultiple && len(keys) > 1 {
		keys = keys[:1]
	}

	seen := make(map[int]struct{}, len(keys))
	indexes := make([]int, 0, len(keys))
	for _, key := range keys {
		idx, ok := OptionIndex(key, n)
		if !ok {
			continue
		}
		if _, dup := seen[idx]; dup {
			continue
		}
		seen[idx] = struct{}{}
		indexes = append(indexes, idx)
	}
	return indexes
}

// OptionIndex 解析选项键（"1" 或 "poll_1"）
func OptionIndex(key string, n int) (int, bool) {
	if len(key) > len(OptionValuePrefix) && key[:len(OptionValuePrefix)] == OptionValuePrefix {
		key = key[len(OptionValuePrefix):]
	}
	idx, err := strconv.Atoi(key)
	if err != nil || idx < 0 || idx >= n {
		return 0, false
	}
	return idx, true
}

// ReplaceVote 以投票人 ID 为键替换或追加投票记录，后到者覆盖
func ReplaceVote(votes []model.VoteRecord, record model.VoteRecord) []model.VoteRecord {
	for i := range votes {
		if votes[i].VoterID == record.VoterID {
			votes[i] = record
			return votes
		}
	}
	return append(votes, record)
}
