package model

import (
	"time"
)

// VoteEvent 单次歌词投票事件，创建后不再修改
type VoteEvent struct {
	Time     time.Time `json:"time"`
	Album    string    `json:"album"`
	SongName string    `json:"song_name"`
	Lyric    string    `json:"lyric"`
	IsUpvote bool      `json:"is_upvote"`
}

// NewVoteEvent 创建投票事件，时间统一转换为UTC
func NewVoteEvent(at time.Time, album, songName, lyric string, isUpvote bool) VoteEvent {
	return VoteEvent{
		Time:     at.UTC(),
		Album:    album,
		SongName: songName,
		Lyric:    lyric,
		IsUpvote: isUpvote,
	}
}

// LyricVote 某一行歌词的累计票数
type LyricVote struct {
	Album        string `json:"album"`
	SongName     string `json:"song_name"`
	Lyric        string `json:"lyric"`
	NumUpvotes   int64  `json:"num_upvotes"`
	NumDownvotes int64  `json:"num_downvotes"`
}

// Feedback 用户提交的文字反馈
type Feedback struct {
	Album   string `json:"album"`
	Song    string `json:"song"`
	Lyric   string `json:"lyric"`
	Message string `json:"message"`
	Contact string `json:"contact"`
}

// FeedbackRecord 已入库的反馈记录
type FeedbackRecord struct {
	ID   int64     `json:"id"`
	Time time.Time `json:"time"`
	Feedback
}

// VoteResponse 投票响应
type VoteResponse struct {
	Success   bool      `json:"success"`
	Message   string    `json:"message"`
	Event     VoteEvent `json:"event"`
	Timestamp time.Time `json:"timestamp"`
}

// FeedbackResponse 反馈响应
type FeedbackResponse struct {
	Success   bool      `json:"success"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}
