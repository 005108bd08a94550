package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/lvdashuaibi/lyricvote/internal/cache"
	"github.com/lvdashuaibi/lyricvote/internal/model"
	"github.com/lvdashuaibi/lyricvote/internal/repository"
	"go.uber.org/zap"
)

var (
	// ErrInvalidInput 请求参数不合法，未写入任何数据
	ErrInvalidInput = errors.New("参数不合法")
	// ErrStorage 持久化失败；投票事件仍然会进入最近投票缓存
	ErrStorage = errors.New("持久化失败")
)

// Store 持久化存储
type Store interface {
	RecordVote(ctx context.Context, album, songName, lyric string, isUpvote bool) error
	GetLyricVote(ctx context.Context, album, songName, lyric string) (*model.LyricVote, error)
	InsertFeedback(ctx context.Context, at time.Time, feedback model.Feedback) (int64, error)
}

// EventPublisher 向其它实例广播投票事件
type EventPublisher interface {
	PublishVoteEvent(ctx context.Context, event model.VoteEvent) error
}

// VoteMirror 最近投票的外部镜像，Push不能阻塞
type VoteMirror interface {
	Push(event model.VoteEvent)
}

type Option func(*FeedbackService)

func WithPublisher(p EventPublisher) Option {
	return func(s *FeedbackService) { s.publisher = p }
}

func WithMirror(m VoteMirror) Option {
	return func(s *FeedbackService) { s.mirror = m }
}

// FeedbackService 处理歌词投票和文字反馈
//
// 投票事件进入最近投票缓存不依赖数据库写入是否成功：
// 数据库失败只记录日志并通过ErrStorage告知调用方。
type FeedbackService struct {
	store     Store
	recent    *cache.RecentVotes
	clock     clockwork.Clock
	logger    *zap.Logger
	publisher EventPublisher
	mirror    VoteMirror
}

func NewFeedbackService(store Store, recent *cache.RecentVotes, clock clockwork.Clock, logger *zap.Logger, opts ...Option) *FeedbackService {
	s := &FeedbackService{
		store:  store,
		recent: recent,
		clock:  clock,
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// UpvoteLine 给歌词行投赞成票
func (s *FeedbackService) UpvoteLine(ctx context.Context, album, songName, line string) (*model.VoteResponse, error) {
	return s.vote(ctx, album, songName, line, true)
}

// DownvoteLine 给歌词行投反对票
func (s *FeedbackService) DownvoteLine(ctx context.Context, album, songName, line string) (*model.VoteResponse, error) {
	return s.vote(ctx, album, songName, line, false)
}

func (s *FeedbackService) vote(ctx context.Context, album, songName, line string, isUpvote bool) (*model.VoteResponse, error) {
	if err := validateLine(album, songName, line); err != nil {
		return &model.VoteResponse{
			Success:   false,
			Message:   err.Error(),
			Timestamp: s.clock.Now().UTC(),
		}, err
	}

	storeErr := s.store.RecordVote(ctx, album, songName, line, isUpvote)
	if storeErr != nil {
		s.logger.Error("保存投票失败",
			zap.String("album", album),
			zap.String("song_name", songName),
			zap.Bool("is_upvote", isUpvote),
			zap.Error(storeErr))
	}

	event := model.NewVoteEvent(s.clock.Now(), album, songName, line, isUpvote)
	s.recent.Add(event)

	if s.mirror != nil {
		s.mirror.Push(event)
	}
	if s.publisher != nil {
		if err := s.publisher.PublishVoteEvent(ctx, event); err != nil {
			s.logger.Warn("广播投票事件失败", zap.Error(err))
		}
	}

	if storeErr != nil {
		return &model.VoteResponse{
			Success:   false,
			Message:   "投票已记录到最近投票，但保存到数据库失败",
			Event:     event,
			Timestamp: event.Time,
		}, fmt.Errorf("%w: %v", ErrStorage, storeErr)
	}

	return &model.VoteResponse{
		Success:   true,
		Message:   "投票成功",
		Event:     event,
		Timestamp: event.Time,
	}, nil
}

// SubmitFeedback 保存文字反馈
func (s *FeedbackService) SubmitFeedback(ctx context.Context, feedback model.Feedback) (*model.FeedbackResponse, error) {
	now := s.clock.Now().UTC()

	if err := validateFeedback(feedback); err != nil {
		return &model.FeedbackResponse{Success: false, Message: err.Error(), Timestamp: now}, err
	}

	id, err := s.store.InsertFeedback(ctx, now, feedback)
	if err != nil {
		s.logger.Error("保存反馈失败",
			zap.String("album", feedback.Album),
			zap.String("song", feedback.Song),
			zap.Error(err))
		return &model.FeedbackResponse{
			Success:   false,
			Message:   "保存反馈失败",
			Timestamp: now,
		}, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	s.logger.Debug("收到反馈", zap.Int64("id", id), zap.String("album", feedback.Album))
	return &model.FeedbackResponse{Success: true, Message: "反馈已提交", Timestamp: now}, nil
}

// RecentVotes 最新的limit条投票，最新在前；limit<=0返回全部
func (s *FeedbackService) RecentVotes(limit int) []model.VoteEvent {
	if limit <= 0 {
		return s.recent.Snapshot()
	}
	return s.recent.Recent(limit)
}

// LyricVote 查询歌词行累计票数，从未被投票的行返回0票
func (s *FeedbackService) LyricVote(ctx context.Context, album, songName, line string) (*model.LyricVote, error) {
	if err := validateLine(album, songName, line); err != nil {
		return nil, err
	}

	vote, err := s.store.GetLyricVote(ctx, album, songName, line)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return &model.LyricVote{Album: album, SongName: songName, Lyric: line}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return vote, nil
}

// IngestPeerEvent 写入其它实例广播的投票事件
func (s *FeedbackService) IngestPeerEvent(event model.VoteEvent) {
	s.recent.Add(event)
}

// Restore 用外部镜像恢复缓存，events为最新在前
func (s *FeedbackService) Restore(events []model.VoteEvent) {
	for i := len(events) - 1; i >= 0; i-- {
		s.recent.Add(events[i])
	}
}

func validateLine(album, songName, line string) error {
	if err := validateField("album", album); err != nil {
		return err
	}
	if err := validateField("song_name", songName); err != nil {
		return err
	}
	return validateField("line", line)
}

func validateFeedback(feedback model.Feedback) error {
	return validateField("message", feedback.Message)
}

// validateField 只拒绝空值；超长等存储限制由数据库报错，投票仍会进入缓存
func validateField(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%w: %s 不能为空", ErrInvalidInput, name)
	}
	return nil
}
